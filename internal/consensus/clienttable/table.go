// Package clienttable tracks per-client request progress for at-most-once
// execution and reply caching.
package clienttable

import "github.com/i-melnichenko/bft-lab/internal/consensus"

// Verdict is the outcome of admitting a client request.
type Verdict int

// Admission outcomes.
const (
	// Admit: a new request the replica should order.
	Admit Verdict = iota
	// Resend: the last request again; the cached reply should be resent.
	Resend
	// InFlight: the last request again, not yet executed. Drop it.
	InFlight
	// Stale: an older request id. Drop it.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case Resend:
		return "resend"
	case InFlight:
		return "in_flight"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Entry is the record kept for one client.
type Entry struct {
	ClientID      uint64
	LastRequestID uint64
	HasReply      bool
	Reply         []byte
	Addr          consensus.Address
}

// Table maps client ids to their latest request. Not safe for concurrent
// use; replicas touch it only from their solo stage.
type Table struct {
	entries map[uint64]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[uint64]*Entry)}
}

// Admit classifies req and records its id when it is new. The client address
// is refreshed on every call so replies follow a reconnecting client. For
// Resend the cached reply is returned.
func (t *Table) Admit(req consensus.Request) (Verdict, []byte) {
	e, ok := t.entries[req.ClientID]
	if !ok {
		t.entries[req.ClientID] = &Entry{
			ClientID:      req.ClientID,
			LastRequestID: req.RequestID,
			Addr:          req.ClientAddr,
		}
		return Admit, nil
	}
	if req.ClientAddr != "" {
		e.Addr = req.ClientAddr
	}
	switch {
	case req.RequestID < e.LastRequestID:
		return Stale, nil
	case req.RequestID == e.LastRequestID:
		if e.HasReply {
			return Resend, e.Reply
		}
		return InFlight, nil
	default:
		e.LastRequestID = req.RequestID
		e.HasReply = false
		e.Reply = nil
		return Admit, nil
	}
}

// CacheReply stores reply as the answer to (clientID, requestID) and returns
// the address to send it to. Backups learn requests from proposals rather
// than from the client, so an unseen client or a higher id creates or
// advances the record. A reply for an older request is ignored.
func (t *Table) CacheReply(clientID, requestID uint64, addr consensus.Address, reply []byte) (consensus.Address, bool) {
	e, ok := t.entries[clientID]
	if !ok {
		e = &Entry{ClientID: clientID, Addr: addr}
		t.entries[clientID] = e
	}
	if requestID < e.LastRequestID {
		return "", false
	}
	if e.Addr == "" {
		e.Addr = addr
	}
	e.LastRequestID = requestID
	e.HasReply = true
	e.Reply = reply
	return e.Addr, e.Addr != ""
}

// Lookup returns a copy of the client's record.
func (t *Table) Lookup(clientID uint64) (Entry, bool) {
	e, ok := t.entries[clientID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked clients.
func (t *Table) Len() int {
	return len(t.entries)
}
