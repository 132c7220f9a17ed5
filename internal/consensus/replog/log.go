package replog

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Digest is a cumulative SHA-256 over the log prefix.
type Digest [sha256.Size]byte

// EmptyHash is the predecessor digest of a log with no history.
var EmptyHash Digest

// Log owns the entries for op numbers [FirstOp, LastOp]. It is not safe for
// concurrent use; the owning engine mutates it from a single goroutine.
type Log struct {
	entries     []*Entry
	start       uint64
	initialHash Digest
	useHash     bool
}

// New creates an empty log whose first entry will carry op number start.
func New(useHash bool, start uint64, initialHash Digest) *Log {
	if start == 0 {
		panic("replog: op numbers are 1-based")
	}
	return &Log{
		start:       start,
		initialHash: initialHash,
		useHash:     useHash,
	}
}

// Append adds e at LastOp()+1 and returns the stored entry. A non-contiguous
// op number is a caller bug and panics.
func (l *Log) Append(e *Entry) *Entry {
	if want := l.LastOp() + 1; e.OpNumber != want {
		panic(fmt.Sprintf("replog: non-contiguous append: op %d, want %d", e.OpNumber, want))
	}
	if l.useHash {
		e.Hash = ComputeHash(l.LastHash(), e)
	}
	l.entries = append(l.entries, e)
	return e
}

// Find returns the entry for op, or nil when op is outside [FirstOp, LastOp].
func (l *Log) Find(op uint64) *Entry {
	if op < l.start {
		return nil
	}
	offset := op - l.start
	if offset >= uint64(len(l.entries)) {
		return nil
	}
	return l.entries[offset]
}

// SetStatus advances the state of op. It returns false when op is out of
// range. Moving an entry to an earlier state panics.
func (l *Log) SetStatus(op uint64, state EntryState) bool {
	e := l.Find(op)
	if e == nil {
		return false
	}
	if state < e.State {
		panic(fmt.Sprintf("replog: op %d state regression %s -> %s", op, e.State, state))
	}
	e.State = state
	return true
}

// SetRequest replaces the request stored at op. With hashing enabled the
// chain is recomputed from op onward.
func (l *Log) SetRequest(op uint64, req consensus.Request, signature []byte) bool {
	e := l.Find(op)
	if e == nil {
		return false
	}
	e.Request = req
	e.Signature = append([]byte(nil), signature...)
	if l.useHash {
		l.rehashFrom(op)
	}
	return true
}

// RemoveAfter truncates op and every later entry. Retained entries keep
// their hashes, so LastHash stays valid for the remaining prefix.
func (l *Log) RemoveAfter(op uint64) {
	if op > l.LastOp() {
		return
	}
	if op < l.start {
		op = l.start
	}
	keep := op - l.start
	for i := keep; i < uint64(len(l.entries)); i++ {
		l.entries[i] = nil
	}
	l.entries = l.entries[:keep]
}

// Last returns the newest entry, or nil for an empty log.
func (l *Log) Last() *Entry {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// LastOp returns the newest op number, or FirstOp()-1 when empty.
func (l *Log) LastOp() uint64 {
	return l.start + uint64(len(l.entries)) - 1
}

// FirstOp returns the op number of the first (possibly future) entry.
func (l *Log) FirstOp() uint64 {
	return l.start
}

// Empty reports whether the log holds no entries.
func (l *Log) Empty() bool {
	return len(l.entries) == 0
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// LastHash returns the cumulative digest of the full log.
func (l *Log) LastHash() Digest {
	if last := l.Last(); last != nil && l.useHash {
		return last.Hash
	}
	return l.initialHash
}

// Dump calls fn for every entry in [from, to], stopping early when fn
// returns false.
func (l *Log) Dump(from, to uint64, fn func(*Entry) bool) {
	if from < l.start {
		from = l.start
	}
	if last := l.LastOp(); to > last {
		to = last
	}
	for op := from; op <= to && op >= l.start; op++ {
		if !fn(l.entries[op-l.start]) {
			return
		}
	}
}

func (l *Log) rehashFrom(op uint64) {
	prev := l.initialHash
	if p := l.Find(op - 1); p != nil {
		prev = p.Hash
	}
	for i := op - l.start; i < uint64(len(l.entries)); i++ {
		e := l.entries[i]
		e.Hash = ComputeHash(prev, e)
		prev = e.Hash
	}
}

// ComputeHash chains e onto prev. It covers the viewstamp and the request
// content, not the mutable lifecycle state.
func ComputeHash(prev Digest, e *Entry) Digest {
	h := sha256.New()
	h.Write(prev[:])

	var buf [8]byte
	writeUint64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeUint64(e.View)
	writeUint64(e.OpNumber)
	writeUint64(e.Request.ClientID)
	writeUint64(e.Request.RequestID)
	writeUint64(uint64(len(e.Request.Op)))
	h.Write(e.Request.Op)

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
