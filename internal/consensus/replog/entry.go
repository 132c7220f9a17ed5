// Package replog implements the replicated operation log: a gap-free,
// append-only sequence of entries with monotonic lifecycle state and optional
// cumulative hash chaining.
package replog

import (
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// EntryState is the lifecycle state of a log entry. States only move forward
// in declaration order; Noop is terminal.
type EntryState int

// Entry states, in lifecycle order.
const (
	StateReceived EntryState = iota
	StateSpeculative
	StatePrepared
	StateFastPrepared
	StateCommitted
	StateNoop
)

func (s EntryState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateSpeculative:
		return "speculative"
	case StatePrepared:
		return "prepared"
	case StateFastPrepared:
		return "fast-prepared"
	case StateCommitted:
		return "committed"
	case StateNoop:
		return "noop"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Extra is protocol-specific data attached to an entry.
type Extra interface {
	protocolExtra()
}

// ChainedQC records the certificate that justified this entry in the
// chained-QC protocol.
type ChainedQC struct {
	Justify *consensus.QC
}

// UniqueID records a trusted-counter assignment (MinBFT-style protocols).
type UniqueID struct {
	UI        uint64
	Signature []byte
}

func (ChainedQC) protocolExtra() {}
func (UniqueID) protocolExtra()  {}

// Entry is one position in the log.
type Entry struct {
	View      uint64
	OpNumber  uint64
	State     EntryState
	Request   consensus.Request
	Signature []byte
	Hash      Digest

	// Reply is the cached application result once the entry executed.
	Reply []byte
	Extra Extra
}

// Viewstamp returns the (view, op number) pair identifying the entry.
func (e *Entry) Viewstamp() (uint64, uint64) {
	return e.View, e.OpNumber
}
