package hotstuff

import (
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

func (r *Replica) handleGeneric(b *wire.Block) {
	if r.isLeader() || b.View != r.view {
		r.metrics.IncMessageDropped(r.id, "misdirected_block")
		return
	}
	last := r.log.LastOp()
	switch {
	case b.OpNumber <= last:
		r.logger.Debug(
			"ignoring duplicate block",
			"replica", r.index,
			"op_number", b.OpNumber,
			"last_op", last,
		)
		return
	case b.OpNumber > last+1:
		r.bufferBlock(b, last)
		return
	}

	r.acceptBlock(b)
	for !r.degraded.Load() {
		next, ok := r.outOfOrder[r.log.LastOp()+1]
		if !ok {
			break
		}
		delete(r.outOfOrder, next.OpNumber)
		r.acceptBlock(next)
	}
	for base := range r.outOfOrder {
		if base <= r.log.LastOp() {
			delete(r.outOfOrder, base)
		}
	}
}

// bufferBlock holds a block that arrived ahead of its predecessor. Holding
// more than maxBuffered means the gap will not close by reordering alone.
func (r *Replica) bufferBlock(b *wire.Block, last uint64) {
	if _, ok := r.outOfOrder[b.OpNumber]; !ok && len(r.outOfOrder) >= r.maxBuffered {
		r.markDegraded(fmt.Errorf("%w: %d blocks waiting for op %d", ErrStateTransfer, len(r.outOfOrder), last+1))
		return
	}
	r.outOfOrder[b.OpNumber] = b
	r.logger.Debug(
		"buffering out-of-order block",
		"replica", r.index,
		"op_number", b.OpNumber,
		"last_op", last,
	)
}

// acceptBlock appends the block's entries, votes for its terminal op, and
// advances to its justify certificate when that is newer than ours.
func (r *Replica) acceptBlock(b *wire.Block) {
	if len(b.Requests) == 0 {
		r.log.Append(&replog.Entry{
			View:     b.View,
			OpNumber: b.OpNumber,
			State:    replog.StateNoop,
		})
	}
	for i, sr := range b.Requests {
		r.log.Append(&replog.Entry{
			View:      b.View,
			OpNumber:  b.OpNumber + uint64(i),
			State:     replog.StatePrepared,
			Request:   sr.Request,
			Signature: sr.Signature,
		})
	}

	vote := &wire.Vote{View: r.view, OpNumber: b.TerminalOp(), ReplicaIndex: r.index}
	leader := r.config.Leader(r.view)
	r.runner.RunEpilogue(func() {
		r.transport.SendToReplica(leader, wire.Seal(r.signer, &wire.Message{Vote: vote}))
	})

	if r.genericQC == nil || b.Justify.OpNumber > r.genericQC.OpNumber {
		qc := b.Justify
		r.enterNextView(&qc)
	}
}
