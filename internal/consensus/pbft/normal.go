package pbft

import (
	"bytes"
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/clienttable"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

func (r *Replica) handleRequest(sr wire.SignedRequest, raw []byte) {
	req := sr.Request
	verdict, cached := r.clients.Admit(req)
	r.metrics.IncClientRequest(r.id, verdict.String())
	switch verdict {
	case clienttable.Resend:
		addr := req.ClientAddr
		r.runner.RunEpilogue(func() { r.sendReply(addr, cached) })
		return
	case clienttable.InFlight, clienttable.Stale:
		return
	}
	if !r.isPrimary() {
		primary := r.primary()
		r.runner.RunEpilogue(func() { r.transport.SendToReplica(primary, raw) })
		return
	}

	if r.log.LastOp() >= r.lastExecuted+r.window {
		r.backlog = append(r.backlog, sr)
		r.logger.Debug(
			"window full, queueing request",
			"replica", r.index,
			"client_id", req.ClientID,
			"request_id", req.RequestID,
			"queued", len(r.backlog),
		)
		return
	}
	r.propose(sr)
}

// propose assigns the next op number to sr and broadcasts its pre-prepare.
// Only the primary proposes, and only inside the window.
func (r *Replica) propose(sr wire.SignedRequest) {
	e := r.log.Append(&replog.Entry{
		View:      r.view,
		OpNumber:  r.log.LastOp() + 1,
		State:     replog.StateReceived,
		Request:   sr.Request,
		Signature: sr.Signature,
	})
	r.metrics.IncProposal(r.id)
	r.metrics.ObserveBatchSize(r.id, 1)
	buf := wire.Seal(r.signer, &wire.Message{PrePrepare: &wire.PrePrepare{
		View:     r.view,
		OpNumber: e.OpNumber,
		Request:  sr,
		Digest:   e.Hash[:],
	}})
	r.runner.RunEpilogue(func() { r.transport.SendToAll(buf) })
	r.tryPrepare(e.OpNumber)
}

// drainBacklog proposes queued requests while execution has opened room in
// the window.
func (r *Replica) drainBacklog() {
	for len(r.backlog) > 0 && r.isPrimary() && !r.degraded.Load() &&
		r.log.LastOp() < r.lastExecuted+r.window {
		sr := r.backlog[0]
		r.backlog[0] = wire.SignedRequest{}
		r.backlog = r.backlog[1:]
		r.propose(sr)
	}
	if len(r.backlog) == 0 {
		r.backlog = nil
	}
}

func (r *Replica) handlePrePrepare(pp *wire.PrePrepare) {
	if pp.View != r.view || r.isPrimary() {
		return
	}
	next := r.log.LastOp() + 1
	switch {
	case pp.OpNumber < next:
		return
	case pp.OpNumber > r.lastExecuted+r.window:
		r.metrics.IncMessageDropped(r.id, "out_of_window")
		return
	case pp.OpNumber > next:
		r.bufferPrePrepare(pp)
		return
	}
	for pp != nil && !r.degraded.Load() {
		r.acceptPrePrepare(pp)
		next = r.log.LastOp() + 1
		pp = r.outOfOrder[next]
		delete(r.outOfOrder, next)
	}
}

func (r *Replica) bufferPrePrepare(pp *wire.PrePrepare) {
	if _, ok := r.outOfOrder[pp.OpNumber]; ok {
		return
	}
	if len(r.outOfOrder) >= r.maxBuffered {
		r.markDegraded(fmt.Errorf(
			"%w: %d pre-prepares buffered waiting for op %d",
			ErrStateTransfer, len(r.outOfOrder), r.log.LastOp()+1,
		))
		return
	}
	r.outOfOrder[pp.OpNumber] = pp
	r.logger.Debug(
		"buffered out-of-order pre-prepare",
		"replica", r.index,
		"op_number", pp.OpNumber,
		"last_op", r.log.LastOp(),
	)
}

// acceptPrePrepare appends the ordered request and checks that the primary's
// digest matches the local hash chain before agreeing to it.
func (r *Replica) acceptPrePrepare(pp *wire.PrePrepare) {
	req := pp.Request.Request
	e := r.log.Append(&replog.Entry{
		View:      pp.View,
		OpNumber:  pp.OpNumber,
		State:     replog.StateReceived,
		Request:   req,
		Signature: pp.Request.Signature,
	})
	if !bytes.Equal(e.Hash[:], pp.Digest) {
		r.log.RemoveAfter(pp.OpNumber)
		r.metrics.IncMessageDropped(r.id, "digest_mismatch")
		r.logger.Warn(
			"pre-prepare digest does not match local log",
			"replica", r.index,
			"op_number", pp.OpNumber,
			"client_id", req.ClientID,
			"request_id", req.RequestID,
		)
		return
	}
	// A commit quorum may have formed before this entry arrived.
	if _, reached, ok := r.commits.Quorum(e.OpNumber); ok && !bytes.Equal(reached, e.Hash[:]) {
		r.markDegraded(fmt.Errorf("%w: op %d", ErrDivergedLog, e.OpNumber))
		return
	}
	// Seed the client table so the reply can be cached at execution.
	r.clients.Admit(req)

	buf := wire.Seal(r.signer, &wire.Message{Prepare: &wire.Prepare{
		View:         r.view,
		OpNumber:     e.OpNumber,
		Digest:       e.Hash[:],
		ReplicaIndex: r.index,
	}})
	r.runner.RunEpilogue(func() { r.transport.SendToAll(buf) })
	r.prepares.AddAndCheckForDigest(e.OpNumber, e.Hash[:], r.index, buf)
	r.tryPrepare(e.OpNumber)
}

func (r *Replica) inWindow(op uint64) bool {
	return op > r.lastExecuted && op <= r.lastExecuted+r.window
}

func (r *Replica) handlePrepare(view, op uint64, digest []byte, from int, raw []byte) {
	if view != r.view || !r.inWindow(op) {
		return
	}
	// The primary's pre-prepare stands in for its prepare.
	if from == r.primary() {
		r.metrics.IncMessageDropped(r.id, "prepare_from_primary")
		return
	}
	r.prepares.AddAndCheckForDigest(op, digest, from, raw)
	r.tryPrepare(op)
}

// tryPrepare moves op to Prepared once 2f backups agreed on its digest, and
// broadcasts this replica's commit.
func (r *Replica) tryPrepare(op uint64) {
	e := r.log.Find(op)
	if e == nil || e.State != replog.StateReceived {
		return
	}
	if r.prepares.Count(op, e.Hash[:]) < 2*r.config.F {
		return
	}
	r.log.SetStatus(op, replog.StatePrepared)
	r.metrics.IncQuorumFormed(r.id, "prepare")

	buf := wire.Seal(r.signer, &wire.Message{Commit: &wire.Commit{
		View:         r.view,
		OpNumber:     op,
		Digest:       e.Hash[:],
		ReplicaIndex: r.index,
	}})
	r.runner.RunEpilogue(func() { r.transport.SendToAll(buf) })
	r.addCommit(op, e.Hash[:], r.index, buf)
}

func (r *Replica) handleCommit(view, op uint64, digest []byte, from int, raw []byte) {
	if view != r.view || !r.inWindow(op) {
		return
	}
	r.addCommit(op, digest, from, raw)
}

func (r *Replica) addCommit(op uint64, digest []byte, from int, raw []byte) {
	if r.commits.AddAndCheckForDigest(op, digest, from, raw) {
		if e := r.log.Find(op); e != nil && !bytes.Equal(e.Hash[:], digest) {
			r.markDegraded(fmt.Errorf("%w: op %d", ErrDivergedLog, op))
			return
		}
	}
	r.tryCommit(op)
}

func (r *Replica) tryCommit(op uint64) {
	e := r.log.Find(op)
	if e == nil || e.State != replog.StatePrepared {
		return
	}
	if r.commits.Count(op, e.Hash[:]) < r.config.QuorumSize() {
		return
	}
	r.log.SetStatus(op, replog.StateCommitted)
	r.metrics.IncQuorumFormed(r.id, "commit")
	r.executeCommitted()
}

// executeCommitted runs the contiguous committed prefix past lastExecuted.
func (r *Replica) executeCommitted() {
	from := r.lastExecuted + 1
	executed := 0
	for {
		op := r.lastExecuted + 1
		e := r.log.Find(op)
		if e == nil || e.State != replog.StateCommitted {
			break
		}
		e.Reply = r.app.Execute(op, e.Request.Op)
		r.lastExecuted = op
		r.prepares.Clear(op)
		r.commits.Clear(op)
		executed++
		r.cacheAndSendReply(e)
	}
	if executed == 0 {
		return
	}
	r.metrics.AddCommitted(r.id, executed)
	r.metrics.SetCommitPoint(r.id, r.lastExecuted)
	r.logger.Debug(
		"executed ops",
		"replica", r.index,
		"from", from,
		"to", r.lastExecuted,
	)
	r.drainBacklog()
}

func (r *Replica) cacheAndSendReply(e *replog.Entry) {
	req := e.Request
	payload := wire.Marshal(&wire.Message{Reply: &wire.Reply{
		View:         r.view,
		ClientID:     req.ClientID,
		RequestID:    req.RequestID,
		Result:       e.Reply,
		ReplicaIndex: r.index,
	}})
	addr, ok := r.clients.CacheReply(req.ClientID, req.RequestID, req.ClientAddr, payload)
	if !ok {
		r.logger.Warn(
			"no client address at execution, reply skipped",
			"replica", r.index,
			"op_number", e.OpNumber,
			"client_id", req.ClientID,
		)
		return
	}
	r.runner.RunEpilogue(func() { r.sendReply(addr, payload) })
}

func (r *Replica) sendReply(addr consensus.Address, payload []byte) {
	if !r.transport.Send(addr, wire.SealPayload(r.signer, payload)) {
		r.logger.Debug("reply not sent", "replica", r.index, "to", addr)
	}
}
