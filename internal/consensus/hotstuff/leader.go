package hotstuff

import (
	"sort"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/clienttable"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

func (r *Replica) handleRequest(sr wire.SignedRequest) {
	req := sr.Request
	verdict, cached := r.clients.Admit(req)
	r.metrics.IncClientRequest(r.id, verdict.String())
	switch verdict {
	case clienttable.Resend:
		addr := req.ClientAddr
		r.runner.RunEpilogue(func() { r.sendReply(addr, cached) })
		return
	case clienttable.InFlight, clienttable.Stale:
		r.logger.Debug(
			"ignoring client request",
			"replica", r.index,
			"client_id", req.ClientID,
			"request_id", req.RequestID,
			"verdict", verdict.String(),
		)
		return
	}
	if !r.isLeader() {
		return
	}

	op := r.log.LastOp() + 1
	r.log.Append(&replog.Entry{
		View:      r.view,
		OpNumber:  op,
		State:     replog.StatePrepared,
		Request:   req,
		Signature: sr.Signature,
	})
	r.lastRealOp = op
	r.pending = append(r.pending, sr)
	if len(r.pending) >= r.batchSize {
		r.sendGeneric()
		return
	}
	if !r.timerArmed {
		r.armBatchTimer()
	}
}

// sendGeneric closes the pending batch into a block justified by the newest
// certificate and broadcasts it. An empty batch becomes a one-op noop block.
func (r *Replica) sendGeneric() {
	r.cancelBatchTimer()
	if r.genericQC == nil {
		r.enterNextView(&consensus.QC{View: r.view})
	}

	block := &wire.Block{
		View:     r.view,
		OpNumber: r.pendingBase,
		Requests: r.pending,
		Justify:  *r.genericQC,
	}
	if len(r.pending) == 0 {
		r.log.Append(&replog.Entry{
			View:     r.view,
			OpNumber: r.pendingBase,
			State:    replog.StateNoop,
		})
	}
	r.pending = nil
	r.pendingBase = r.log.LastOp() + 1

	r.metrics.IncProposal(r.id)
	r.metrics.ObserveBatchSize(r.id, len(block.Requests))
	r.logger.Debug(
		"proposing block",
		"replica", r.index,
		"op_number", block.OpNumber,
		"requests", len(block.Requests),
		"justify_op", block.Justify.OpNumber,
	)
	r.runner.RunEpilogue(func() {
		r.transport.SendToAll(wire.Seal(r.signer, &wire.Message{Block: block}))
	})

	if r.config.F == 0 {
		// No backups are needed for a quorum; certify immediately.
		r.formQC(block.TerminalOp(), nil)
	}
}

func (r *Replica) armBatchTimer() {
	r.batchGen++
	gen := r.batchGen
	r.timerArmed = true
	r.batchTimer = r.transport.RegisterTimer(r.batchTimeout, func() {
		r.runner.RunPrologue(func() runner.Solo {
			return func() {
				if r.degraded.Load() || r.stopped.Load() || gen != r.batchGen {
					return
				}
				r.timerArmed = false
				if len(r.pending) > 0 {
					r.sendGeneric()
				}
			}
		})
	})
}

func (r *Replica) cancelBatchTimer() {
	r.batchGen++
	if !r.timerArmed {
		return
	}
	r.timerArmed = false
	r.transport.CancelTimer(r.batchTimer)
}

func (r *Replica) handleVote(v *wire.Vote, raw []byte) {
	if !r.isLeader() || v.View != r.view || v.ReplicaIndex == r.index {
		r.metrics.IncMessageDropped(r.id, "misdirected_vote")
		return
	}
	if v.OpNumber <= qcOp(r.genericQC) || v.OpNumber > r.log.LastOp() {
		r.logger.Debug(
			"ignoring vote",
			"replica", r.index,
			"from", v.ReplicaIndex,
			"op_number", v.OpNumber,
			"generic_op", qcOp(r.genericQC),
		)
		return
	}
	if !r.votes.AddAndCheckForQuorum(v.OpNumber, v.ReplicaIndex, raw) {
		return
	}
	cert, _, _ := r.votes.Quorum(v.OpNumber)
	r.formQC(v.OpNumber, cert.Export())
}

// formQC adds the leader's own vote to the backup votes, advances to the new
// certificate, and keeps proposing while committed state still lags the log.
func (r *Replica) formQC(op uint64, backupVotes map[int][]byte) {
	if backupVotes == nil {
		backupVotes = make(map[int][]byte, 1)
	}
	backupVotes[r.index] = wire.Seal(r.signer, &wire.Message{Vote: &wire.Vote{
		View:         r.view,
		OpNumber:     op,
		ReplicaIndex: r.index,
	}})
	qc := &consensus.QC{
		View:        r.view,
		OpNumber:    op,
		SignedVotes: sortedVotes(backupVotes),
	}
	r.votes.PruneThrough(op)
	r.metrics.IncQuorumFormed(r.id, "generic")

	prevLocked := r.lockedQC
	r.enterNextView(qc)
	if r.degraded.Load() {
		return
	}
	// Backups commit an op one certificate later than the leader, so keep
	// proposing until the certificate that commits the last real op has
	// itself been broadcast.
	if len(r.pending) > 0 || (r.lastRealOp > 0 && r.lastRealOp >= qcOp(prevLocked)) {
		r.sendGeneric()
	}
}

func sortedVotes(votes map[int][]byte) [][]byte {
	voters := make([]int, 0, len(votes))
	for voter := range votes {
		voters = append(voters, voter)
	}
	sort.Ints(voters)
	out := make([][]byte, 0, len(voters))
	for _, voter := range voters {
		out = append(out, votes[voter])
	}
	return out
}
