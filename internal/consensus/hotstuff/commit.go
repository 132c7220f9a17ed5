package hotstuff

import (
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

// enterNextView installs qc as the newest certificate and applies the
// two-chain rule: ops in [old locked, new locked) become committed.
func (r *Replica) enterNextView(qc *consensus.QC) {
	if e := r.log.Find(qc.OpNumber); e != nil {
		e.Extra = replog.ChainedQC{Justify: qc}
	}
	commitQC := r.lockedQC
	r.lockedQC = r.genericQC
	r.genericQC = qc

	if commitQC == nil || r.lockedQC == nil {
		return
	}
	r.commitRange(commitQC.OpNumber, r.lockedQC.OpNumber)
}

func (r *Replica) commitRange(from, to uint64) {
	committed := 0
	for op := from; op < to; op++ {
		if op == 0 {
			continue
		}
		e := r.log.Find(op)
		if e == nil {
			r.markDegraded(fmt.Errorf("%w: commit of op %d beyond log", ErrStateTransfer, op))
			break
		}
		if e.State == replog.StateNoop || e.State == replog.StateCommitted {
			continue
		}
		r.log.SetStatus(op, replog.StateCommitted)
		e.Reply = r.app.Execute(op, e.Request.Op)
		r.commitPoint = op
		committed++
		r.cacheAndSendReply(e)
	}
	if committed > 0 {
		r.metrics.AddCommitted(r.id, committed)
		r.metrics.SetCommitPoint(r.id, r.commitPoint)
		r.logger.Debug(
			"committed ops",
			"replica", r.index,
			"from", from,
			"to", to,
			"committed", committed,
		)
	}
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
			"no client entry at commit, reply skipped",
			"replica", r.index,
			"op_number", e.OpNumber,
			"client_id", req.ClientID,
			"request_id", req.RequestID,
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
