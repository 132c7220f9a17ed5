package hotstuff

import (
	"context"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/runner"
)

// Inspect returns a snapshot taken on the solo lane. It must not be called
// from inside a solo task.
func (r *Replica) Inspect(ctx context.Context) (consensus.ReplicaState, error) {
	out := make(chan consensus.ReplicaState, 1)
	r.runner.RunPrologue(func() runner.Solo {
		return func() { out <- r.snapshot() }
	})
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return consensus.ReplicaState{}, ctx.Err()
	}
}

func (r *Replica) snapshot() consensus.ReplicaState {
	return consensus.ReplicaState{
		Protocol:    "hotstuff",
		Index:       r.index,
		View:        r.view,
		Leader:      r.config.Leader(r.view),
		Status:      r.Status(),
		LastOp:      r.log.LastOp(),
		CommitPoint: r.commitPoint,
		Clients:     r.clients.Len(),
		Details: map[string]uint64{
			"generic_qc_op":    qcOp(r.genericQC),
			"locked_qc_op":     qcOp(r.lockedQC),
			"pending_requests": uint64(len(r.pending)),
			"buffered_blocks":  uint64(len(r.outOfOrder)),
		},
	}
}
