package hotstuff

import (
	"errors"
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

// ReceiveMessage schedules authentication of buf on the runner. Messages that
// fail authentication are dropped with a warning and never reach the solo
// lane.
func (r *Replica) ReceiveMessage(from consensus.Address, buf []byte) {
	if r.stopped.Load() {
		return
	}
	buf = append([]byte(nil), buf...)
	r.runner.RunPrologue(func() runner.Solo {
		in, err := r.authenticate(buf)
		if err != nil {
			r.metrics.IncMessageDropped(r.id, dropReason(err))
			r.logger.Warn(
				"dropping unauthenticated message",
				"replica", r.index,
				"from", from,
				"error", err,
			)
			return nil
		}
		return func() { r.dispatch(in, buf) }
	})
}

func (r *Replica) dispatch(in *wire.Opened, raw []byte) {
	if r.degraded.Load() || r.stopped.Load() {
		return
	}
	m := in.Message
	switch {
	case m.Request != nil:
		r.handleRequest(wire.SignedRequest{Request: *m.Request, Signature: in.Signature})
	case m.Block != nil:
		r.handleGeneric(m.Block)
	case m.Vote != nil:
		r.handleVote(m.Vote, raw)
	}
}

// authenticate decodes buf and checks that the signer is entitled to send
// the message. It touches no consensus state.
func (r *Replica) authenticate(buf []byte) (*wire.Opened, error) {
	in, err := wire.Open(r.verifier, buf)
	if err != nil {
		return nil, err
	}
	m := in.Message
	switch {
	case m.Request != nil:
		if in.Signer != consensus.ClientIdentity(m.Request.ClientID) {
			return nil, fmt.Errorf("%w: request from %s signed by %s", ErrUnauthorized, consensus.ClientIdentity(m.Request.ClientID), in.Signer)
		}
	case m.Block != nil:
		if err := r.checkBlock(in.Signer, m.Block); err != nil {
			return nil, err
		}
	case m.Vote != nil:
		if in.Signer != consensus.ReplicaIdentity(m.Vote.ReplicaIndex) {
			return nil, fmt.Errorf("%w: vote of replica %d signed by %s", ErrUnauthorized, m.Vote.ReplicaIndex, in.Signer)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Kind())
	}
	return in, nil
}

func (r *Replica) checkBlock(signer string, b *wire.Block) error {
	leader := consensus.ReplicaIdentity(r.config.Leader(b.View))
	if signer != leader {
		return fmt.Errorf("%w: block for view %d signed by %s", ErrUnauthorized, b.View, signer)
	}
	if b.OpNumber == 0 {
		return fmt.Errorf("%w: block at op 0", wire.ErrMalformed)
	}
	if b.Justify.OpNumber >= b.OpNumber {
		return fmt.Errorf("%w: justify op %d not below block op %d", ErrInvalidQC, b.Justify.OpNumber, b.OpNumber)
	}
	if err := r.verifyQC(&b.Justify); err != nil {
		return err
	}
	for i := range b.Requests {
		if !wire.VerifyRequest(r.verifier, b.Requests[i]) {
			return fmt.Errorf("%w: block request %d not signed by its client", ErrUnauthorized, i)
		}
	}
	return nil
}

// verifyQC checks that qc holds signed votes for its op number from at least
// a Byzantine quorum of distinct replicas. The sentinel carries no votes.
func (r *Replica) verifyQC(qc *consensus.QC) error {
	if qc.IsSentinel() {
		if len(qc.SignedVotes) != 0 {
			return fmt.Errorf("%w: sentinel certificate with votes", ErrInvalidQC)
		}
		return nil
	}
	seen := make(map[int]struct{}, len(qc.SignedVotes))
	for _, raw := range qc.SignedVotes {
		in, err := wire.Open(r.verifier, raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQC, err)
		}
		v := in.Message.Vote
		switch {
		case v == nil:
			return fmt.Errorf("%w: embedded %s is not a vote", ErrInvalidQC, in.Message.Kind())
		case v.OpNumber != qc.OpNumber || v.View != qc.View:
			return fmt.Errorf("%w: vote for (%d, %d) in certificate for (%d, %d)", ErrInvalidQC, v.View, v.OpNumber, qc.View, qc.OpNumber)
		case v.ReplicaIndex < 0 || v.ReplicaIndex >= r.config.N():
			return fmt.Errorf("%w: vote from unknown replica %d", ErrInvalidQC, v.ReplicaIndex)
		case in.Signer != consensus.ReplicaIdentity(v.ReplicaIndex):
			return fmt.Errorf("%w: vote of replica %d signed by %s", ErrInvalidQC, v.ReplicaIndex, in.Signer)
		}
		seen[v.ReplicaIndex] = struct{}{}
	}
	if len(seen) < r.config.QuorumSize() {
		return fmt.Errorf("%w: %d distinct votes, need %d", ErrInvalidQC, len(seen), r.config.QuorumSize())
	}
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, wire.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidQC):
		return "invalid_qc"
	case errors.Is(err, ErrUnexpectedMessage):
		return "unexpected"
	default:
		return "other"
	}
}
