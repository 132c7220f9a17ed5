// Package pbft implements the PBFT normal case over the shared log, quorum,
// and runner primitives: the primary orders each request with a
// PRE-PREPARE carrying the cumulative log digest, replicas PREPARE and then
// COMMIT on that digest, and execution follows op order.
//
// View changes and checkpoints are not implemented; a replica that cannot
// make progress without them marks itself degraded.
package pbft

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/clienttable"
	"github.com/i-melnichenko/bft-lab/internal/consensus/quorum"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

var (
	// ErrNilDependency is returned when NewReplica is missing a collaborator.
	ErrNilDependency = errors.New("pbft: nil dependency")
	// ErrBadIndex is returned for a replica index outside the configuration.
	ErrBadIndex = errors.New("pbft: replica index out of range")
	// ErrUnauthorized marks a message whose signer may not send it.
	ErrUnauthorized = errors.New("pbft: signer not entitled to message")
	// ErrUnexpectedMessage marks a message kind replicas do not accept.
	ErrUnexpectedMessage = errors.New("pbft: unexpected message kind")
	// ErrDivergedLog is reported when a quorum committed a digest that
	// differs from the local log.
	ErrDivergedLog = errors.New("pbft: local log diverged from committed digest")
	// ErrStateTransfer is reported when progress requires entries this
	// replica never received.
	ErrStateTransfer = errors.New("pbft: state transfer required")
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	defaultWindow      = 256
	defaultMaxBuffered = 64
)

// Options tunes a Replica. Zero values select defaults.
type Options struct {
	// Window bounds how far beyond the last executed op votes are accepted.
	Window uint64
	// MaxBuffered bounds pre-prepares held while waiting for a predecessor.
	MaxBuffered int
	Metrics     consensus.Metrics
}

// Replica is one PBFT replica.
type Replica struct {
	index     int
	id        string
	view      uint64
	config    consensus.Config
	transport consensus.Transport
	signer    crypto.Signer
	verifier  crypto.Verifier
	app       consensus.Application
	runner    runner.Runner
	logger    Logger
	metrics   consensus.Metrics

	window      uint64
	maxBuffered int

	degraded atomic.Bool
	stopped  atomic.Bool

	// Solo-lane state.
	log          *replog.Log
	clients      *clienttable.Table
	prepares     *quorum.Set[uint64]
	commits      *quorum.Set[uint64]
	outOfOrder   map[uint64]*wire.PrePrepare
	lastExecuted uint64
	// backlog holds admitted requests the primary cannot order yet because
	// the window is full.
	backlog []wire.SignedRequest
}

// NewReplica creates replica index of cfg.
func NewReplica(
	index int,
	cfg consensus.Config,
	transport consensus.Transport,
	signer crypto.Signer,
	verifier crypto.Verifier,
	app consensus.Application,
	run runner.Runner,
	logger Logger,
	opts Options,
) (*Replica, error) {
	if transport == nil || signer == nil || verifier == nil || app == nil || run == nil || logger == nil {
		return nil, ErrNilDependency
	}
	if index < 0 || index >= cfg.N() {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, index, cfg.N())
	}
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if opts.Metrics == nil {
		opts.Metrics = consensus.NoopMetrics{}
	}
	prepareThreshold := 2 * cfg.F
	if prepareThreshold == 0 {
		prepareThreshold = 1
	}
	return &Replica{
		index:       index,
		id:          consensus.ReplicaIdentity(index),
		config:      cfg,
		transport:   transport,
		signer:      signer,
		verifier:    verifier,
		app:         app,
		runner:      run,
		logger:      logger,
		metrics:     opts.Metrics,
		window:      opts.Window,
		maxBuffered: opts.MaxBuffered,
		log:         replog.New(true, 1, replog.EmptyHash),
		clients:     clienttable.New(),
		prepares:    quorum.NewSet[uint64](prepareThreshold),
		commits:     quorum.NewSet[uint64](cfg.QuorumSize()),
		outOfOrder:  make(map[uint64]*wire.PrePrepare),
	}, nil
}

// Status reports runtime replica health.
func (r *Replica) Status() consensus.Status {
	if r.degraded.Load() {
		return consensus.StatusDegraded
	}
	return consensus.StatusHealthy
}

// Stop makes the replica ignore further input.
func (r *Replica) Stop() {
	r.stopped.Store(true)
}

// LastExecuted returns the highest executed op number.
func (r *Replica) LastExecuted() uint64 {
	s, _ := r.Inspect(context.Background())
	return s.CommitPoint
}

// Inspect returns a snapshot taken on the solo lane. It must not be called
// from inside a solo task.
func (r *Replica) Inspect(ctx context.Context) (consensus.ReplicaState, error) {
	out := make(chan consensus.ReplicaState, 1)
	r.runner.RunPrologue(func() runner.Solo {
		return func() {
			out <- consensus.ReplicaState{
				Protocol:    "pbft",
				Index:       r.index,
				View:        r.view,
				Leader:      r.primary(),
				Status:      r.Status(),
				LastOp:      r.log.LastOp(),
				CommitPoint: r.lastExecuted,
				Clients:     r.clients.Len(),
				Details: map[string]uint64{
					"buffered_pre_prepares": uint64(len(r.outOfOrder)),
					"prepare_slots":         uint64(r.prepares.Len()),
					"commit_slots":          uint64(r.commits.Len()),
					"queued_requests":       uint64(len(r.backlog)),
				},
			}
		}
	})
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return consensus.ReplicaState{}, ctx.Err()
	}
}

func (r *Replica) primary() int {
	return r.config.Leader(r.view)
}

func (r *Replica) isPrimary() bool {
	return r.primary() == r.index
}

func (r *Replica) markDegraded(err error) {
	if err == nil || !r.degraded.CompareAndSwap(false, true) {
		return
	}
	r.metrics.SetDegraded(r.id, true)
	r.logger.Error(
		"replica degraded",
		"replica", r.index,
		"last_executed", r.lastExecuted,
		"error", err,
	)
}

// ReceiveMessage schedules authentication of buf on the runner.
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

func (r *Replica) authenticate(buf []byte) (*wire.Opened, error) {
	in, err := wire.Open(r.verifier, buf)
	if err != nil {
		return nil, err
	}
	m := in.Message
	var want string
	switch {
	case m.Request != nil:
		want = consensus.ClientIdentity(m.Request.ClientID)
	case m.PrePrepare != nil:
		want = consensus.ReplicaIdentity(r.config.Leader(m.PrePrepare.View))
		if !wire.VerifyRequest(r.verifier, m.PrePrepare.Request) {
			return nil, fmt.Errorf("%w: pre-prepare request not signed by its client", ErrUnauthorized)
		}
	case m.Prepare != nil:
		want = consensus.ReplicaIdentity(m.Prepare.ReplicaIndex)
	case m.Commit != nil:
		want = consensus.ReplicaIdentity(m.Commit.ReplicaIndex)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Kind())
	}
	if in.Signer != want {
		return nil, fmt.Errorf("%w: %s signed by %s, want %s", ErrUnauthorized, m.Kind(), in.Signer, want)
	}
	return in, nil
}

func (r *Replica) dispatch(in *wire.Opened, raw []byte) {
	if r.degraded.Load() || r.stopped.Load() {
		return
	}
	m := in.Message
	switch {
	case m.Request != nil:
		r.handleRequest(wire.SignedRequest{Request: *m.Request, Signature: in.Signature}, raw)
	case m.PrePrepare != nil:
		r.handlePrePrepare(m.PrePrepare)
	case m.Prepare != nil:
		p := m.Prepare
		r.handlePrepare(p.View, p.OpNumber, p.Digest, p.ReplicaIndex, raw)
	case m.Commit != nil:
		c := m.Commit
		r.handleCommit(c.View, c.OpNumber, c.Digest, c.ReplicaIndex, raw)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, wire.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnexpectedMessage):
		return "unexpected"
	default:
		return "other"
	}
}
