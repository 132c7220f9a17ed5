// Package hotstuff implements a chained quorum-certificate replica: the
// leader batches client requests into blocks, backups vote on each block, and
// each block carries the newest certificate so that an op becomes final once
// its certificate is itself covered by a later one (two-chain commit).
//
// All consensus state is owned by the runner's solo lane. Prologues only
// decode and authenticate; epilogues only sign and send.
package hotstuff

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/clienttable"
	"github.com/i-melnichenko/bft-lab/internal/consensus/quorum"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

var (
	// ErrNilTransport is returned when NewReplica is called without a transport.
	ErrNilTransport = errors.New("hotstuff: nil transport")
	// ErrNilSigner is returned when NewReplica is called without a signer.
	ErrNilSigner = errors.New("hotstuff: nil signer")
	// ErrNilVerifier is returned when NewReplica is called without a verifier.
	ErrNilVerifier = errors.New("hotstuff: nil verifier")
	// ErrNilApplication is returned when NewReplica is called without an application.
	ErrNilApplication = errors.New("hotstuff: nil application")
	// ErrNilRunner is returned when NewReplica is called without a runner.
	ErrNilRunner = errors.New("hotstuff: nil runner")
	// ErrNilLogger is returned when NewReplica is called without a logger.
	ErrNilLogger = errors.New("hotstuff: nil logger")
	// ErrBadIndex is returned for a replica index outside the configuration.
	ErrBadIndex = errors.New("hotstuff: replica index out of range")

	// ErrUnauthorized marks a message whose signer may not send it.
	ErrUnauthorized = errors.New("hotstuff: signer not entitled to message")
	// ErrInvalidQC marks a proposal carrying an unverifiable certificate.
	ErrInvalidQC = errors.New("hotstuff: invalid quorum certificate")
	// ErrUnexpectedMessage marks a message kind replicas do not accept.
	ErrUnexpectedMessage = errors.New("hotstuff: unexpected message kind")
	// ErrStateTransfer is reported when progress requires entries this
	// replica never received.
	ErrStateTransfer = errors.New("hotstuff: state transfer required")
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	defaultBatchSize    = 16
	defaultBatchTimeout = 5 * time.Millisecond
	defaultMaxBuffered  = 64
)

// Options tunes a Replica. Zero values select defaults.
type Options struct {
	// BatchSize closes a proposal once this many requests are pending.
	BatchSize int
	// BatchTimeout closes a partially filled proposal after this delay.
	BatchTimeout time.Duration
	// MaxBuffered bounds proposals held while waiting for a predecessor.
	// Exceeding it degrades the replica.
	MaxBuffered int
	Metrics     consensus.Metrics
}

// Replica is one chained-QC replica.
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

	batchSize    int
	batchTimeout time.Duration
	maxBuffered  int

	degraded atomic.Bool
	stopped  atomic.Bool

	// Solo-lane state.
	log        *replog.Log
	clients    *clienttable.Table
	genericQC  *consensus.QC
	lockedQC   *consensus.QC
	votes      *quorum.Set[uint64]
	outOfOrder map[uint64]*wire.Block

	pending     []wire.SignedRequest
	pendingBase uint64
	lastRealOp  uint64
	commitPoint uint64

	batchTimer consensus.TimerHandle
	timerArmed bool
	batchGen   uint64
}

// NewReplica creates replica index of cfg. The signer must sign as
// consensus.ReplicaIdentity(index).
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
	switch {
	case transport == nil:
		return nil, ErrNilTransport
	case signer == nil:
		return nil, ErrNilSigner
	case verifier == nil:
		return nil, ErrNilVerifier
	case app == nil:
		return nil, ErrNilApplication
	case run == nil:
		return nil, ErrNilRunner
	case logger == nil:
		return nil, ErrNilLogger
	case index < 0 || index >= cfg.N():
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, index, cfg.N())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if opts.Metrics == nil {
		opts.Metrics = consensus.NoopMetrics{}
	}

	threshold := 2 * cfg.F
	if threshold == 0 {
		threshold = 1
	}
	return &Replica{
		index:        index,
		id:           consensus.ReplicaIdentity(index),
		config:       cfg,
		transport:    transport,
		signer:       signer,
		verifier:     verifier,
		app:          app,
		runner:       run,
		logger:       logger,
		metrics:      opts.Metrics,
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
		maxBuffered:  opts.MaxBuffered,
		log:          replog.New(false, 1, replog.EmptyHash),
		clients:      clienttable.New(),
		votes:        quorum.NewSet[uint64](threshold),
		outOfOrder:   make(map[uint64]*wire.Block),
		pendingBase:  1,
	}, nil
}

// Index returns the replica index.
func (r *Replica) Index() int {
	return r.index
}

// Status reports runtime replica health.
//
// A degraded replica observed a condition it cannot recover from on its own
// (a gap that needs state transfer), logged it, and stopped processing
// messages.
func (r *Replica) Status() consensus.Status {
	if r.degraded.Load() {
		return consensus.StatusDegraded
	}
	return consensus.StatusHealthy
}

// Stop makes the replica ignore further input. The runner and transport are
// owned and stopped by the caller.
func (r *Replica) Stop() {
	r.stopped.Store(true)
}

func (r *Replica) isLeader() bool {
	return r.config.Leader(r.view) == r.index
}

func (r *Replica) markDegraded(err error) {
	if err == nil || !r.degraded.CompareAndSwap(false, true) {
		return
	}
	r.metrics.SetDegraded(r.id, true)
	r.logger.Error(
		"replica degraded",
		"replica", r.index,
		"op_number", r.log.LastOp(),
		"error", err,
	)
}

func qcOp(qc *consensus.QC) uint64 {
	if qc == nil {
		return 0
	}
	return qc.OpNumber
}
