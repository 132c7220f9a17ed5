// Package grpctransport carries consensus messages between processes over a
// single unary gRPC method. Each destination has a bounded FIFO queue drained
// by one sender goroutine; messages that cannot be queued or delivered are
// dropped, which the protocols tolerate.
package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

var (
	// ErrMissingSender is returned when an inbound call lacks the sender
	// metadata.
	ErrMissingSender = errors.New("grpctransport: missing sender address")
	// ErrClosed is returned by operations on a closed Transport.
	ErrClosed = errors.New("grpctransport: transport closed")
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 2 * time.Second
)

// Options configures a Transport. Zero values select defaults.
type Options struct {
	DialOptions []grpc.DialOption
	QueueSize   int
	SendTimeout time.Duration
	Tracer      oteltrace.Tracer
}

type peer struct {
	addr  consensus.Address
	conn  *grpc.ClientConn
	queue chan []byte
}

// Transport implements consensus.Transport over gRPC. Addresses are gRPC
// dial targets.
type Transport struct {
	self     consensus.Address
	replicas []consensus.Address
	selfIdx  int
	logger   Logger
	opts     Options

	mu        sync.Mutex
	closed    bool
	peers     map[consensus.Address]*peer
	timers    map[consensus.TimerHandle]*time.Timer
	nextTimer consensus.TimerHandle
	wg        sync.WaitGroup
}

// New creates a transport sending as self. replicas lists replica addresses
// in index order; self may or may not be one of them.
func New(self consensus.Address, replicas []consensus.Address, logger Logger, opts Options) *Transport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("grpctransport")
	}
	selfIdx := -1
	for i, addr := range replicas {
		if addr == self {
			selfIdx = i
			break
		}
	}
	return &Transport{
		self:     self,
		replicas: append([]consensus.Address(nil), replicas...),
		selfIdx:  selfIdx,
		logger:   logger,
		opts:     opts,
		peers:    make(map[consensus.Address]*peer),
		timers:   make(map[consensus.TimerHandle]*time.Timer),
	}
}

// Address returns the transport's own address.
func (t *Transport) Address() consensus.Address {
	return t.self
}

// Send queues buf for delivery to addr. It reports false when the message
// was dropped locally.
func (t *Transport) Send(to consensus.Address, buf []byte) bool {
	p, err := t.peer(to)
	if err != nil {
		t.logger.Warn("peer unavailable", "to", to, "error", err)
		return false
	}
	msg := append([]byte(nil), buf...)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case p.queue <- msg:
		return true
	default:
		t.logger.Debug("send queue full, dropping message", "to", to)
		return false
	}
}

// SendToReplica queues buf for the replica with the given index.
func (t *Transport) SendToReplica(index int, buf []byte) bool {
	if index < 0 || index >= len(t.replicas) {
		return false
	}
	return t.Send(t.replicas[index], buf)
}

// SendToAll queues buf for every replica except self.
func (t *Transport) SendToAll(buf []byte) {
	for i, addr := range t.replicas {
		if i == t.selfIdx {
			continue
		}
		t.Send(addr, buf)
	}
}

// RegisterTimer runs cb once after d on a timer goroutine.
func (t *Transport) RegisterTimer(d time.Duration, cb func()) consensus.TimerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextTimer++
	h := t.nextTimer
	if t.closed {
		return h
	}
	t.timers[h] = time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.timers[h]
		delete(t.timers, h)
		t.mu.Unlock()
		if live {
			cb()
		}
	})
	return h
}

// CancelTimer stops h if it has not fired yet.
func (t *Transport) CancelTimer(h consensus.TimerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[h]; ok {
		tm.Stop()
		delete(t.timers, h)
	}
}

// Close stops timers and senders and closes peer connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for h, tm := range t.timers {
		tm.Stop()
		delete(t.timers, h)
	}
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		close(p.queue)
		peers = append(peers, p)
	}
	t.mu.Unlock()

	t.wg.Wait()
	var errs []error
	for _, p := range peers {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.addr, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) peer(addr consensus.Address) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if p, ok := t.peers[addr]; ok {
		return p, nil
	}
	// The connection is established lazily on the first RPC.
	conn, err := grpc.NewClient("passthrough:///"+string(addr), t.opts.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p := &peer{
		addr:  addr,
		conn:  conn,
		queue: make(chan []byte, t.opts.QueueSize),
	}
	t.peers[addr] = p
	t.wg.Add(1)
	go t.drain(p)
	return p, nil
}

func (t *Transport) drain(p *peer) {
	defer t.wg.Done()
	base := metadata.AppendToOutgoingContext(context.Background(), FromMetadataKey, string(t.self))
	for buf := range p.queue {
		t.deliver(base, p, buf)
	}
}

func (t *Transport) deliver(base context.Context, p *peer, buf []byte) {
	ctx, cancel := context.WithTimeout(base, t.opts.SendTimeout)
	defer cancel()
	ctx, span := t.opts.Tracer.Start(ctx, "grpctransport.client.Deliver", oteltrace.WithAttributes(
		attribute.String("bft.peer.target", string(p.addr)),
		attribute.Int("bft.message.bytes", len(buf)),
	))
	defer span.End()

	if err := p.conn.Invoke(ctx, deliverFullMethod, wrapperspb.Bytes(buf), new(emptypb.Empty)); err != nil {
		recordSpanError(span, err)
		t.logger.Debug("delivery failed", "to", p.addr, "error", err)
	}
}
