// Package client implements the client role of the BFT protocols: it signs
// and broadcasts one request at a time, retransmits until answered, and
// accepts a result once f+1 replicas returned the same one.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

var (
	// ErrRequestPending is returned when a request is issued while another
	// one is still outstanding.
	ErrRequestPending = errors.New("client: request already pending")
	// ErrNilTransport is returned when New is called without a transport.
	ErrNilTransport = errors.New("client: nil transport")
	// ErrNilLogger is returned when New is called without a logger.
	ErrNilLogger = errors.New("client: nil logger")
)

// DefaultResendInterval is the retransmission period for unanswered requests.
const DefaultResendInterval = time.Second

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type pendingRequest struct {
	req     consensus.Request
	buf     []byte
	replies map[int][]byte
	timer   consensus.TimerHandle
	onDone  func(result []byte)
	resends int
}

// Client is a BFT client with a single outstanding request.
type Client struct {
	id             uint64
	addr           consensus.Address
	config         consensus.Config
	transport      consensus.Transport
	signer         crypto.Signer
	verifier       crypto.Verifier
	logger         Logger
	resendInterval time.Duration

	mu            sync.Mutex
	lastRequestID uint64
	pending       *pendingRequest
}

// New creates client id reachable at addr. The signer must sign as
// consensus.ClientIdentity(id). A zero resendInterval selects
// DefaultResendInterval.
func New(
	id uint64,
	addr consensus.Address,
	cfg consensus.Config,
	transport consensus.Transport,
	signer crypto.Signer,
	verifier crypto.Verifier,
	logger Logger,
	resendInterval time.Duration,
) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if signer == nil || verifier == nil {
		return nil, fmt.Errorf("client: nil signer or verifier")
	}
	if resendInterval <= 0 {
		resendInterval = DefaultResendInterval
	}
	return &Client{
		id:             id,
		addr:           addr,
		config:         cfg,
		transport:      transport,
		signer:         signer,
		verifier:       verifier,
		logger:         logger,
		resendInterval: resendInterval,
	}, nil
}

// ID returns the client id.
func (c *Client) ID() uint64 {
	return c.id
}

// SeedRequestID makes the next request id last+1 if that is higher than the
// current sequence. A process that reuses a client id across restarts must
// seed past every id it issued before, or replicas answer from their reply
// cache.
func (c *Client) SeedRequestID(last uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last > c.lastRequestID {
		c.lastRequestID = last
	}
}

// Start broadcasts op as the next request and returns immediately. onDone is
// called once, on a transport goroutine, with the accepted result.
func (c *Client) Start(op []byte, onDone func(result []byte)) error {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrRequestPending
	}
	c.lastRequestID++
	req := consensus.Request{
		ClientID:   c.id,
		RequestID:  c.lastRequestID,
		Op:         append([]byte(nil), op...),
		ClientAddr: c.addr,
	}
	p := &pendingRequest{
		req:     req,
		buf:     wire.Seal(c.signer, &wire.Message{Request: &req}),
		replies: make(map[int][]byte),
		onDone:  onDone,
	}
	c.pending = p
	c.armResendLocked(p)
	c.mu.Unlock()

	c.transport.SendToAll(p.buf)
	return nil
}

// Invoke runs op to completion or until ctx is done. A cancelled request is
// abandoned; its request id is not reused.
func (c *Client) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	done := make(chan []byte, 1)
	if err := c.Start(op, func(result []byte) { done <- result }); err != nil {
		return nil, err
	}
	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		c.abandon()
		return nil, ctx.Err()
	}
}

// Pending reports whether a request is outstanding.
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Client) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	c.transport.CancelTimer(c.pending.timer)
	c.pending = nil
}

func (c *Client) armResendLocked(p *pendingRequest) {
	p.timer = c.transport.RegisterTimer(c.resendInterval, func() { c.resend(p) })
}

func (c *Client) resend(p *pendingRequest) {
	c.mu.Lock()
	if c.pending != p {
		c.mu.Unlock()
		return
	}
	p.resends++
	c.armResendLocked(p)
	c.mu.Unlock()

	c.logger.Debug(
		"resending request",
		"client_id", c.id,
		"request_id", p.req.RequestID,
		"attempt", p.resends,
	)
	c.transport.SendToAll(p.buf)
}

// ReceiveMessage accepts signed replies from replicas.
func (c *Client) ReceiveMessage(from consensus.Address, buf []byte) {
	in, err := wire.Open(c.verifier, buf)
	if err != nil {
		c.logger.Warn("dropping unauthenticated reply", "client_id", c.id, "from", from, "error", err)
		return
	}
	reply := in.Message.Reply
	if reply == nil {
		c.logger.Warn("dropping unexpected message", "client_id", c.id, "from", from, "kind", in.Message.Kind())
		return
	}
	if reply.ReplicaIndex < 0 || reply.ReplicaIndex >= c.config.N() ||
		in.Signer != consensus.ReplicaIdentity(reply.ReplicaIndex) {
		c.logger.Warn("dropping reply with mismatched signer", "client_id", c.id, "signer", in.Signer, "replica", reply.ReplicaIndex)
		return
	}

	c.mu.Lock()
	p := c.pending
	if p == nil || reply.ClientID != c.id || reply.RequestID != p.req.RequestID {
		c.mu.Unlock()
		return
	}
	if _, seen := p.replies[reply.ReplicaIndex]; !seen {
		p.replies[reply.ReplicaIndex] = reply.Result
	}
	matching := 0
	for _, result := range p.replies {
		if bytes.Equal(result, reply.Result) {
			matching++
		}
	}
	if matching < c.config.F+1 {
		c.mu.Unlock()
		return
	}
	c.transport.CancelTimer(p.timer)
	c.pending = nil
	c.mu.Unlock()

	if p.onDone != nil {
		p.onDone(reply.Result)
	}
}
