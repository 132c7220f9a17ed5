// Package memory is an in-process transport for deterministic multi-replica
// runs. Messages are queued and delivered only when the caller steps the
// network; timers fire against a virtual clock. Drop, duplicate, and reorder
// faults are driven by a seeded random source.
package memory

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Faults configures unreliable delivery.
type Faults struct {
	DropRate      float64
	DuplicateRate float64
	Reorder       bool
}

// Filter decides whether a message is delivered. Returning false drops it.
type Filter func(from, to consensus.Address, buf []byte) bool

// Stats counts network activity.
type Stats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
	TimersRun  int
}

type delivery struct {
	from consensus.Address
	to   consensus.Address
	buf  []byte
}

type timer struct {
	handle   consensus.TimerHandle
	deadline time.Duration
	cb       func()
}

// Network connects registered endpoints.
type Network struct {
	mu sync.Mutex

	replicas  []consensus.Address
	endpoints map[consensus.Address]consensus.Receiver
	faults    Faults
	filter    Filter
	rng       *rand.Rand

	queue []delivery

	now        time.Duration
	timers     map[consensus.TimerHandle]*timer
	nextHandle consensus.TimerHandle

	stats Stats
}

// NewNetwork creates a network whose replica indices follow replicas.
func NewNetwork(replicas []consensus.Address, seed int64, faults Faults) *Network {
	return &Network{
		replicas:  append([]consensus.Address(nil), replicas...),
		endpoints: make(map[consensus.Address]consensus.Receiver),
		faults:    faults,
		rng:       rand.New(rand.NewSource(seed)),
		timers:    make(map[consensus.TimerHandle]*timer),
	}
}

// Register attaches recv at addr and returns its transport.
func (n *Network) Register(addr consensus.Address, recv consensus.Receiver) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = recv
	self := -1
	for i, a := range n.replicas {
		if a == addr {
			self = i
		}
	}
	return &Transport{net: n, addr: addr, self: self}
}

// Attach replaces the receiver at addr. It allows transports to be handed
// out before their receivers are constructed.
func (n *Network) Attach(addr consensus.Address, recv consensus.Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = recv
}

// SetFilter installs fn; nil removes the filter.
func (n *Network) SetFilter(fn Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = fn
}

// Stats returns a snapshot of counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Now returns the virtual clock.
func (n *Network) Now() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

// Pending returns the number of queued messages.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Network) enqueue(from, to consensus.Address, buf []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[to]; !ok {
		return false
	}
	n.stats.Sent++
	if n.filter != nil && !n.filter(from, to, buf) {
		n.stats.Dropped++
		return true
	}
	if n.faults.DropRate > 0 && n.rng.Float64() < n.faults.DropRate {
		n.stats.Dropped++
		return true
	}
	d := delivery{from: from, to: to, buf: append([]byte(nil), buf...)}
	n.queue = append(n.queue, d)
	if n.faults.DuplicateRate > 0 && n.rng.Float64() < n.faults.DuplicateRate {
		n.stats.Duplicated++
		n.queue = append(n.queue, d)
	}
	return true
}

// Step delivers one queued message and reports whether one was pending.
func (n *Network) Step() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	i := 0
	if n.faults.Reorder {
		i = n.rng.Intn(len(n.queue))
	}
	d := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	recv := n.endpoints[d.to]
	n.stats.Delivered++
	n.mu.Unlock()

	recv.ReceiveMessage(d.from, d.buf)
	return true
}

// Flush delivers until the queue is empty or limit messages were delivered.
// It returns the number delivered.
func (n *Network) Flush(limit int) int {
	delivered := 0
	for delivered < limit && n.Step() {
		delivered++
	}
	return delivered
}

// Advance moves the virtual clock forward by d, firing due timers in
// deadline order.
func (n *Network) Advance(d time.Duration) {
	n.mu.Lock()
	target := n.now + d
	n.mu.Unlock()
	for {
		t, ok := n.popDue(target)
		if !ok {
			break
		}
		t.cb()
	}
	n.mu.Lock()
	if n.now < target {
		n.now = target
	}
	n.mu.Unlock()
}

// RunUntil alternates flushing the queue and jumping the clock to the next
// timer until done reports true. It gives up after maxSteps deliveries or
// when nothing is left to do.
func (n *Network) RunUntil(done func() bool, maxSteps int) bool {
	steps := 0
	for !done() {
		if steps >= maxSteps {
			return false
		}
		if n.Step() {
			steps++
			continue
		}
		next, ok := n.nextDeadline()
		if !ok {
			return done()
		}
		n.Advance(next - n.Now())
	}
	return true
}

func (n *Network) popDue(target time.Duration) (*timer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	due := make([]*timer, 0, len(n.timers))
	for _, t := range n.timers {
		if t.deadline <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, false
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].handle < due[j].handle
	})
	t := due[0]
	delete(n.timers, t.handle)
	if t.deadline > n.now {
		n.now = t.deadline
	}
	n.stats.TimersRun++
	return t, true
}

func (n *Network) nextDeadline() (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var (
		next  time.Duration
		found bool
	)
	for _, t := range n.timers {
		if !found || t.deadline < next {
			next, found = t.deadline, true
		}
	}
	return next, found
}

func (n *Network) addTimer(d time.Duration, cb func()) consensus.TimerHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextHandle++
	h := n.nextHandle
	n.timers[h] = &timer{handle: h, deadline: n.now + d, cb: cb}
	return h
}

func (n *Network) cancelTimer(h consensus.TimerHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.timers, h)
}

// Transport is one endpoint's view of the network.
type Transport struct {
	net  *Network
	addr consensus.Address
	self int
}

// Address returns the endpoint address.
func (t *Transport) Address() consensus.Address {
	return t.addr
}

// Send queues buf for to. It reports false for unknown destinations.
func (t *Transport) Send(to consensus.Address, buf []byte) bool {
	return t.net.enqueue(t.addr, to, buf)
}

// SendToReplica queues buf for replica index.
func (t *Transport) SendToReplica(index int, buf []byte) bool {
	if index < 0 || index >= len(t.net.replicas) {
		return false
	}
	return t.Send(t.net.replicas[index], buf)
}

// SendToAll queues buf for every replica except the sender.
func (t *Transport) SendToAll(buf []byte) {
	for i := range t.net.replicas {
		if i == t.self {
			continue
		}
		t.SendToReplica(i, buf)
	}
}

// RegisterTimer schedules cb at now+d on the virtual clock.
func (t *Transport) RegisterTimer(d time.Duration, cb func()) consensus.TimerHandle {
	return t.net.addTimer(d, cb)
}

// CancelTimer removes a pending timer. Unknown handles are ignored.
func (t *Transport) CancelTimer(h consensus.TimerHandle) {
	t.net.cancelTimer(h)
}
