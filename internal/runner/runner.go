// Package runner schedules replica work in three stages: prologues run in
// parallel on a worker pool, solos run one at a time in submission order, and
// epilogues run in parallel after the solo that spawned them.
//
// A prologue validates an inbound message without touching replica state and
// returns the solo that applies it, or nil to drop the message. Only solos may
// mutate replica state. Solos must not call RunPrologue.
package runner

import (
	"sync"
	"time"
)

// Solo mutates replica state. Solos run strictly in RunPrologue order.
type Solo func()

// Prologue runs concurrently and returns the Solo to schedule, or nil to drop.
type Prologue func() Solo

// Epilogue performs side effects (sends, signing) off the solo lane.
type Epilogue func()

// Runner is the scheduling contract replicas depend on.
type Runner interface {
	RunPrologue(p Prologue)
	RunEpilogue(e Epilogue)
}

// Metrics captures runner-level metric sinks.
type Metrics interface {
	IncRunnerPrologueDropped(nodeID string)
	ObserveRunnerSoloDuration(nodeID string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncRunnerPrologueDropped(string)                 {}
func (noopMetrics) ObserveRunnerSoloDuration(string, time.Duration) {}

const (
	slotsPerWorker    = 4
	epilogueQueueSize = 1024
)

type task struct {
	seq uint64
	fn  Prologue
}

type result struct {
	seq  uint64
	solo Solo
}

// Pipeline is the concurrent Runner. Submission order is fixed when
// RunPrologue acquires its slot; the solo lane reorders worker results back
// into that order. Workers prefer queued epilogues over new prologues.
type Pipeline struct {
	nodeID  string
	metrics Metrics

	slots     chan struct{}
	prologues chan task
	epilogues chan Epilogue
	results   chan result

	mu      sync.Mutex
	nextSeq uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline starts a pipeline with the given number of workers. A nil
// metrics sink disables metrics.
func NewPipeline(nodeID string, workers int, metrics Metrics) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	capacity := workers * slotsPerWorker
	p := &Pipeline{
		nodeID:    nodeID,
		metrics:   metrics,
		slots:     make(chan struct{}, capacity),
		prologues: make(chan task, capacity),
		epilogues: make(chan Epilogue, epilogueQueueSize),
		results:   make(chan result, capacity),
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go p.soloLane()
	return p
}

// RunPrologue schedules fn. It blocks while all slots are taken and returns
// immediately once the pipeline is stopped.
func (p *Pipeline) RunPrologue(fn Prologue) {
	select {
	case p.slots <- struct{}{}:
	case <-p.stopCh:
		return
	}
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	p.mu.Unlock()
	// prologues has one buffer cell per slot, so this never blocks.
	p.prologues <- task{seq: seq, fn: fn}
}

// RunEpilogue queues fn for a worker.
func (p *Pipeline) RunEpilogue(fn Epilogue) {
	select {
	case p.epilogues <- fn:
	case <-p.stopCh:
	}
}

// Stop terminates workers and the solo lane and waits for them. Queued work
// that has not started is discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.epilogues:
			fn()
			continue
		default:
		}

		select {
		case fn := <-p.epilogues:
			fn()
		case t := <-p.prologues:
			p.results <- result{seq: t.seq, solo: t.fn()}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) soloLane() {
	defer p.wg.Done()
	pending := make(map[uint64]Solo)
	var next uint64
	for {
		select {
		case r := <-p.results:
			pending[r.seq] = r.solo
		case <-p.stopCh:
			return
		}
		for {
			solo, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if solo == nil {
				p.metrics.IncRunnerPrologueDropped(p.nodeID)
			} else {
				start := time.Now()
				solo()
				p.metrics.ObserveRunnerSoloDuration(p.nodeID, time.Since(start))
			}
			<-p.slots
		}
	}
}

// Inline is a single-threaded Runner: each prologue and its solo run on the
// caller's goroutine, then the epilogues they queued. Used by deterministic
// tests and simulations.
type Inline struct {
	mu    sync.Mutex
	queue []Epilogue
}

// NewInline returns an inline runner.
func NewInline() *Inline {
	return &Inline{}
}

// RunPrologue runs fn and its solo, then drains queued epilogues.
func (r *Inline) RunPrologue(fn Prologue) {
	r.mu.Lock()
	if solo := fn(); solo != nil {
		solo()
	}
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, e := range queue {
		e()
	}
}

// RunEpilogue queues fn. It must be called from within a solo.
func (r *Inline) RunEpilogue(fn Epilogue) {
	r.queue = append(r.queue, fn)
}

// Stop is a no-op.
func (r *Inline) Stop() {}
