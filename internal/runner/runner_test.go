package runner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingMetrics struct {
	dropped atomic.Int64
	solos   atomic.Int64
}

func (m *recordingMetrics) IncRunnerPrologueDropped(string) { m.dropped.Add(1) }
func (m *recordingMetrics) ObserveRunnerSoloDuration(string, time.Duration) {
	m.solos.Add(1)
}

func TestPipeline_SolosRunInSubmissionOrder(t *testing.T) {
	p := NewPipeline("n1", 4, nil)
	defer p.Stop()

	const n = 16
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		p.RunPrologue(func() Solo {
			// Earlier prologues finish later.
			time.Sleep(time.Duration(n-i) * time.Millisecond)
			return func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			}
		})
	}
	waitTimeout(t, &wg)

	for i, got := range order {
		if got != i {
			t.Fatalf("solo order mismatch at %d: %v", i, order)
		}
	}
}

func TestPipeline_DroppedPrologueDoesNotStallLane(t *testing.T) {
	m := &recordingMetrics{}
	p := NewPipeline("n1", 2, m)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	p.RunPrologue(func() Solo { return nil })
	p.RunPrologue(func() Solo { return func() { wg.Done() } })
	waitTimeout(t, &wg)

	if m.dropped.Load() != 1 {
		t.Fatalf("expected 1 dropped prologue, got %d", m.dropped.Load())
	}
	if m.solos.Load() != 1 {
		t.Fatalf("expected 1 solo observed, got %d", m.solos.Load())
	}
}

func TestPipeline_EpiloguesRunAfterSolo(t *testing.T) {
	p := NewPipeline("n1", 2, nil)
	defer p.Stop()

	var (
		soloDone atomic.Bool
		sawSolo  atomic.Bool
		wg       sync.WaitGroup
	)
	wg.Add(1)
	p.RunPrologue(func() Solo {
		return func() {
			soloDone.Store(true)
			p.RunEpilogue(func() {
				sawSolo.Store(soloDone.Load())
				wg.Done()
			})
		}
	})
	waitTimeout(t, &wg)

	if !sawSolo.Load() {
		t.Fatalf("expected epilogue to observe completed solo")
	}
}

func TestPipeline_StopUnblocksProducers(t *testing.T) {
	p := NewPipeline("n1", 1, nil)
	p.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.RunPrologue(func() Solo { return nil })
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunPrologue blocked after Stop")
	}
}

func TestInline_RunsSoloThenEpilogues(t *testing.T) {
	r := NewInline()
	var trace []string
	r.RunPrologue(func() Solo {
		trace = append(trace, "prologue")
		return func() {
			trace = append(trace, "solo")
			r.RunEpilogue(func() { trace = append(trace, "epilogue") })
		}
	})
	r.RunPrologue(func() Solo { return nil })

	want := []string{"prologue", "solo", "epilogue"}
	if len(trace) != len(want) {
		t.Fatalf("unexpected trace %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("unexpected trace %v", trace)
		}
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for runner")
	}
}
