package dispatch

import (
	"sync"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/scheduling"
)

// schedWorker drives one runtime's scheduling.Scheduler (C12) from a
// single dedicated goroutine, the only caller scheduling.Scheduler's
// Step/Drain permit concurrently. Enqueue may be called from any
// goroutine; it wakes the worker if it's idle.
type schedWorker struct {
	sched *scheduling.Scheduler
	wake  chan struct{}
}

func newSchedWorker() *schedWorker {
	w := &schedWorker{sched: scheduling.New(), wake: make(chan struct{}, 1)}
	go w.run()
	return w
}

func (w *schedWorker) run() {
	for range w.wake {
		w.sched.Drain() //nolint:errcheck // prefill errors are delivered to their own requester via the DecodeStep closure
	}
}

func (w *schedWorker) enqueue(req scheduling.Request) {
	w.sched.Enqueue(req)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *schedWorker) depth() int {
	return w.sched.Depth()
}

// scheduleGenerate runs fn as a single-step request on eng's runtime
// scheduler and blocks for its result. The engine.Engine interface
// generates a whole response per call rather than exposing a
// token-at-a-time decode step, so unlike the original continuous-batch
// loop this always wraps fn in one DecodeStep that completes (and
// reports "done") on its first invocation; Prefill is a no-op since
// descriptor resolution and engine-manager acquisition have already run
// by the time a request reaches the scheduler (spec.md §4.12, §4.13).
func scheduleGenerate[T any](d *Dispatcher, eng engine.Engine, fn func() (T, error)) (T, error) {
	w := d.workerFor(eng.Runtime())

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	w.enqueue(scheduling.Request{
		Prefill: func() error { return nil },
		DecodeStep: func() bool {
			val, err := fn()
			done <- result{val, err}
			return false
		},
	})
	r := <-done
	return r.val, r.err
}

func (d *Dispatcher) workerFor(runtime string) *schedWorker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workers == nil {
		d.workers = make(map[string]*schedWorker)
	}
	if w, ok := d.workers[runtime]; ok {
		return w
	}
	w := newSchedWorker()
	d.workers[runtime] = w
	return w
}

// QueueDepths reports each runtime's combined prefill-queue and
// decode-batch length, for the resource-monitor/metrics loop to sample
// (spec.md §6's scheduler queue-depth gauge).
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	depths := make(map[string]int, len(d.workers))
	for runtime, w := range d.workers {
		depths[runtime] = w.depth()
	}
	return depths
}
