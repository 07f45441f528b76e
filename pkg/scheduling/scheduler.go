// Package scheduling implements the continuous-batch scheduler (C12): a
// cooperative, single-threaded loop that drains a prefill FIFO queue and
// advances a decode batch, one step at a time (spec.md §4.12).
//
// This diverges deliberately from the teacher's own scheduler, which
// dispatches whole model-server subprocesses rather than interleaving
// individual token steps — there is no subprocess equivalent of "decode
// one more token for every in-flight request" to adapt, so the step/drain
// loop below is built from the spec's algorithm, kept in the teacher's
// idiom (small structs, explicit locking, no hidden goroutines).
package scheduling

import "sync"

// PrefillFunc runs a request's prefill pass. Returning an error aborts the
// request before it ever reaches the decode batch.
type PrefillFunc func() error

// DecodeStepFunc advances a request by one decode step. It returns true to
// keep the request in the batch for the next step, false to remove it
// (completion or cancellation — the closure itself must inform its
// caller; the scheduler only tracks membership).
type DecodeStepFunc func() bool

// Request is one unit of scheduled work.
type Request struct {
	Prefill    PrefillFunc
	DecodeStep DecodeStepFunc
}

// Scheduler holds one engine worker's prefill queue and decode batch. It
// is not safe for concurrent Step/Enqueue calls from multiple goroutines
// without external synchronization beyond Enqueue itself — the intended
// usage is one dedicated worker goroutine calling Step/Drain, with other
// goroutines only ever calling Enqueue.
type Scheduler struct {
	mu      sync.Mutex
	prefill []Request
	decode  []Request
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends req to the prefill FIFO queue.
func (s *Scheduler) Enqueue(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefill = append(s.prefill, req)
}

// Step implements spec.md §4.12's step semantics:
//  1. If the prefill queue is non-empty, drain it completely: for each
//     request in FIFO order, run its prefill closure, then append it to
//     the decode batch.
//  2. If the decode batch is empty, return.
//  3. Otherwise iterate the batch in order, invoking each decode-step
//     closure; keep the request iff the closure returns true.
//
// Within a single Step, every prefill closure runs before any decode
// closure; across Steps, survivor ordering matches original enqueue
// order.
func (s *Scheduler) Step() error {
	s.mu.Lock()
	pending := s.prefill
	s.prefill = nil
	s.mu.Unlock()

	for _, req := range pending {
		if err := req.Prefill(); err != nil {
			return err
		}
		s.mu.Lock()
		s.decode = append(s.decode, req)
		s.mu.Unlock()
	}

	s.mu.Lock()
	batch := s.decode
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	survivors := batch[:0]
	for _, req := range batch {
		if req.DecodeStep() {
			survivors = append(survivors, req)
		}
	}

	s.mu.Lock()
	s.decode = survivors
	s.mu.Unlock()
	return nil
}

// Empty reports whether both the prefill queue and decode batch are
// empty.
func (s *Scheduler) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prefill) == 0 && len(s.decode) == 0
}

// Depth returns the combined prefill-queue and decode-batch length, for
// queue-depth reporting (spec.md §6 metrics).
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prefill) + len(s.decode)
}

// Drain calls Step repeatedly until Empty is true or Step returns an
// error.
func (s *Scheduler) Drain() error {
	for !s.Empty() {
		if err := s.Step(); err != nil {
			return err
		}
	}
	return nil
}
