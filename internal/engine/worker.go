package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a step is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("step pool is shut down")

// StepPool bounds the number of steps in flight for one execution, the
// max-in-flight-steps limit that keeps a single pipeline from monopolizing
// the agent pool.
type StepPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// StepPoolMetrics is a snapshot of the pool's dispatch counters.
type StepPoolMetrics struct {
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// NewStepPool creates a pool dispatching at most maxInFlight steps at once.
func NewStepPool(maxInFlight int) *StepPool {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &StepPool{
		slots: make(chan struct{}, maxInFlight),
		done:  make(chan struct{}),
	}
}

// Submit dispatches a step into the pool. It blocks while the pool is at
// capacity (backpressure) and respects context cancellation while waiting.
// Returns ErrPoolShutdown if the pool has been shut down.
func (p *StepPool) Submit(ctx context.Context, step func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after taking the slot, in case Shutdown raced.
	// wg.Add MUST happen under the lock or Shutdown's wg.Wait can miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.inFlight.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := step(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return nil
}

// Wait blocks until every submitted step has finished.
func (p *StepPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops the pool: no new submissions, in-flight steps finish.
func (p *StepPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool's counters.
func (p *StepPool) Metrics() StepPoolMetrics {
	return StepPoolMetrics{
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
