// Package fanout provides bounded-parallelism dispatch over a task's
// children (spec §4.5), modeled directly on the reference service's
// pkg/agent/orchestrator.SubAgentRunner: a reservation counter guards the
// concurrency limit against the same TOCTOU race the reference service
// guards against, a buffered results channel delivers completions, and
// WaitAll/CancelAll provide graceful and forced drains.
package fanout

import (
	"context"
	"sync"
)

// Result is one Dispatch call's outcome, delivered on Coordinator's results
// channel.
type Result struct {
	Index int
	Err   error
}

// Coordinator bounds the number of concurrently running Dispatch goroutines
// to limit.
type Coordinator struct {
	mu    sync.Mutex
	slots chan struct{} // reservation semaphore; guards the same TOCTOU race the reference service comments on

	resultsCh chan Result
	closeCh   chan struct{}
	cancels   []context.CancelFunc

	wg sync.WaitGroup
}

// NewCoordinator builds a Coordinator that runs at most limit Dispatch
// bodies concurrently. capacity sizes the results channel so Dispatch never
// blocks a caller that defers draining until WaitAll.
func NewCoordinator(limit, capacity int) *Coordinator {
	if limit <= 0 {
		limit = 1
	}
	return &Coordinator{
		slots:     make(chan struct{}, limit),
		resultsCh: make(chan Result, capacity),
		closeCh:   make(chan struct{}),
	}
}

// Dispatch runs fn in its own goroutine once a concurrency slot is free,
// delivering its error to the results channel tagged with index. Dispatch
// itself returns immediately — it never blocks on fn's completion, only on
// acquiring a slot when the coordinator is already at its limit.
func (c *Coordinator) Dispatch(parentCtx context.Context, index int, fn func(ctx context.Context) error) {
	c.slots <- struct{}{} // reserve a slot; blocks here, never after the goroutine starts

	ctx, cancel := context.WithCancel(parentCtx)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() { <-c.slots }()

		err := fn(ctx)

		select {
		case c.resultsCh <- Result{Index: index, Err: err}:
		case <-c.closeCh:
		}
	}()
}

// WaitAll blocks until all n dispatched tasks have delivered a result,
// returning them in completion order (not dispatch order).
func (c *Coordinator) WaitAll(n int) []Result {
	results := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, <-c.resultsCh)
	}
	return results
}

// CancelAll cancels every in-flight Dispatch context and stops delivering
// further results — used when a task-boundary cancellation check (spec
// §4.3) fires mid fan-out.
func (c *Coordinator) CancelAll() {
	close(c.closeCh)
	c.mu.Lock()
	cancels := c.cancels
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}
