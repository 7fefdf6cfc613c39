// Package dispatcher manages a pool of worker goroutines (spec §4.3),
// grounded directly on the reference service's pkg/queue.WorkerPool:
// spawn N workers at Start, signal and drain them at Stop, aggregate their
// per-worker health into a single pool snapshot.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/notify"
	"github.com/textloom/orchestrator/internal/stages"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/worker"
)

// Config configures a Dispatcher's pool size and per-worker behavior.
type Config struct {
	WorkerCount int
	Worker      worker.Config
}

// Dispatcher owns a fixed-size pool of worker.Worker instances, all
// claiming against the same Store.
type Dispatcher struct {
	podID    string
	store    *store.Store
	clock    clock.Clock
	deps     *stages.Deps
	notifier *notify.Service
	cfg      Config

	mu      sync.RWMutex
	workers []*worker.Worker
	started bool
}

// New builds a Dispatcher identified by podID. notifier may be nil (Slack
// notification is optional).
func New(podID string, st *store.Store, cl clock.Clock, deps *stages.Deps, notifier *notify.Service, cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	return &Dispatcher{
		podID:    podID,
		store:    st,
		clock:    cl,
		deps:     deps,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Start spawns cfg.WorkerCount workers. Safe to call once; a second call is
// a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		slog.Warn("dispatcher already started, ignoring duplicate Start call", "pod_id", d.podID)
		return
	}
	d.started = true

	slog.Info("starting dispatcher", "pod_id", d.podID, "worker_count", d.cfg.WorkerCount)
	for i := 0; i < d.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", d.podID, i)
		w := worker.New(workerID, d.store, d.clock, d.deps, d.notifier, d.cfg.Worker)
		d.workers = append(d.workers, w)
		w.Start(ctx)
	}
}

// Stop signals every worker to stop after its current task and waits for
// all of them to exit. Workers finish in-flight stage execution before
// returning — there is no mid-stage preemption (spec §4.3's cancellation
// semantics check only at stage boundaries).
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	workers := d.workers
	d.mu.RUnlock()

	slog.Info("stopping dispatcher", "pod_id", d.podID, "worker_count", len(workers))
	for _, w := range workers {
		w.Stop()
	}
	slog.Info("dispatcher stopped")
}

// PoolHealth is a point-in-time snapshot of the pool's worker activity.
type PoolHealth struct {
	PodID         string
	TotalWorkers  int
	ActiveWorkers int
	Workers       []worker.Health
}

// Health aggregates every worker's Health snapshot.
func (d *Dispatcher) Health() PoolHealth {
	d.mu.RLock()
	workers := d.workers
	d.mu.RUnlock()

	stats := make([]worker.Health, len(workers))
	active := 0
	for i, w := range workers {
		h := w.Health()
		stats[i] = h
		if h.Status == worker.StatusWorking {
			active++
		}
	}
	return PoolHealth{
		PodID:         d.podID,
		TotalWorkers:  len(workers),
		ActiveWorkers: active,
		Workers:       stats,
	}
}
