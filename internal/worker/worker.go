// Package worker implements the per-worker claim/execute loop (spec §4.3),
// grounded on the reference service's pkg/queue.Worker: a polling loop, a
// lease-refresh goroutine running at lease_ttl/3 cadence in place of the
// reference service's fixed heartbeat interval, and sequential stage
// execution with a cancellation check at every stage boundary.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/textloom/orchestrator/internal/apperrors"
	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/notify"
	"github.com/textloom/orchestrator/internal/stages"
	"github.com/textloom/orchestrator/internal/store"
)

// Status is the worker's current activity, surfaced for health/metrics.
type Status string

// Worker statuses.
const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Config configures a Worker's polling and lease behavior.
type Config struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	LeaseTTL     time.Duration
}

// Worker repeatedly claims and processes one task at a time.
type Worker struct {
	id       string
	store    *store.Store
	clock    clock.Clock
	deps     *stages.Deps
	cfg      Config
	notifier *notify.Service

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	status           Status
	currentTaskID    string
	tasksProcessed   int
	lastActivityTime time.Time
}

// New builds a Worker identified by id, operating against store/deps.
// notifier may be nil (Slack notification is optional).
func New(id string, st *store.Store, cl clock.Clock, deps *stages.Deps, notifier *notify.Service, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Worker{
		id:               id,
		store:            st,
		clock:            cl,
		deps:             deps,
		notifier:         notifier,
		cfg:              cfg,
		stopCh:           make(chan struct{}),
		status:           StatusIdle,
		lastActivityTime: cl.Now(),
	}
}

// Start runs the worker loop in its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop after its current task and waits for it
// to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.claimAndProcess(ctx); err != nil {
				if errors.Is(err, apperrors.ErrNoTasksAvailable) {
					w.sleep(w.cfg.PollInterval)
					continue
				}
				log.Error("processing task failed", "error", err)
				w.sleep(w.cfg.ErrorBackoff)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// claimAndProcess claims one task and drives stages 1→5 in order.
func (w *Worker) claimAndProcess(ctx context.Context) error {
	task, err := w.store.ClaimTask(ctx, w.clock, w.id, w.cfg.LeaseTTL)
	if err != nil {
		return err
	}

	log := slog.With("worker_id", w.id, "task_id", task.ID)
	log.Info("task claimed")

	w.setStatus(StatusWorking, task.ID)
	defer w.setStatus(StatusIdle, "")

	leaseCtx, cancelLease := context.WithCancel(ctx)
	defer cancelLease()
	go w.refreshLeaseLoop(leaseCtx, task.ID)

	runners := []struct {
		name string
		run  func(context.Context, *stages.Deps, string) (stages.Outcome, error)
	}{
		{"material_processing", stages.RunMaterialProcessing},
		{"material_analysis", stages.RunMaterialAnalysis},
		{"subtask_creation", stages.RunSubtaskCreation},
		{"script_generation", stages.RunScriptGeneration},
		{"video_generation", stages.RunVideoGeneration},
	}

	for _, r := range runners {
		if w.cancelledAt(ctx, task.ID) {
			w.writeCancelled(ctx, task.ID)
			log.Info("task cancelled at stage boundary", "next_stage", r.name)
			return nil
		}

		outcome, err := r.run(ctx, w.deps, task.ID)
		if err != nil {
			log.Error("stage failed", "stage", r.name, "error", err)
			w.failTask(ctx, task.ID, fmt.Sprintf("%s: %v", r.name, err))
			return nil
		}
		if outcome == stages.Failed {
			log.Warn("stage reported failure, aborting pipeline", "stage", r.name)
			w.failTask(ctx, task.ID, fmt.Sprintf("%s did not advance", r.name))
			return nil
		}
		log.Info("stage complete", "stage", r.name, "outcome", outcome.String())
	}

	// Stage 5 Phase A is complete: release the lease but leave status =
	// processing. Terminal resolution is the Poller's responsibility.
	cancelLease()
	if _, _, err := w.store.ApplyTaskUpdate(ctx, w.clock, task.ID, store.TaskPatch{ClearLease: true}); err != nil {
		log.Warn("releasing lease failed", "error", err)
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()
	return nil
}

func (w *Worker) cancelledAt(ctx context.Context, taskID string) bool {
	fresh, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return fresh.Status == store.TaskCancelled
}

func (w *Worker) writeCancelled(ctx context.Context, taskID string) {
	now := w.clock.Now()
	outcome, task, err := w.store.ApplyTaskUpdate(ctx, w.clock, taskID, store.TaskPatch{
		Status:      ptr(store.TaskCancelled),
		CompletedAt: &now,
		ClearLease:  true,
	})
	if err != nil {
		slog.Error("writing cancelled state failed", "task_id", taskID, "error", err)
		return
	}
	if outcome == store.Applied {
		w.notifier.NotifyTerminal(ctx, task)
	}
}

func (w *Worker) failTask(ctx context.Context, taskID, message string) {
	outcome, task, err := w.store.ApplyTaskUpdate(ctx, w.clock, taskID, store.TaskPatch{
		Status:       ptr(store.TaskFailed),
		CompletedAt:  timePtr(w.clock.Now()),
		ErrorMessage: &message,
		ClearLease:   true,
	})
	if err != nil {
		slog.Error("writing failed state failed", "task_id", taskID, "error", err)
		return
	}
	if outcome == store.Applied {
		w.notifier.NotifyTerminal(ctx, task)
	}
}

// refreshLeaseLoop renews the worker's lease on taskID every lease_ttl/3,
// mirroring the reference service's heartbeat cadence. Logs a warning and
// exits on any refresh error, ErrLeaseLost included — the claim loop will
// simply not find this task again.
func (w *Worker) refreshLeaseLoop(ctx context.Context, taskID string) {
	interval := w.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RefreshLease(ctx, w.clock, taskID, w.id, w.cfg.LeaseTTL); err != nil {
				slog.Warn("lease refresh failed", "worker_id", w.id, "task_id", taskID, "error", err)
				return
			}
		}
	}
}

func (w *Worker) setStatus(status Status, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivityTime = w.clock.Now()
}

// Health is a point-in-time snapshot of worker activity.
type Health struct {
	ID               string
	Status           Status
	CurrentTaskID    string
	TasksProcessed   int
	LastActivityTime time.Time
}

// Health returns the worker's current status snapshot.
func (w *Worker) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{
		ID:               w.id,
		Status:           w.status,
		CurrentTaskID:    w.currentTaskID,
		TasksProcessed:   w.tasksProcessed,
		LastActivityTime: w.lastActivityTime,
	}
}

func ptr[T any](v T) *T              { return &v }
func timePtr(t time.Time) *time.Time { return &t }
