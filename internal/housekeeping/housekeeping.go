// Package housekeeping implements the periodic maintenance loop of spec
// §4.6: lease reclamation, stuck-task logging, and terminal-task/workspace
// expiry. Grounded on the reference service's pkg/cleanup.Service: a single
// ticker-driven loop that runs once immediately at Start and then on every
// tick, each pass composed of independent, individually-logged sub-tasks.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/workspace"
)

// Config configures reclamation, stuck-detection, and retention cadence.
type Config struct {
	Interval        time.Duration
	RetryBudget     int
	StuckThreshold  time.Duration
	RetentionWindow time.Duration
	PurgeBatchSize  int
}

// Service runs Housekeeping's maintenance passes.
type Service struct {
	store *store.Store
	clock clock.Clock
	ws    *workspace.Manager
	cfg   Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service. Zero-value Config fields take the spec's defaults.
func New(st *store.Store, cl clock.Clock, ws *workspace.Manager, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 15 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 30 * 24 * time.Hour
	}
	if cfg.PurgeBatchSize <= 0 {
		cfg.PurgeBatchSize = 100
	}
	return &Service{store: st, clock: cl, ws: ws, cfg: cfg}
}

// ReclaimStartupOrphans runs lease reclamation once, synchronously. Callers
// run this before the Dispatcher starts so a task left "processing" under an
// already-expired lease is back to claimable before any new worker goroutine
// starts polling. It reclaims expired leases of any pod; a lease from this
// pod's prior crash that has not yet expired is left in place.
func (s *Service) ReclaimStartupOrphans(ctx context.Context) {
	s.reclaimLeases(ctx)
}

// Start launches the background maintenance loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("housekeeping started", "interval", s.cfg.Interval, "retention_window", s.cfg.RetentionWindow)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("housekeeping stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.reclaimLeases(ctx)
	s.logStuckTasks(ctx)
	s.purgeExpired(ctx)
}

func (s *Service) reclaimLeases(ctx context.Context) {
	reclaimed, failedOut, err := s.store.ReclaimExpiredLeases(ctx, s.clock, s.cfg.RetryBudget)
	if err != nil {
		slog.Error("lease reclamation failed", "error", err)
		return
	}
	if reclaimed > 0 || failedOut > 0 {
		slog.Info("reclaimed expired leases", "reclaimed", reclaimed, "failed_out", failedOut)
	}
}

// logStuckTasks surfaces processing tasks with no recent progress for
// operator attention — spec §4.6 explicitly forbids auto-failing them.
func (s *Service) logStuckTasks(ctx context.Context) {
	stuck, err := s.store.ListStuckTasks(ctx, s.clock, s.cfg.StuckThreshold)
	if err != nil {
		slog.Error("stuck-task scan failed", "error", err)
		return
	}
	for _, t := range stuck {
		similar, err := s.store.SearchTasks(ctx, t.Title, 5)
		similarCount := 0
		if err != nil {
			slog.Warn("similar-title lookup for stuck task failed", "task_id", t.ID, "error", err)
		} else {
			similarCount = len(similar)
		}
		slog.Warn("task appears stuck",
			"task_id", t.ID, "stage", t.CurrentStage, "progress", t.Progress,
			"updated_at", t.UpdatedAt, "worker_id", t.WorkerID,
			"similar_recent_titles", similarCount)
	}
}

// purgeExpired removes the workspace directory and row set for terminal
// tasks older than the retention window. The workspace is removed first;
// if that fails the row is left alone so a later pass retries it.
func (s *Service) purgeExpired(ctx context.Context) {
	expired, err := s.store.ListExpiredTerminalTasks(ctx, s.clock, s.cfg.RetentionWindow, s.cfg.PurgeBatchSize)
	if err != nil {
		slog.Error("expired-task scan failed", "error", err)
		return
	}
	purged := 0
	for _, t := range expired {
		if s.ws != nil {
			if err := s.ws.Remove(t.ID); err != nil {
				slog.Error("removing workspace for expired task failed", "task_id", t.ID, "error", err)
				continue
			}
		}
		if err := s.store.PurgeTask(ctx, t.ID); err != nil {
			slog.Error("purging expired task failed", "task_id", t.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		slog.Info("purged expired tasks", "count", purged)
	}
}
