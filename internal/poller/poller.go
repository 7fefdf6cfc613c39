// Package poller implements the periodic reconciler for submitted video
// merges (spec §4.4), grounded on the reference service's
// pkg/queue.runOrphanDetection ticker shape: a ticker-driven scan, per-child
// processing that never lets one child's failure block the batch, and an
// in-memory (non-authoritative) backoff state per spec §5.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/fanout"
	"github.com/textloom/orchestrator/internal/notify"
	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/store"
)

// Config configures the Poller's cadence and timeouts (spec §6.4's Config
// Surface: poll_interval_s, poll_batch_size, video_merge_timeout_s).
type Config struct {
	PollInterval         time.Duration
	BatchSize            int
	MergeTimeout         time.Duration
	PollFailureThreshold int
	SubtitleFailureMode  string // "degrade" (default) or "fail"
	CallTimeout          time.Duration
	Concurrency          int
}

const (
	subtitleDegrade = "degrade"
	subtitleFail    = "fail"
)

// Poller periodically advances sub-tasks out of video_processing by
// querying VideoMergePoller.
type Poller struct {
	store    *store.Store
	clock    clock.Clock
	merge    ports.VideoMergePoller
	subtitle ports.SubtitleRenderer
	notifier *notify.Service
	cfg      Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	backoff map[string]*childBackoff
}

type childBackoff struct {
	consecutiveFailures int
	nextAttempt         time.Time
}

// New builds a Poller. notifier may be nil (Slack notification is
// optional). Zero-value Config fields take the spec's defaults.
func New(st *store.Store, cl clock.Clock, merge ports.VideoMergePoller, subtitle ports.SubtitleRenderer, notifier *notify.Service, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = 30 * time.Minute
	}
	if cfg.PollFailureThreshold <= 0 {
		cfg.PollFailureThreshold = 5
	}
	if cfg.SubtitleFailureMode == "" {
		cfg.SubtitleFailureMode = subtitleDegrade
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Poller{
		store:    st,
		clock:    cl,
		merge:    merge,
		subtitle: subtitle,
		notifier: notifier,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		backoff:  make(map[string]*childBackoff),
	}
}

// Start runs the poll loop in its own goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the poll loop to exit and waits for the current tick (and
// any outstanding subtitle-render goroutines it spawned) to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				slog.Error("poll tick failed", "error", err)
			}
		}
	}
}

// tick implements spec §4.4 steps 1-3: list submitted sub-tasks, resolve
// each independently, then aggregate any parent whose children are now all
// terminal.
func (p *Poller) tick(ctx context.Context) error {
	children, err := p.store.ListSubmittedSubtasks(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	parents := make(map[string]struct{})
	coord := fanout.NewCoordinator(p.cfg.Concurrency, len(children))
	dispatched := 0
	for i, child := range children {
		if child.Status != store.SubVideoProcessing {
			continue
		}
		child := child
		parents[child.ParentTaskID] = struct{}{}
		coord.Dispatch(ctx, i, func(ctx context.Context) error {
			p.pollChild(ctx, child)
			return nil
		})
		dispatched++
	}
	coord.WaitAll(dispatched)

	for parentID := range parents {
		p.aggregateAndNotify(ctx, parentID)
	}
	return nil
}

// aggregateAndNotify runs parent aggregation and, if it actually wrote a
// terminal status, fires the optional Slack notification.
func (p *Poller) aggregateAndNotify(ctx context.Context, parentID string) {
	outcome, err := fanout.Aggregate(ctx, p.store, p.clock, parentID)
	if err != nil {
		slog.Error("parent aggregation failed", "task_id", parentID, "error", err)
		return
	}
	if outcome != store.Applied || p.notifier == nil {
		return
	}
	task, err := p.store.GetTask(ctx, parentID)
	if err != nil {
		slog.Error("loading task for terminal notification failed", "task_id", parentID, "error", err)
		return
	}
	p.notifier.NotifyTerminal(ctx, task)
}

func (p *Poller) ready(childID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.backoff[childID]
	if b == nil {
		return true
	}
	return !p.clock.Now().Before(b.nextAttempt)
}

func (p *Poller) recordFailure(childID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.backoff[childID]
	if b == nil {
		b = &childBackoff{}
		p.backoff[childID] = b
	}
	b.consecutiveFailures++
	delay := time.Duration(1<<uint(min(b.consecutiveFailures, 6))) * time.Second
	b.nextAttempt = p.clock.Now().Add(delay)
	return b.consecutiveFailures
}

func (p *Poller) clearBackoff(childID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoff, childID)
}

// pollChild resolves one video_processing child: either the wall-clock
// merge timeout has elapsed, or VideoMergePoller is queried for status.
// Errors never propagate to the caller — a child's poll failure must not
// block the rest of the batch (spec §4.4's backoff note).
func (p *Poller) pollChild(ctx context.Context, child store.SubVideoTask) {
	log := slog.With("sub_task_id", child.ID, "task_id", child.ParentTaskID)

	if child.SubmittedAt != nil && p.clock.Now().Sub(*child.SubmittedAt) > p.cfg.MergeTimeout {
		p.markFailed(ctx, child.ID, "merge timeout")
		p.clearBackoff(child.ID)
		return
	}

	if !p.ready(child.ID) {
		return
	}
	if child.ExternalMergeID == nil {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	status, err := p.merge.Status(pollCtx, *child.ExternalMergeID)
	cancel()
	if err != nil {
		streak := p.recordFailure(child.ID)
		log.Warn("merge status poll failed", "error", err, "consecutive_failures", streak)
		if streak >= p.cfg.PollFailureThreshold {
			p.markFailed(ctx, child.ID, "merge unreachable")
			p.clearBackoff(child.ID)
		}
		return
	}
	p.clearBackoff(child.ID)

	switch status.State {
	case ports.MergeProcessing:
		return
	case ports.MergeFailed:
		msg := status.Err
		if msg == "" {
			msg = "video merge failed"
		}
		p.markFailed(ctx, child.ID, msg)
	case ports.MergeSucceeded:
		p.handleSucceeded(ctx, child, status)
	default:
		log.Warn("unrecognized merge state", "state", status.State)
	}
}

func (p *Poller) markFailed(ctx context.Context, childID, message string) {
	failed := store.SubFailed
	now := p.clock.Now()
	if _, _, err := p.store.ApplySubTaskUpdate(ctx, p.clock, childID, store.SubTaskPatch{
		Status:       &failed,
		ErrorMessage: &message,
		CompletedAt:  &now,
	}); err != nil {
		slog.Error("marking child failed from poller", "sub_task_id", childID, "error", err)
	}
}

// handleSucceeded implements spec §4.4 step 2d: the child moves to
// processing_subtitles, then subtitle rendering runs fire-and-forget —
// failure degrades to a completed child carrying a warning, per
// subtitle_failure_mode=degrade (the default; "fail" instead marks the
// child failed).
func (p *Poller) handleSucceeded(ctx context.Context, child store.SubVideoTask, status ports.MergeStatus) {
	processingSubtitles := store.SubProcessingSubtitles
	videoURL := status.VideoURL
	thumbnailURL := status.ThumbnailURL
	durationMs := status.DurationMs
	if _, _, err := p.store.ApplySubTaskUpdate(ctx, p.clock, child.ID, store.SubTaskPatch{
		Status:       &processingSubtitles,
		Progress:     intPtr(85),
		VideoURL:     &videoURL,
		ThumbnailURL: &thumbnailURL,
		DurationMs:   &durationMs,
	}); err != nil {
		slog.Error("marking child processing_subtitles failed", "sub_task_id", child.ID, "error", err)
		return
	}

	p.wg.Add(1)
	go p.renderSubtitles(child.ID, child.ParentTaskID, videoURL)
}

// renderSubtitles runs out-of-band (spec §6.5: "may be long-running"), so it
// uses its own background context rather than the tick's, which is
// cancelled as soon as the batch finishes.
func (p *Poller) renderSubtitles(childID, parentID, videoURL string) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout*4)
	defer cancel()

	err := p.subtitle.Render(ctx, childID, videoURL)
	completed := store.SubCompleted
	patch := store.SubTaskPatch{
		Status:      &completed,
		Progress:    intPtr(100),
		CompletedAt: timePtr(p.clock.Now()),
	}
	if err != nil {
		if p.cfg.SubtitleFailureMode == subtitleFail {
			failed := store.SubFailed
			msg := "subtitle render failed: " + err.Error()
			patch.Status = &failed
			patch.ErrorMessage = &msg
		} else {
			msg := "completed with subtitle render warning: " + err.Error()
			patch.ErrorMessage = &msg
		}
	}

	if _, _, err := p.store.ApplySubTaskUpdate(context.Background(), p.clock, childID, patch); err != nil {
		slog.Error("finalizing child after subtitle render failed", "sub_task_id", childID, "error", err)
		return
	}

	p.aggregateAndNotify(context.Background(), parentID)
}

func intPtr(v int) *int               { return &v }
func timePtr(t time.Time) *time.Time { return &t }
