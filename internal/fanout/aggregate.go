package fanout

import (
	"context"
	"fmt"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/store"
)

// Aggregate implements parent aggregation (spec §4.5): inspects every child
// of parentID and, once all are terminal, writes the parent's terminal
// state. Grounded on the reference service's StageService.UpdateStageStatus
// all/any-success reduction, fixed here to the all/any/partial rule spec
// §4.5 names rather than a configurable policy. Idempotent: re-running on
// an already-terminal parent is a NoopTerminal apply_update, never an error.
//
// Reads children via ChildrenOf's plain SELECT rather than locking
// parent+children in one transaction, so it does not hold the lock the
// spec's intent describes; this is safe only because ApplyTaskUpdate's own
// conditional write no-ops on a parent that's already terminal.
func Aggregate(ctx context.Context, s *store.Store, cl clock.Clock, parentID string) (store.UpdateOutcome, error) {
	children, err := s.ChildrenOf(ctx, parentID)
	if err != nil {
		return store.NotFound, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	if len(children) == 0 {
		return store.NotFound, nil
	}

	var completed, terminalCount int
	var firstCompleted *store.SubVideoTask
	for i, c := range children {
		if c.Status.Terminal() {
			terminalCount++
		}
		if c.Status == store.SubCompleted {
			completed++
			if firstCompleted == nil {
				firstCompleted = &children[i]
			}
		}
	}

	if terminalCount < len(children) {
		// Not every child has reached a terminal state yet; aggregation is
		// only meaningful once the set is fully resolved (spec §4.4 step 3).
		return store.NoopTerminal, nil
	}

	now := cl.Now()
	var patch store.TaskPatch

	switch {
	case completed == len(children):
		patch = store.TaskPatch{
			Status:          ptr(store.TaskCompleted),
			Progress:        ptr(100),
			CurrentStage:    ptr(store.StageCompleted),
			CompletedAt:     &now,
			VideoURL:        firstCompleted.VideoURL,
			ThumbnailURL:    firstCompleted.ThumbnailURL,
			VideoDurationMs: firstCompleted.DurationMs,
		}
	case completed == 0:
		patch = store.TaskPatch{
			Status:       ptr(store.TaskFailed),
			CurrentStage: ptr(store.StageCompleted),
			CompletedAt:  &now,
			ErrorMessage: ptr("all variants failed"),
		}
	default:
		patch = store.TaskPatch{
			Status:       ptr(store.TaskPartialSuccess),
			Progress:     ptr(100),
			CurrentStage: ptr(store.StageCompleted),
			CompletedAt:  &now,
			VideoURL:     firstCompleted.VideoURL,
			ThumbnailURL: firstCompleted.ThumbnailURL,
		}
	}

	outcome, _, err := s.ApplyTaskUpdate(ctx, cl, parentID, patch)
	if err != nil {
		return outcome, fmt.Errorf("aggregating parent %s: %w", parentID, err)
	}
	return outcome, nil
}

func ptr[T any](v T) *T { return &v }
