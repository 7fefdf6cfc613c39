package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/textloom/orchestrator/internal/fanout"
	"github.com/textloom/orchestrator/internal/store"
)

// RunVideoGeneration implements Stage 5 Phase A (spec §4.2.5, progress
// 75→100 overall — this phase covers 75→~90): submits every script_ready
// child to the external video-merge service, keyed by sub_task_id for
// idempotent retry. Phase B (poll-to-completion) is owned by the Poller;
// this runner returns once every child is in video_processing or terminal.
func RunVideoGeneration(ctx context.Context, d *Deps, taskID string) (Outcome, error) {
	children, err := d.Store.ChildrenOf(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing children of %s: %w", taskID, err)
	}

	// A child already in video_submitting was interrupted mid-Submit by a
	// prior crash and is never picked up by the Poller (which only watches
	// video_processing onward) — re-driving it here is safe because Submit
	// is keyed idempotently by child.ID.
	var pending []store.SubVideoTask
	for _, c := range children {
		if c.Status == store.SubScriptReady || c.Status == store.SubVideoSubmitting {
			pending = append(pending, c)
		}
	}

	width := d.SubmitParallelism
	if width <= 0 {
		width = 3
	}

	if len(pending) > 0 {
		coord := fanout.NewCoordinator(width, len(pending))
		for i, child := range pending {
			child := child
			coord.Dispatch(ctx, i, func(ctx context.Context) error {
				submitChild(ctx, d, child)
				return nil
			})
		}
		coord.WaitAll(len(pending))

		if _, _, err := d.Store.ApplyTaskUpdate(ctx, d.Clock, taskID, store.TaskPatch{
			Progress:     ptr(90),
			CurrentStage: ptr(store.StageVideoGeneration),
			StageMessage: ptr(fmt.Sprintf("submitted %d", len(pending))),
		}); err != nil {
			slog.Warn("recording submit progress failed", "task_id", taskID, "error", err)
		}
	}

	final, err := d.Store.ChildrenOf(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("re-listing children of %s: %w", taskID, err)
	}
	for _, c := range final {
		if c.Status != store.SubVideoProcessing && !c.Status.Terminal() {
			return Stalled, nil
		}
	}
	return Advanced, nil
}

func submitChild(ctx context.Context, d *Deps, child store.SubVideoTask) {
	if child.ScriptPayload == nil {
		return
	}
	submitKey := child.ID

	submitting := store.SubVideoSubmitting
	if _, _, err := d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
		Status:   &submitting,
		Progress: ptr(55),
	}); err != nil {
		slog.Error("marking child video_submitting failed", "sub_task_id", child.ID, "error", err)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.collaboratorTimeout())
	defer cancel()
	externalID, err := d.Submitter.Submit(submitCtx, []byte(*child.ScriptPayload), submitKey)
	if err != nil {
		slog.Warn("video merge submit failed", "sub_task_id", child.ID, "error", err)
		failed := store.SubFailed
		msg := err.Error()
		_, _, _ = d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
			Status:       &failed,
			Progress:     ptr(60),
			ErrorMessage: &msg,
		})
		return
	}

	processing := store.SubVideoProcessing
	now := d.Clock.Now()
	if _, _, err := d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
		Status:          &processing,
		Progress:        ptr(60),
		ExternalMergeID: &externalID,
		SubmittedAt:     &now,
	}); err != nil {
		slog.Error("marking child video_processing failed", "sub_task_id", child.ID, "error", err)
	}
}
