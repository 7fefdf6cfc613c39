package stages

import (
	"context"
	"fmt"

	"github.com/textloom/orchestrator/internal/store"
)

// RunSubtaskCreation implements Stage 3 (spec §4.2.3, progress 50→55):
// creates variant_count SubVideoTask rows. Variant 1 takes the parent's
// script_style_default; variants 2..N rotate through Deps.ScriptStyles.
// Pure DB work — always advances once the parent exists.
func RunSubtaskCreation(ctx context.Context, d *Deps, taskID string) (Outcome, error) {
	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	styles := append([]string{task.ScriptStyleDefault}, d.ScriptStyles...)
	if len(styles) == 0 {
		styles = []string{task.ScriptStyleDefault}
	}

	if _, err := d.Store.CreateSubVideoTasks(ctx, d.IDs, d.Clock, taskID, task.VariantCount, styles); err != nil {
		return Failed, fmt.Errorf("creating sub-tasks for %s: %w", taskID, err)
	}

	_, _, err = d.Store.ApplyTaskUpdate(ctx, d.Clock, taskID, store.TaskPatch{
		Progress:     ptr(55),
		CurrentStage: ptr(store.StageSubtaskCreation),
		StageMessage: ptr("subtasks created"),
	})
	if err != nil {
		return Failed, fmt.Errorf("recording subtask creation for %s: %w", taskID, err)
	}
	return Advanced, nil
}
