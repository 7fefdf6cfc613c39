package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/textloom/orchestrator/internal/fanout"
	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/store"
)

var errChildFailed = errors.New("child script generation failed")

// RunScriptGeneration implements Stage 4 (spec §4.2.4, progress 55→75):
// fans out script generation across a task's children with bounded
// parallelism (Deps.ScriptParallelism, default 3). Advances if any child
// reaches script_ready.
func RunScriptGeneration(ctx context.Context, d *Deps, taskID string) (Outcome, error) {
	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	children, err := d.Store.ChildrenOf(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing children of %s: %w", taskID, err)
	}

	analyses, err := d.Store.ListMaterialAnalyses(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing analyses for %s: %w", taskID, err)
	}
	analysisCtx := make([]ports.AnalysisContext, 0, len(analyses))
	for _, a := range analyses {
		if a.Status != store.AnalysisCompleted {
			continue
		}
		ac := ports.AnalysisContext{MediaItemID: a.MediaItemID, Description: a.Description, Tags: []string(a.Tags)}
		if a.Theme != nil {
			ac.Theme = *a.Theme
		}
		analysisCtx = append(analysisCtx, ac)
	}

	taskCtx := ports.TaskContext{
		TaskID:             task.ID,
		Title:              task.Title,
		Mode:               string(task.Mode),
		ScriptStyleDefault: task.ScriptStyleDefault,
	}
	if task.Description != nil {
		taskCtx.Description = *task.Description
	}

	// A child already in script_generating was interrupted mid-Generate by a
	// prior crash (spec §4.2's idempotence guarantee) — re-entering it here
	// re-marks the same status, which ApplySubTaskUpdate already accepts as
	// a no-op transition, and retries generation.
	var pending []store.SubVideoTask
	for _, c := range children {
		if c.Status == store.SubPending || c.Status == store.SubScriptGenerating {
			pending = append(pending, c)
		}
	}

	width := d.ScriptParallelism
	if width <= 0 {
		width = 3
	}

	if len(pending) > 0 {
		coord := fanout.NewCoordinator(width, len(pending))
		for i, child := range pending {
			child := child
			coord.Dispatch(ctx, i, func(ctx context.Context) error {
				if !generateScriptForChild(ctx, d, taskCtx, analysisCtx, child) {
					return errChildFailed
				}
				return nil
			})
		}
		coord.WaitAll(len(pending))
	}

	// Count successes from persisted state — the durable source of truth —
	// rather than from fan-out results, since a crash mid-stage can re-enter
	// this function with some children already script_ready.
	refreshed, err := d.Store.ChildrenOf(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("re-listing children of %s: %w", taskID, err)
	}
	ready := 0
	for _, c := range refreshed {
		if c.Status == store.SubScriptReady {
			ready++
		}
	}

	if _, _, err := d.Store.ApplyTaskUpdate(ctx, d.Clock, taskID, store.TaskPatch{
		Progress:     ptr(75),
		CurrentStage: ptr(store.StageScriptGeneration),
		StageMessage: ptr(fmt.Sprintf("scripted %d/%d", ready, len(refreshed))),
	}); err != nil {
		slog.Warn("recording script progress failed", "task_id", taskID, "error", err)
	}

	if ready == 0 {
		return Failed, nil
	}
	return Advanced, nil
}

func generateScriptForChild(ctx context.Context, d *Deps, task ports.TaskContext, analyses []ports.AnalysisContext, child store.SubVideoTask) bool {
	generating := store.SubScriptGenerating
	if _, _, err := d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
		Status:   &generating,
		Progress: ptr(5),
	}); err != nil {
		slog.Error("marking child script_generating failed", "sub_task_id", child.ID, "error", err)
		return false
	}

	genCtx, cancel := context.WithTimeout(ctx, d.collaboratorTimeout())
	defer cancel()
	result, err := d.Generator.Generate(genCtx, task, analyses, child.ScriptStyle)
	if err != nil {
		slog.Warn("script generation failed", "sub_task_id", child.ID, "error", err)
		failed := store.SubScriptFailed
		msg := err.Error()
		_, _, _ = d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
			Status:       &failed,
			Progress:     ptr(50),
			ErrorMessage: &msg,
		})
		return false
	}

	scenes := make([]store.Scene, 0, len(result.Scenes))
	for _, s := range result.Scenes {
		scenes = append(scenes, store.Scene{Text: s.Text, DurationS: s.DurationS, MediaItemIDs: s.MediaItemIDs})
	}
	payload, err := json.Marshal(scenes)
	if err != nil {
		slog.Error("marshaling script scenes failed", "sub_task_id", child.ID, "error", err)
		return false
	}
	blob := store.JSONBlob(payload)

	sc := store.ScriptContent{
		SubTaskID:          child.ID,
		Style:              child.ScriptStyle,
		Titles:             store.StringSlice(result.Titles),
		WordCount:          result.WordCount,
		SceneCount:         len(scenes),
		EstimatedDurationS: result.EstimatedDurationS,
		Scenes:             blob,
	}
	created, err := d.Store.InsertScriptContent(ctx, d.IDs, d.Clock, sc)
	if err != nil {
		slog.Error("persisting script content failed", "sub_task_id", child.ID, "error", err)
		return false
	}

	ready := store.SubScriptReady
	if _, _, err := d.Store.ApplySubTaskUpdate(ctx, d.Clock, child.ID, store.SubTaskPatch{
		Status:        &ready,
		Progress:      ptr(50),
		ScriptID:      &created.ID,
		ScriptPayload: &blob,
	}); err != nil {
		slog.Error("marking child script_ready failed", "sub_task_id", child.ID, "error", err)
		return false
	}
	return true
}
