package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/store"
)

// RunMaterialAnalysis implements Stage 2 (spec §4.2.2, progress 25→50):
// analyzes every MediaItem not yet analyzed, with bounded parallelism
// (Deps.AnalysisParallelism, default 4). The stage succeeds so long as at
// least one analysis completes.
func RunMaterialAnalysis(ctx context.Context, d *Deps, taskID string) (Outcome, error) {
	items, err := d.Store.ListMediaItems(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing media items for %s: %w", taskID, err)
	}
	if len(items) == 0 {
		return Failed, nil
	}

	analyzed, err := d.Store.ListMaterialAnalyses(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing existing analyses for %s: %w", taskID, err)
	}
	done := make(map[string]bool, len(analyzed))
	for _, a := range analyzed {
		done[a.MediaItemID] = true
	}

	var pending []store.MediaItem
	for _, item := range items {
		if !done[item.ID] {
			pending = append(pending, item)
		}
	}

	width := d.AnalysisParallelism
	if width <= 0 {
		width = 4
	}

	var (
		mu        sync.Mutex
		completed int
		succeeded int
	)
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup

	for _, item := range pending {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ok := analyzeOne(ctx, d, taskID, item)

			mu.Lock()
			completed++
			if ok {
				succeeded++
			}
			progress := 25 + 25*completed/(len(analyzed)+len(pending))
			mu.Unlock()

			_, _, patchErr := d.Store.ApplyTaskUpdate(ctx, d.Clock, taskID, store.TaskPatch{
				Progress:     ptr(progress),
				CurrentStage: ptr(store.StageMaterialAnalysis),
				StageMessage: ptr(fmt.Sprintf("analyzing %d/%d", completed, len(pending))),
			})
			if patchErr != nil {
				slog.Warn("recording analysis progress failed", "task_id", taskID, "error", patchErr)
			}
		}()
	}
	wg.Wait()

	if succeeded+len(analyzed) == 0 {
		return Failed, nil
	}
	return Advanced, nil
}

func analyzeOne(ctx context.Context, d *Deps, taskID string, item store.MediaItem) bool {
	analyzeCtx, cancel := context.WithTimeout(ctx, d.collaboratorTimeout())
	defer cancel()

	result, err := d.Analyzer.Analyze(analyzeCtx, ports.MediaItemInput{
		ID:        item.ID,
		LocalPath: item.LocalPath,
		RemoteURL: item.RemoteURL,
		MediaType: string(item.MediaType),
		MimeType:  item.MimeType,
	})

	analysis := store.MaterialAnalysis{
		TaskID:      taskID,
		MediaItemID: item.ID,
	}
	if err != nil {
		slog.Warn("media analysis failed", "task_id", taskID, "media_item_id", item.ID, "error", err)
		analysis.Status = store.AnalysisFailed
		analysis.Description = err.Error()
	} else {
		analysis.Status = store.AnalysisCompleted
		analysis.Description = result.Description
		analysis.Tags = store.StringSlice(result.Tags)
		if result.Theme != "" {
			analysis.Theme = ptr(result.Theme)
		}
		analysis.QualityScore = result.QualityScore
	}

	if _, insertErr := d.Store.InsertMaterialAnalysis(ctx, d.IDs, d.Clock, analysis); insertErr != nil {
		slog.Error("persisting material analysis failed", "task_id", taskID, "media_item_id", item.ID, "error", insertErr)
		return false
	}
	return err == nil
}
