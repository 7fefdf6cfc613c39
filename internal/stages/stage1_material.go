package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/textloom/orchestrator/internal/store"
)

// RunMaterialProcessing implements Stage 1 (spec §4.2.1, progress 0→25):
// downloads every media_url not already present as a MediaItem for this
// task, uploads each to durable storage, and upserts the result.
func RunMaterialProcessing(ctx context.Context, d *Deps, taskID string) (Outcome, error) {
	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	existing, err := d.Store.ListMediaItems(ctx, taskID)
	if err != nil {
		return Failed, fmt.Errorf("listing existing media items for %s: %w", taskID, err)
	}
	have := make(map[string]bool, len(existing))
	for _, m := range existing {
		have[m.OriginalURL] = true
	}

	total := len(task.MediaURLs)
	fetched := len(existing)
	var failures []string

	for _, url := range task.MediaURLs {
		if have[url] {
			continue
		}

		item, attemptErr := fetchAndUpload(ctx, d, taskID, task.WorkspaceDir, url)
		if attemptErr != nil {
			slog.Warn("material fetch failed", "task_id", taskID, "url", url, "error", attemptErr)
			failures = append(failures, fmt.Sprintf("%s: %v", url, attemptErr))
		} else {
			fetched++
			_ = item
		}

		progress := 0
		if total > 0 {
			progress = 25 * fetched / total
		}
		msg := fmt.Sprintf("fetching %d/%d", fetched+len(failures), total)
		patch := store.TaskPatch{
			Progress:     ptr(progress),
			CurrentStage: ptr(store.StageMaterialProcessing),
			StageMessage: ptr(msg),
		}
		if len(failures) > 0 {
			patch.ErrorMessage = ptr(joinErrors(failures))
		}
		if _, _, err := d.Store.ApplyTaskUpdate(ctx, d.Clock, taskID, patch); err != nil {
			return Failed, fmt.Errorf("recording fetch progress for %s: %w", taskID, err)
		}
	}

	if fetched == 0 {
		return Failed, nil
	}
	return Advanced, nil
}

func fetchAndUpload(ctx context.Context, d *Deps, taskID, workspaceDir, url string) (*store.MediaItem, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.collaboratorTimeout())
	defer cancel()

	result, err := d.Fetcher.Fetch(fetchCtx, url, workspaceDir)
	if err != nil {
		return nil, err
	}

	remoteURL, err := d.Uploader.Put(ctx, result.LocalPath)
	if err != nil {
		return nil, err
	}

	return d.Store.UpsertMediaItem(ctx, d.IDs, d.Clock, taskID, url, store.UpsertMediaItemFields{
		LocalPath:  result.LocalPath,
		RemoteURL:  remoteURL,
		MediaType:  classifyMediaType(result.MimeType),
		FileSize:   result.Bytes,
		MimeType:   result.MimeType,
		Resolution: nonEmpty(result.Resolution),
		DurationMs: result.DurationMs,
	})
}

func classifyMediaType(mimeType string) store.MediaType {
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		return store.MediaImage
	case len(mimeType) >= 6 && mimeType[:6] == "video/":
		return store.MediaVideo
	default:
		return store.MediaMarkdown
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinErrors(msgs []string) string {
	out := msgs[0]
	for _, m := range msgs[1:] {
		out += "; " + m
	}
	return out
}
