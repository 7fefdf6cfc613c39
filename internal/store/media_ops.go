package store

import (
	"context"
	"fmt"

	"github.com/textloom/orchestrator/internal/apperrors"
	"github.com/textloom/orchestrator/internal/clock"
)

// UpsertMediaItemFields are the collaborator-observed attributes of a
// downloaded asset, passed to UpsertMediaItem.
type UpsertMediaItemFields struct {
	LocalPath  string
	RemoteURL  string
	MediaType  MediaType
	FileSize   int64
	MimeType   string
	Resolution *string
	DurationMs *int
}

// UpsertMediaItem is idempotent on (task_id, original_url), per spec §3 and
// the fetch-idempotence invariant of §8. Re-fetching the same URL for the
// same task is a no-op that returns the existing row unchanged.
func (s *Store) UpsertMediaItem(ctx context.Context, ids clock.IDGenerator, cl clock.Clock, taskID, originalURL string, f UpsertMediaItemFields) (*MediaItem, error) {
	var result MediaItem
	err := withRetry(ctx, func() error {
		var existing MediaItem
		err := s.db.GetContext(ctx, &existing, `
			SELECT * FROM media_items WHERE task_id = $1 AND original_url = $2`, taskID, originalURL)
		if err == nil {
			result = existing
			return nil
		}
		if !isNoRows(err) {
			return fmt.Errorf("checking existing media item: %w", err)
		}

		row := MediaItem{
			ID:          ids.NewID(),
			TaskID:      taskID,
			OriginalURL: originalURL,
			LocalPath:   f.LocalPath,
			RemoteURL:   f.RemoteURL,
			MediaType:   f.MediaType,
			FileSize:    f.FileSize,
			MimeType:    f.MimeType,
			Resolution:  f.Resolution,
			DurationMs:  f.DurationMs,
			CreatedAt:   cl.Now(),
		}
		_, insertErr := s.db.NamedExecContext(ctx, `
			INSERT INTO media_items (
				id, task_id, original_url, local_path, remote_url, media_type,
				file_size, mime_type, resolution, duration_ms, created_at
			) VALUES (
				:id, :task_id, :original_url, :local_path, :remote_url, :media_type,
				:file_size, :mime_type, :resolution, :duration_ms, :created_at
			)
			ON CONFLICT (task_id, original_url) DO NOTHING`, row)
		if insertErr != nil {
			return fmt.Errorf("inserting media item for %s: %w", originalURL, insertErr)
		}

		// Re-read to pick up a concurrent winner if ON CONFLICT DO NOTHING
		// skipped our own insert.
		return s.db.GetContext(ctx, &result, `
			SELECT * FROM media_items WHERE task_id = $1 AND original_url = $2`, taskID, originalURL)
	})
	if err != nil {
		return nil, fmt.Errorf("upserting media item: %w", err)
	}
	if result.ID == "" {
		return nil, apperrors.ErrNotFound
	}
	return &result, nil
}

// ListMediaItems returns every MediaItem downloaded for taskID.
func (s *Store) ListMediaItems(ctx context.Context, taskID string) ([]MediaItem, error) {
	var rows []MediaItem
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM media_items WHERE task_id = $1 ORDER BY created_at`, taskID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing media items for %s: %w", taskID, err)
	}
	return rows, nil
}

// InsertMaterialAnalysis appends one analysis row for a MediaItem. Analyses
// are append-only and never mutated (spec §3 lifecycle note): a second call
// for the same media_item_id inserts nothing (ON CONFLICT DO NOTHING) and
// returns the first analysis unchanged, without an error.
func (s *Store) InsertMaterialAnalysis(ctx context.Context, ids clock.IDGenerator, cl clock.Clock, a MaterialAnalysis) (*MaterialAnalysis, error) {
	a.ID = ids.NewID()
	a.CreatedAt = cl.Now()
	err := withRetry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO material_analyses (
				id, task_id, media_item_id, description, tags, theme, status,
				quality_score, created_at
			) VALUES (
				:id, :task_id, :media_item_id, :description, :tags, :theme, :status,
				:quality_score, :created_at
			)
			ON CONFLICT (media_item_id) DO NOTHING`, a)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting material analysis: %w", err)
	}
	var result MaterialAnalysis
	err = withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &result, `SELECT * FROM material_analyses WHERE media_item_id = $1`, a.MediaItemID)
	})
	if err != nil {
		return nil, fmt.Errorf("reading back material analysis: %w", err)
	}
	return &result, nil
}

// ListMaterialAnalyses returns every analysis for taskID.
func (s *Store) ListMaterialAnalyses(ctx context.Context, taskID string) ([]MaterialAnalysis, error) {
	var rows []MaterialAnalysis
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM material_analyses WHERE task_id = $1 ORDER BY created_at`, taskID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing material analyses for %s: %w", taskID, err)
	}
	return rows, nil
}

// InsertScriptContent appends the script row for a sub-task (spec §4.2.4).
// One script per sub_task_id; a second call inserts nothing and returns the
// existing row without an error (scripts are append-only history, never
// overwritten).
func (s *Store) InsertScriptContent(ctx context.Context, ids clock.IDGenerator, cl clock.Clock, sc ScriptContent) (*ScriptContent, error) {
	sc.ID = ids.NewID()
	sc.CreatedAt = cl.Now()
	err := withRetry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO script_contents (
				id, sub_task_id, style, titles, word_count, scene_count,
				estimated_duration_s, scenes, created_at
			) VALUES (
				:id, :sub_task_id, :style, :titles, :word_count, :scene_count,
				:estimated_duration_s, :scenes, :created_at
			)
			ON CONFLICT (sub_task_id) DO NOTHING`, sc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting script content: %w", err)
	}
	var result ScriptContent
	err = withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &result, `SELECT * FROM script_contents WHERE sub_task_id = $1`, sc.SubTaskID)
	})
	if err != nil {
		return nil, fmt.Errorf("reading back script content: %w", err)
	}
	return &result, nil
}

// GetScriptContentBySubTask returns the script row for subTaskID, or
// apperrors.ErrNotFound if Stage 4 has not yet produced one.
func (s *Store) GetScriptContentBySubTask(ctx context.Context, subTaskID string) (*ScriptContent, error) {
	var sc ScriptContent
	err := withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &sc, `SELECT * FROM script_contents WHERE sub_task_id = $1`, subTaskID)
	})
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("getting script content for %s: %w", subTaskID, err)
	}
	return &sc, nil
}
