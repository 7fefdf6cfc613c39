package store

import (
	"context"
	"fmt"
	"time"

	"github.com/textloom/orchestrator/internal/apperrors"
	"github.com/textloom/orchestrator/internal/clock"
)

// CreateSubVideoTasks implements Stage 3 (subtask_creation): inserts
// variant_count rows, one per variant, in a single transaction. Always
// succeeds once the parent task exists (spec §4.2.3: "always advanced on
// success"). Idempotent: if rows already exist for this parent they are
// returned unchanged rather than duplicated.
func (s *Store) CreateSubVideoTasks(ctx context.Context, ids clock.IDGenerator, cl clock.Clock, parentID string, variantCount int, styles []string) ([]SubVideoTask, error) {
	var result []SubVideoTask
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning subtask-creation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing []SubVideoTask
		if err := tx.SelectContext(ctx, &existing, `
			SELECT * FROM sub_video_tasks WHERE parent_task_id = $1 ORDER BY variant_index`, parentID); err != nil {
			return fmt.Errorf("checking existing children of %s: %w", parentID, err)
		}
		if len(existing) > 0 {
			result = existing
			return tx.Commit()
		}

		now := cl.Now()
		result = make([]SubVideoTask, 0, variantCount)
		for i := 1; i <= variantCount; i++ {
			style := styles[0]
			if len(styles) > 1 {
				style = styles[(i-1)%len(styles)]
			}
			row := SubVideoTask{
				ID:           ids.NewID(),
				ParentTaskID: parentID,
				VariantIndex: i,
				ScriptStyle:  style,
				Status:       SubPending,
				Progress:     0,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO sub_video_tasks (
					id, parent_task_id, variant_index, script_style, status, progress,
					created_at, updated_at
				) VALUES (
					:id, :parent_task_id, :variant_index, :script_style, :status, :progress,
					:created_at, :updated_at
				)`, row)
			if err != nil {
				return fmt.Errorf("inserting subtask variant %d of %s: %w", i, parentID, err)
			}
			result = append(result, row)
		}

		return tx.Commit()
	})
	return result, err
}

// SubTaskPatch is the conditional-update payload for apply_update against
// the sub_video_tasks table (spec §4.1, §4.2.4, §4.2.5, §4.4).
type SubTaskPatch struct {
	Status          *SubStatus
	Progress        *int
	ScriptID        *string
	ScriptPayload   *JSONBlob
	ExternalMergeID *string
	VideoURL        *string
	ThumbnailURL    *string
	DurationMs      *int
	ErrorMessage    *string
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
}

// ApplySubTaskUpdate is the conditional-update primitive for sub_video_tasks,
// mirroring ApplyTaskUpdate but against the SubVideoTask allowlist/terminal
// set from spec §3.
func (s *Store) ApplySubTaskUpdate(ctx context.Context, cl clock.Clock, id string, patch SubTaskPatch) (UpdateOutcome, *SubVideoTask, error) {
	var outcome UpdateOutcome
	var result SubVideoTask

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning sub-task apply_update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current SubVideoTask
		err = tx.GetContext(ctx, &current, `SELECT * FROM sub_video_tasks WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if isNoRows(err) {
				outcome = NotFound
				return nil
			}
			return fmt.Errorf("selecting sub-task %s for update: %w", id, err)
		}

		if current.Status.Terminal() {
			outcome = NoopTerminal
			result = current
			return nil
		}

		if patch.Status != nil && *patch.Status != current.Status {
			allowed := subtaskAllowedTransitions[current.Status]
			if !allowed[*patch.Status] {
				outcome = RejectedRegression
				result = current
				return nil
			}
		}

		if patch.Progress != nil && *patch.Progress < current.Progress {
			outcome = RejectedRegression
			result = current
			return nil
		}

		next := current
		if patch.Status != nil {
			next.Status = *patch.Status
		}
		if patch.Progress != nil {
			next.Progress = *patch.Progress
		}
		if patch.ScriptID != nil {
			next.ScriptID = patch.ScriptID
		}
		if patch.ScriptPayload != nil {
			next.ScriptPayload = patch.ScriptPayload
		}
		if patch.ExternalMergeID != nil {
			next.ExternalMergeID = patch.ExternalMergeID
		}
		if patch.VideoURL != nil {
			next.VideoURL = patch.VideoURL
		}
		if patch.ThumbnailURL != nil {
			next.ThumbnailURL = patch.ThumbnailURL
		}
		if patch.DurationMs != nil {
			next.DurationMs = patch.DurationMs
		}
		if patch.ErrorMessage != nil {
			next.ErrorMessage = patch.ErrorMessage
		}
		if patch.SubmittedAt != nil {
			next.SubmittedAt = patch.SubmittedAt
		}
		if patch.CompletedAt != nil {
			next.CompletedAt = patch.CompletedAt
		}
		next.UpdatedAt = cl.Now()

		err = tx.GetContext(ctx, &result, `
			UPDATE sub_video_tasks SET
				status = $1, progress = $2, script_id = $3, script_payload = $4,
				external_merge_id = $5, video_url = $6, thumbnail_url = $7,
				duration_ms = $8, error_message = $9, submitted_at = $10,
				completed_at = $11, updated_at = $12
			WHERE id = $13
			RETURNING *`,
			next.Status, next.Progress, next.ScriptID, next.ScriptPayload,
			next.ExternalMergeID, next.VideoURL, next.ThumbnailURL,
			next.DurationMs, next.ErrorMessage, next.SubmittedAt,
			next.CompletedAt, next.UpdatedAt, id)
		if err != nil {
			if isUniqueViolation(err) {
				// external_merge_id collision: another worker already holds
				// this idempotency key. Treat as a regression, not a panic.
				outcome = RejectedRegression
				return tx.Commit()
			}
			return fmt.Errorf("applying sub-task update for %s: %w", id, err)
		}
		outcome = Applied

		return tx.Commit()
	})
	if err != nil {
		return outcome, nil, err
	}
	return outcome, &result, nil
}

// GetSubVideoTask returns the current row for id, or apperrors.ErrNotFound.
func (s *Store) GetSubVideoTask(ctx context.Context, id string) (*SubVideoTask, error) {
	var t SubVideoTask
	err := withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &t, `SELECT * FROM sub_video_tasks WHERE id = $1`, id)
	})
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("getting sub-task %s: %w", id, err)
	}
	return &t, nil
}

// ListSubmittedSubtasks returns sub-tasks in {video_processing,
// video_submitting}, ordered by submitted_at ascending, up to limit rows —
// the Poller's batch source (spec §4.1, §4.4).
func (s *Store) ListSubmittedSubtasks(ctx context.Context, limit int) ([]SubVideoTask, error) {
	var rows []SubVideoTask
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM sub_video_tasks
			WHERE status IN ($1, $2)
			ORDER BY submitted_at ASC NULLS LAST
			LIMIT $3`, SubVideoProcessing, SubVideoSubmitting, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("listing submitted subtasks: %w", err)
	}
	return rows, nil
}

// ChildrenOf returns every SubVideoTask of parentID via a plain, unlocked
// SELECT. Aggregation call sites (internal/fanout.Aggregate) therefore read
// children without holding the row locks the spec's "locked-for-update in
// aggregation" contract describes; this is safe in practice only because
// the subsequent ApplyTaskUpdate on the parent is itself a conditional
// write that no-ops on an already-terminal parent.
func (s *Store) ChildrenOf(ctx context.Context, parentID string) ([]SubVideoTask, error) {
	var rows []SubVideoTask
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM sub_video_tasks WHERE parent_task_id = $1 ORDER BY variant_index`, parentID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return rows, nil
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}
