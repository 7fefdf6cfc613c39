package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/textloom/orchestrator/internal/apperrors"
	"github.com/textloom/orchestrator/internal/clock"
)

var specValidate = validator.New()

// CreateTaskSpec is the caller-supplied input to CreateTask. Struct tags
// enforce the INVALID_SPEC boundary checks from spec §4.1 and §8.
type CreateTaskSpec struct {
	Title              string `validate:"required"`
	Description        *string
	Mode               TaskMode `validate:"required,oneof=single_scene multi_scene"`
	ScriptStyleDefault string
	VariantCount       int      `validate:"required,min=1,max=5"`
	MediaURLs          []string `validate:"required,min=1"`
	MediaMeta          *JSONBlob
	WorkspaceDir       string
}

// Validate runs struct-tag validation and translates the first failure into
// an *apperrors.ValidationError, the shape callers branch on for INVALID_SPEC.
func (s CreateTaskSpec) Validate() error {
	err := specValidate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewValidationError("spec", err.Error())
	}
	return apperrors.NewValidationError(fieldToJSONName(verrs[0].Field()), describeTag(verrs[0]))
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs
	return true
}

// fieldToJSONName maps a validator struct-field name to the snake_case name
// spec §4.1/§8 use in their INVALID_SPEC examples.
func fieldToJSONName(field string) string {
	switch field {
	case "VariantCount":
		return "variant_count"
	case "MediaURLs":
		return "media_urls"
	case "Title":
		return "title"
	case "Mode":
		return "mode"
	default:
		return field
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "min":
		if fe.Field() == "VariantCount" {
			return "must be between 1 and 5"
		}
		return "must not be empty"
	case "max":
		return "must be between 1 and 5"
	case "oneof":
		return "must be single_scene or multi_scene"
	default:
		return "failed validation: " + fe.Tag()
	}
}

// CreateTask inserts a new Task row in status=pending, stage=material_processing,
// progress=0. Fails with a *apperrors.ValidationError (INVALID_SPEC) if the
// spec fails Validate.
func (s *Store) CreateTask(ctx context.Context, ids clock.IDGenerator, cl clock.Clock, spec CreateTaskSpec) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := cl.Now()
	t := &Task{
		ID:                 ids.NewID(),
		Title:              spec.Title,
		Description:        spec.Description,
		Mode:               spec.Mode,
		ScriptStyleDefault: spec.ScriptStyleDefault,
		VariantCount:       spec.VariantCount,
		MediaURLs:          StringSlice(spec.MediaURLs),
		MediaMeta:          spec.MediaMeta,
		Status:             TaskPending,
		Progress:           0,
		CurrentStage:       StageMaterialProcessing,
		WorkspaceDir:       spec.WorkspaceDir,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	const q = `
		INSERT INTO tasks (
			id, title, description, mode, script_style_default, variant_count,
			media_urls, media_meta, status, progress, current_stage,
			workspace_dir, created_at, updated_at
		) VALUES (
			:id, :title, :description, :mode, :script_style_default, :variant_count,
			:media_urls, :media_meta, :status, :progress, :current_stage,
			:workspace_dir, :created_at, :updated_at
		)`

	err := withRetry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, q, t)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

// GetTask returns the current row for id, or apperrors.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	})
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return &t, nil
}

// ClaimTask atomically selects one pending task (oldest first), marks it
// processing, and stamps a worker lease, per spec §4.1 / §4.3. Returns
// apperrors.ErrNoTasksAvailable if no pending task exists.
func (s *Store) ClaimTask(ctx context.Context, cl clock.Clock, workerID string, leaseTTL time.Duration) (*Task, error) {
	var claimed Task
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id string
		err = tx.GetContext(ctx, &id, `
			SELECT id FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, TaskPending)
		if err != nil {
			if isNoRows(err) {
				return apperrors.ErrNoTasksAvailable
			}
			return fmt.Errorf("selecting claimable task: %w", err)
		}

		now := cl.Now()
		leaseExpiry := now.Add(leaseTTL)
		err = tx.GetContext(ctx, &claimed, `
			UPDATE tasks
			SET status = $1, worker_id = $2, lease_expires_at = $3,
			    started_at = COALESCE(started_at, $4), updated_at = $4
			WHERE id = $5
			RETURNING *`, TaskProcessing, workerID, leaseExpiry, now, id)
		if err != nil {
			return fmt.Errorf("claiming task %s: %w", id, err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// RefreshLease extends the worker lease on taskID by leaseTTL iff workerID
// is still the current lease holder; otherwise returns apperrors.ErrLeaseLost.
func (s *Store) RefreshLease(ctx context.Context, cl clock.Clock, taskID, workerID string, leaseTTL time.Duration) error {
	now := cl.Now()
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_expires_at = $1, updated_at = $1
			WHERE id = $2 AND worker_id = $3 AND status = $4`,
			now.Add(leaseTTL), taskID, workerID, TaskProcessing)
		if err != nil {
			return fmt.Errorf("refreshing lease for task %s: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking refresh rows affected: %w", err)
		}
		if n == 0 {
			return apperrors.ErrLeaseLost
		}
		return nil
	})
}

// TaskPatch is the conditional-update payload for apply_update against the
// tasks table (spec §4.1). Only non-nil fields are written; nil fields are
// left unchanged. ClearLease clears worker_id/lease_expires_at explicitly
// (used after Stage 5 Phase A and on terminal transitions).
type TaskPatch struct {
	Status          *TaskStatus
	Progress        *int
	CurrentStage    *Stage
	StageMessage    *string
	CompletedAt     *time.Time
	VideoURL        *string
	ThumbnailURL    *string
	VideoDurationMs *int
	ErrorMessage    *string
	ClearLease      bool
}

// ApplyTaskUpdate is the conditional-update primitive for tasks: it selects
// the row FOR UPDATE inside a transaction, rejects regressive or disallowed
// transitions, and applies the patch. Exactly implements the algorithm of
// spec §4.1.
func (s *Store) ApplyTaskUpdate(ctx context.Context, cl clock.Clock, id string, patch TaskPatch) (UpdateOutcome, *Task, error) {
	var outcome UpdateOutcome
	var result Task

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning apply_update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Task
		err = tx.GetContext(ctx, &current, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if isNoRows(err) {
				outcome = NotFound
				return nil
			}
			return fmt.Errorf("selecting task %s for update: %w", id, err)
		}

		if current.Status.Terminal() {
			// A terminal row accepts no further writes at all — including a
			// non-idempotent status change — it is always reported as a
			// no-op rather than an error (spec §3c).
			outcome = NoopTerminal
			result = current
			return nil
		}

		if patch.Status != nil && *patch.Status != current.Status {
			allowed := taskAllowedTransitions[current.Status]
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
		if patch.CurrentStage != nil {
			next.CurrentStage = *patch.CurrentStage
		}
		if patch.StageMessage != nil {
			next.StageMessage = patch.StageMessage
		}
		if patch.CompletedAt != nil {
			next.CompletedAt = patch.CompletedAt
		}
		if patch.VideoURL != nil {
			next.VideoURL = patch.VideoURL
		}
		if patch.ThumbnailURL != nil {
			next.ThumbnailURL = patch.ThumbnailURL
		}
		if patch.VideoDurationMs != nil {
			next.VideoDurationMs = patch.VideoDurationMs
		}
		if patch.ErrorMessage != nil {
			next.ErrorMessage = patch.ErrorMessage
		}
		if patch.ClearLease || next.Status.Terminal() {
			next.WorkerID = nil
			next.LeaseExpiresAt = nil
		}
		next.UpdatedAt = cl.Now()

		err = tx.GetContext(ctx, &result, `
			UPDATE tasks SET
				status = $1, progress = $2, current_stage = $3, stage_message = $4,
				completed_at = $5, video_url = $6, thumbnail_url = $7,
				video_duration_ms = $8, error_message = $9,
				worker_id = $10, lease_expires_at = $11, updated_at = $12
			WHERE id = $13
			RETURNING *`,
			next.Status, next.Progress, next.CurrentStage, next.StageMessage,
			next.CompletedAt, next.VideoURL, next.ThumbnailURL,
			next.VideoDurationMs, next.ErrorMessage,
			next.WorkerID, next.LeaseExpiresAt, next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("applying task update for %s: %w", id, err)
		}
		outcome = Applied

		return tx.Commit()
	})
	if err != nil {
		return outcome, nil, err
	}
	return outcome, &result, nil
}

// CancelTask implements cancel_task (spec §6.3): writes status=cancelled if
// pending or processing. Returns NoopTerminal if already terminal.
func (s *Store) CancelTask(ctx context.Context, cl clock.Clock, id string) (UpdateOutcome, *Task, error) {
	cancelled := TaskCancelled
	now := cl.Now()
	return s.ApplyTaskUpdate(ctx, cl, id, TaskPatch{
		Status:      &cancelled,
		CompletedAt: &now,
		ClearLease:  true,
	})
}

// RetryTask implements retry_task (spec §6.3, §9 Open Question): resets a
// failed task back to pending and discards its children. Returns
// REJECTED_REGRESSION if the task is not currently failed.
func (s *Store) RetryTask(ctx context.Context, cl clock.Clock, id string) (UpdateOutcome, *Task, error) {
	var outcome UpdateOutcome
	var result Task

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Task
		err = tx.GetContext(ctx, &current, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if isNoRows(err) {
				outcome = NotFound
				return nil
			}
			return fmt.Errorf("selecting task %s for retry: %w", id, err)
		}

		if current.Status != TaskFailed {
			outcome = RejectedRegression
			result = current
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sub_video_tasks WHERE parent_task_id = $1`, id); err != nil {
			return fmt.Errorf("discarding children of task %s: %w", id, err)
		}

		now := cl.Now()
		err = tx.GetContext(ctx, &result, `
			UPDATE tasks SET
				status = $1, progress = 0, current_stage = $2, stage_message = NULL,
				started_at = NULL, completed_at = NULL, video_url = NULL,
				thumbnail_url = NULL, video_duration_ms = NULL, error_message = NULL,
				worker_id = NULL, lease_expires_at = NULL, updated_at = $3
			WHERE id = $4
			RETURNING *`, TaskPending, StageMaterialProcessing, now, id)
		if err != nil {
			return fmt.Errorf("resetting task %s for retry: %w", id, err)
		}
		outcome = Applied

		return tx.Commit()
	})
	if err != nil {
		return outcome, nil, err
	}
	return outcome, &result, nil
}

// ReclaimExpiredLeases moves back to pending any task whose worker lease
// expired before now, incrementing the unexported retry-attempt counter. A
// task reclaimed more than retryBudget times is marked failed instead (spec
// §4.6). Returns the number of tasks reclaimed and the number failed out.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, cl clock.Clock, retryBudget int) (reclaimed, failedOut int, err error) {
	now := cl.Now()
	err = withRetry(ctx, func() error {
		tx, txErr := s.db.BeginTxx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("beginning reclaim tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var expired []Task
		selErr := tx.SelectContext(ctx, &expired, `
			SELECT * FROM tasks
			WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
			FOR UPDATE SKIP LOCKED`, TaskProcessing, now)
		if selErr != nil {
			return fmt.Errorf("selecting expired leases: %w", selErr)
		}

		for _, t := range expired {
			if t.ReclaimCount+1 > retryBudget {
				msg := "exceeded retry budget"
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE tasks SET status = $1, completed_at = $2, error_message = $3,
						worker_id = NULL, lease_expires_at = NULL, reclaim_count = reclaim_count + 1,
						updated_at = $2
					WHERE id = $4`, TaskFailed, now, msg, t.ID); execErr != nil {
					return fmt.Errorf("failing out task %s: %w", t.ID, execErr)
				}
				failedOut++
				continue
			}
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE tasks SET status = $1, worker_id = NULL, lease_expires_at = NULL,
					reclaim_count = reclaim_count + 1, updated_at = $2
				WHERE id = $3`, TaskPending, now, t.ID); execErr != nil {
				return fmt.Errorf("reclaiming task %s: %w", t.ID, execErr)
			}
			reclaimed++
		}

		return tx.Commit()
	})
	return reclaimed, failedOut, err
}

// ListStuckTasks returns tasks in processing whose updated_at has not moved
// in staleFor — candidates for Housekeeping's stuck-state log (spec §4.6).
// These are reported for operator attention, never auto-failed.
func (s *Store) ListStuckTasks(ctx context.Context, cl clock.Clock, staleFor time.Duration) ([]Task, error) {
	var rows []Task
	cutoff := cl.Now().Add(-staleFor)
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM tasks
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at ASC`, TaskProcessing, cutoff)
	})
	if err != nil {
		return nil, fmt.Errorf("listing stuck tasks: %w", err)
	}
	return rows, nil
}

// ListExpiredTerminalTasks returns terminal tasks whose completed_at is
// older than olderThan — candidates for workspace/row scrubbing (spec §4.6,
// §6.2).
func (s *Store) ListExpiredTerminalTasks(ctx context.Context, cl clock.Clock, olderThan time.Duration, limit int) ([]Task, error) {
	var rows []Task
	cutoff := cl.Now().Add(-olderThan)
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM tasks
			WHERE completed_at IS NOT NULL AND completed_at < $1
			ORDER BY completed_at ASC
			LIMIT $2`, cutoff, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("listing expired terminal tasks: %w", err)
	}
	return rows, nil
}

// SearchTasks implements the title/description full-text lookup
// (SPEC_FULL.md's supplemented features): matches query against each task's
// title (weight A) and description (weight B) via to_tsvector/
// plainto_tsquery, ranked by ts_rank. Not exposed over any external
// surface — Housekeeping's stuck-task log uses it to report how many tasks
// share similar wording, a signal that a stuck task belongs to a systemic
// rather than one-off failure. Results are not filtered by age and include
// the stuck task itself when its own title matches.
func (s *Store) SearchTasks(ctx context.Context, query string, limit int) ([]Task, error) {
	var rows []Task
	err := withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM tasks
			WHERE (
				setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
				setweight(to_tsvector('english', coalesce(description, '')), 'B')
			) @@ plainto_tsquery('english', $1)
			ORDER BY ts_rank(
				setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
				setweight(to_tsvector('english', coalesce(description, '')), 'B'),
				plainto_tsquery('english', $1)
			) DESC
			LIMIT $2`, query, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("searching tasks: %w", err)
	}
	return rows, nil
}

// PurgeTask deletes a terminal task and its children rows, once its
// workspace directory has already been scrubbed by the caller. Non-terminal
// tasks are refused.
func (s *Store) PurgeTask(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if err := tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1`, id); err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("checking task %s status before purge: %w", id, err)
		}
		if !status.Terminal() {
			return fmt.Errorf("refusing to purge non-terminal task %s", id)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM script_contents WHERE sub_task_id IN (SELECT id FROM sub_video_tasks WHERE parent_task_id = $1)`, id); err != nil {
			return fmt.Errorf("purging script contents for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sub_video_tasks WHERE parent_task_id = $1`, id); err != nil {
			return fmt.Errorf("purging sub-tasks for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM material_analyses WHERE task_id = $1`, id); err != nil {
			return fmt.Errorf("purging analyses for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media_items WHERE task_id = $1`, id); err != nil {
			return fmt.Errorf("purging media items for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
			return fmt.Errorf("purging task %s: %w", id, err)
		}

		return tx.Commit()
	})
}
