package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/apperrors"
	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/testutil"
)

func validSpec() store.CreateTaskSpec {
	return store.CreateTaskSpec{
		Title:        "a promo video",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: "/workspaces/t1",
	}
}

func TestCreateTaskRejectsInvalidSpec(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(0, 0))

	cases := []struct {
		name  string
		spec  func(store.CreateTaskSpec) store.CreateTaskSpec
		field string
	}{
		{"missing title", func(s store.CreateTaskSpec) store.CreateTaskSpec { s.Title = ""; return s }, "title"},
		{"zero variant count", func(s store.CreateTaskSpec) store.CreateTaskSpec { s.VariantCount = 0; return s }, "variant_count"},
		{"too many variants", func(s store.CreateTaskSpec) store.CreateTaskSpec { s.VariantCount = 6; return s }, "variant_count"},
		{"no media urls", func(s store.CreateTaskSpec) store.CreateTaskSpec { s.MediaURLs = nil; return s }, "media_urls"},
		{"bad mode", func(s store.CreateTaskSpec) store.CreateTaskSpec { s.Mode = "bogus"; return s }, "mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.CreateTask(ctx, ids, cl, tc.spec(validSpec()))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
			var verr *apperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreateAndGetTaskRoundTrips(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	created, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, created.Status)
	assert.Equal(t, store.StageMaterialProcessing, created.CurrentStage)
	assert.Equal(t, 0, created.Progress)

	fetched, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "a promo video", fetched.Title)
	assert.Equal(t, []string{"https://example.test/a.jpg"}, []string(fetched.MediaURLs))
}

func TestGetTaskNotFound(t *testing.T) {
	st := testutil.NewStore(t)
	_, err := st.GetTask(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyTaskUpdateRejectsProgressRegression(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)

	outcome, _, err := st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Progress: ptrInt(40)})
	require.NoError(t, err)
	assert.Equal(t, store.Applied, outcome)

	outcome, result, err := st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Progress: ptrInt(10)})
	require.NoError(t, err)
	assert.Equal(t, store.RejectedRegression, outcome)
	assert.Equal(t, 40, result.Progress)
}

func TestApplyTaskUpdateRejectsDisallowedTransition(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)

	completed := store.TaskCompleted
	outcome, _, err := st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, store.RejectedRegression, outcome, "pending cannot jump directly to completed")
}

func TestApplyTaskUpdateTerminalStateIsSticky(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)

	processing := store.TaskProcessing
	_, _, err = st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &processing})
	require.NoError(t, err)

	failed := store.TaskFailed
	now := cl.Now()
	outcome, result, err := st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &failed, CompletedAt: &now})
	require.NoError(t, err)
	require.Equal(t, store.Applied, outcome)
	require.Equal(t, store.TaskFailed, result.Status)

	// Any further write against a terminal row, including a regressive
	// progress write, is a silent no-op rather than an error.
	outcome, result, err = st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Progress: ptrInt(0)})
	require.NoError(t, err)
	assert.Equal(t, store.NoopTerminal, outcome)
	assert.Equal(t, store.TaskFailed, result.Status)

	completed := store.TaskCompleted
	outcome, result, err = st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, store.NoopTerminal, outcome)
	assert.Equal(t, store.TaskFailed, result.Status, "terminal status never changes once set")
}

func TestApplyTaskUpdateNotFound(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))
	outcome, _, err := st.ApplyTaskUpdate(context.Background(), cl, "00000000-0000-0000-0000-000000000000", store.TaskPatch{Progress: ptrInt(1)})
	require.NoError(t, err)
	assert.Equal(t, store.NotFound, outcome)
}

func TestClaimTaskSkipsLockedAndOrdersByAge(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	first, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)
	cl.Advance(time.Second)
	_, err = st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)

	claimed, err := st.ClaimTask(ctx, cl, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, store.TaskProcessing, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)

	second, err := st.ClaimTask(ctx, cl, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, claimed.ID, second.ID)

	_, err = st.ClaimTask(ctx, cl, "worker-3", time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrNoTasksAvailable)
}

func TestRefreshLeaseFailsForWrongOwner(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	created, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, cl, "worker-1", time.Minute)
	require.NoError(t, err)

	err = st.RefreshLease(ctx, cl, created.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrLeaseLost)

	err = st.RefreshLease(ctx, cl, created.ID, "worker-1", time.Minute)
	assert.NoError(t, err)
}

func TestRetryTaskResetsOnlyFailedTasks(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)

	outcome, _, err := st.RetryTask(ctx, cl, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RejectedRegression, outcome, "pending tasks are not retryable")

	processing := store.TaskProcessing
	_, _, err = st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &processing})
	require.NoError(t, err)
	failed := store.TaskFailed
	now := cl.Now()
	_, _, err = st.ApplyTaskUpdate(ctx, cl, task.ID, store.TaskPatch{Status: &failed, CompletedAt: &now, Progress: ptrInt(60)})
	require.NoError(t, err)

	outcome, result, err := st.RetryTask(ctx, cl, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Applied, outcome)
	assert.Equal(t, store.TaskPending, result.Status)
	assert.Equal(t, 0, result.Progress)
	assert.Nil(t, result.CompletedAt)
}

func TestReclaimExpiredLeasesRespectsRetryBudget(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, cl, "worker-1", time.Second)
	require.NoError(t, err)

	cl.Advance(time.Minute)

	reclaimed, failedOut, err := st.ReclaimExpiredLeases(ctx, cl, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, 1, failedOut, "zero retry budget fails the task out on first expiry")

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, final.Status)
}

func TestReclaimExpiredLeasesReclaimsWithinBudget(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	task, err := st.CreateTask(ctx, ids, cl, validSpec())
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, cl, "worker-1", time.Second)
	require.NoError(t, err)
	cl.Advance(time.Minute)

	reclaimed, failedOut, err := st.ReclaimExpiredLeases(ctx, cl, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 0, failedOut)

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, final.Status)
	assert.Nil(t, final.WorkerID)
}

func TestSearchTasksMatchesTitleAndRanksByRelevance(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	matching, err := st.CreateTask(ctx, ids, cl, store.CreateTaskSpec{
		Title:        "quarterly product launch teaser",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: "/workspaces/t-search-1",
	})
	require.NoError(t, err)

	_, err = st.CreateTask(ctx, ids, cl, store.CreateTaskSpec{
		Title:        "unrelated birthday video",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/b.jpg"},
		WorkspaceDir: "/workspaces/t-search-2",
	})
	require.NoError(t, err)

	results, err := st.SearchTasks(ctx, "product launch", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, matching.ID, results[0].ID)
}

func TestSearchTasksReturnsEmptyForNoMatches(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	ids := clock.UUIDGenerator{}
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	_, err := st.CreateTask(ctx, ids, cl, store.CreateTaskSpec{
		Title:        "a promo video",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: "/workspaces/t-search-3",
	})
	require.NoError(t, err)

	results, err := st.SearchTasks(ctx, "nonexistent gibberish zzz", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func ptrInt(v int) *int { return &v }
