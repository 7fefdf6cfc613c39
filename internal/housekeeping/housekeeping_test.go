package housekeeping_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/housekeeping"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/testutil"
	"github.com/textloom/orchestrator/internal/workspace"
)

func newTask(t *testing.T, st *store.Store, cl clock.Clock, workDir string) *store.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), &clock.SequentialIDs{}, cl, store.CreateTaskSpec{
		Title:        "housekeeping test",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: workDir,
	})
	require.NoError(t, err)
	return task
}

func TestHousekeepingReclaimsExpiredLeases(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	task := newTask(t, st, fake, t.TempDir())

	_, err := st.ClaimTask(context.Background(), fake, "stale-worker", time.Minute)
	require.NoError(t, err)
	fake.Advance(2 * time.Minute)

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	svc := housekeeping.New(st, fake, ws, housekeeping.Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()

	updated, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.WorkerID, "an expired lease must be cleared back to claimable")
	assert.Equal(t, store.TaskPending, updated.Status)
}

func TestHousekeepingLogsStuckTasksWithoutMutatingThem(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	task := newTask(t, st, fake, t.TempDir())

	_, err := st.ClaimTask(context.Background(), fake, "w1", 2*time.Hour)
	require.NoError(t, err)
	fake.Advance(time.Hour)

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	svc := housekeeping.New(st, fake, ws, housekeeping.Config{
		Interval:       time.Hour,
		StuckThreshold: 30 * time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()

	updated, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskProcessing, updated.Status, "a stuck task is logged for operator attention, never auto-failed")
}

func TestHousekeepingPurgesExpiredTerminalTasksAndTheirWorkspace(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	root := t.TempDir()

	task := newTask(t, st, fake, root)

	ws, err := workspace.New(root)
	require.NoError(t, err)
	_, err = ws.Ensure(task.ID)
	require.NoError(t, err)

	_, err = st.ClaimTask(context.Background(), fake, "w1", time.Minute)
	require.NoError(t, err)

	completed := store.TaskCompleted
	now := fake.Now()
	_, _, err = st.ApplyTaskUpdate(context.Background(), fake, task.ID, store.TaskPatch{
		Status:      &completed,
		CompletedAt: &now,
	})
	require.NoError(t, err)

	fake.Advance(48 * time.Hour)

	svc := housekeeping.New(st, fake, ws, housekeeping.Config{
		Interval:        time.Hour,
		RetentionWindow: 24 * time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()

	_, err = st.GetTask(context.Background(), task.ID)
	assert.Error(t, err, "a purged task must no longer be retrievable")

	_, statErr := os.Stat(ws.Dir(task.ID))
	assert.True(t, os.IsNotExist(statErr), "purging must remove the task's workspace directory")
}

func TestReclaimStartupOrphansRunsSynchronouslyBeforeStart(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	task := newTask(t, st, fake, t.TempDir())

	_, err := st.ClaimTask(context.Background(), fake, "crashed-pod-worker", time.Minute)
	require.NoError(t, err)
	fake.Advance(2 * time.Minute)

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	svc := housekeeping.New(st, fake, ws, housekeeping.Config{Interval: time.Hour})

	svc.ReclaimStartupOrphans(context.Background())

	updated, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.WorkerID, "a startup orphan must be claimable again before the dispatcher starts")
	assert.Equal(t, store.TaskPending, updated.Status)
}

func TestHousekeepingStartIsIdempotent(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	svc := housekeeping.New(st, fake, ws, housekeeping.Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Start(ctx) // must not replace the cancel func or spawn a second loop
	svc.Stop()
}
