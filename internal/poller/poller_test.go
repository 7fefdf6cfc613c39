package poller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/poller"
	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/testutil"
)

func submittedChild(t *testing.T, st *store.Store, cl clock.Clock) (*store.Task, store.SubVideoTask) {
	t.Helper()
	ids := &clock.SequentialIDs{}
	task, err := st.CreateTask(context.Background(), ids, cl, store.CreateTaskSpec{
		Title:        "poller test",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	children, err := st.CreateSubVideoTasks(context.Background(), ids, cl, task.ID, 1, []string{"default"})
	require.NoError(t, err)
	child := children[0]

	taskProcessing := store.TaskProcessing
	_, _, err = st.ApplyTaskUpdate(context.Background(), cl, task.ID, store.TaskPatch{Status: &taskProcessing})
	require.NoError(t, err)

	for _, status := range []store.SubStatus{
		store.SubScriptGenerating, store.SubScriptReady, store.SubVideoSubmitting,
	} {
		status := status
		_, _, err = st.ApplySubTaskUpdate(context.Background(), cl, child.ID, store.SubTaskPatch{Status: &status})
		require.NoError(t, err)
	}

	processing := store.SubVideoProcessing
	externalID := "ext-1"
	submittedAt := cl.Now()
	_, updated, err := st.ApplySubTaskUpdate(context.Background(), cl, child.ID, store.SubTaskPatch{
		Status:          &processing,
		ExternalMergeID: &externalID,
		SubmittedAt:     &submittedAt,
	})
	require.NoError(t, err)
	return task, *updated
}

func waitForSubStatus(t *testing.T, st *store.Store, childID string, want store.SubStatus, timeout time.Duration) store.SubVideoTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		child, err := st.GetSubVideoTask(context.Background(), childID)
		require.NoError(t, err)
		if child.Status == want {
			return *child
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("sub task %s did not reach status %s in time", childID, want)
	return store.SubVideoTask{}
}

func TestPollerCompletesChildOnSuccessfulMerge(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	_, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{State: ports.MergeSucceeded, VideoURL: "https://example.test/v.mp4"}, nil
		},
	}
	subtitle := &ports.FakeSubtitleRenderer{}
	p := poller.New(st, cl, merge, subtitle, nil, poller.Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	final := waitForSubStatus(t, st, child.ID, store.SubCompleted, 5*time.Second)
	assert.Equal(t, 100, final.Progress)
	assert.Contains(t, subtitle.Calls, child.ID)
}

func TestPollerDegradesOnSubtitleFailureByDefault(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	_, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{State: ports.MergeSucceeded, VideoURL: "https://example.test/v.mp4"}, nil
		},
	}
	subtitle := &ports.FakeSubtitleRenderer{
		RenderFunc: func(ctx context.Context, subTaskID, videoURL string) error {
			return assert.AnError
		},
	}
	p := poller.New(st, cl, merge, subtitle, nil, poller.Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	final := waitForSubStatus(t, st, child.ID, store.SubCompleted, 5*time.Second)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "subtitle render warning")
}

func TestPollerFailsChildWhenSubtitleFailureModeIsFail(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	_, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{State: ports.MergeSucceeded, VideoURL: "https://example.test/v.mp4"}, nil
		},
	}
	subtitle := &ports.FakeSubtitleRenderer{
		RenderFunc: func(ctx context.Context, subTaskID, videoURL string) error {
			return assert.AnError
		},
	}
	p := poller.New(st, cl, merge, subtitle, nil, poller.Config{
		PollInterval:        20 * time.Millisecond,
		SubtitleFailureMode: "fail",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitForSubStatus(t, st, child.ID, store.SubFailed, 5*time.Second)
}

func TestPollerMarksChildFailedAfterMergeFailure(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	_, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{State: ports.MergeFailed, Err: "encoder rejected input"}, nil
		},
	}
	p := poller.New(st, cl, merge, &ports.FakeSubtitleRenderer{}, nil, poller.Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	final := waitForSubStatus(t, st, child.ID, store.SubFailed, 5*time.Second)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "encoder rejected input", *final.ErrorMessage)
}

func TestPollerFailsChildAfterMergeTimeoutElapses(t *testing.T) {
	st := testutil.NewStore(t)
	fake := clock.NewFake(time.Now())
	_, child := submittedChild(t, st, fake)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			t.Fatal("merge status must not be queried once the wall-clock timeout has elapsed")
			return ports.MergeStatus{}, nil
		},
	}
	p := poller.New(st, fake, merge, &ports.FakeSubtitleRenderer{}, nil, poller.Config{
		PollInterval: 20 * time.Millisecond,
		MergeTimeout: time.Minute,
	})
	fake.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	final := waitForSubStatus(t, st, child.ID, store.SubFailed, 5*time.Second)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "merge timeout", *final.ErrorMessage)
}

func TestPollerFailsChildAfterRepeatedPollErrorsExceedThreshold(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	_, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{}, assert.AnError
		},
	}
	p := poller.New(st, cl, merge, &ports.FakeSubtitleRenderer{}, nil, poller.Config{
		PollInterval:         10 * time.Millisecond,
		PollFailureThreshold: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	final := waitForSubStatus(t, st, child.ID, store.SubFailed, 10*time.Second)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "merge unreachable", *final.ErrorMessage)
}

func TestPollerAggregatesParentOnceAllChildrenTerminal(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	task, child := submittedChild(t, st, cl)

	merge := &ports.FakeVideoMergeClient{
		StatusFunc: func(ctx context.Context, externalID string) (ports.MergeStatus, error) {
			return ports.MergeStatus{State: ports.MergeSucceeded, VideoURL: "https://example.test/v.mp4"}, nil
		},
	}
	p := poller.New(st, cl, merge, &ports.FakeSubtitleRenderer{}, nil, poller.Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitForSubStatus(t, st, child.ID, store.SubCompleted, 5*time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		parent, err := st.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if parent.Status == store.TaskCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("parent task was never aggregated to completed")
}
