package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/stages"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/testutil"
	"github.com/textloom/orchestrator/internal/worker"
)

func scriptedScriptGenerator() *ports.FakeScriptGenerator {
	return &ports.FakeScriptGenerator{
		GenerateFunc: func(ctx context.Context, task ports.TaskContext, analyses []ports.AnalysisContext, style string) (ports.ScriptResult, error) {
			return ports.ScriptResult{
				Titles:             []string{"promo"},
				WordCount:          20,
				EstimatedDurationS: 30,
				Scenes:             []ports.ScriptSceneInput{{Text: "a scene", DurationS: 30}},
			}, nil
		},
	}
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want store.TaskStatus, timeout time.Duration) *store.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, want)
	return nil
}

func TestWorkerDrivesTaskThroughAllStagesToLeaseRelease(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	deps := &stages.Deps{
		Store:     st,
		Clock:     cl,
		IDs:       clock.UUIDGenerator{},
		Fetcher:   &ports.FakeMediaFetcher{},
		Uploader:  &ports.FakeUploader{},
		Analyzer:  &ports.FakeMediaAnalyzer{},
		Generator: scriptedScriptGenerator(),
		Submitter: &ports.FakeVideoMergeClient{},
	}

	task, err := st.CreateTask(context.Background(), deps.IDs, cl, store.CreateTaskSpec{
		Title:        "end to end",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := worker.New("w1", st, cl, deps, nil, worker.Config{
		PollInterval: 20 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var final *store.Task
	for time.Now().Before(deadline) {
		final, err = st.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if final.CurrentStage == store.StageVideoGeneration && final.WorkerID == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, final)
	assert.Equal(t, store.TaskProcessing, final.Status, "terminal resolution belongs to the poller, not the worker")
	assert.Nil(t, final.WorkerID, "lease must be released once stage 5 phase A completes")

	children, err := st.ChildrenOf(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, store.SubVideoProcessing, children[0].Status)
}

func TestWorkerFailsTaskWhenAStageErrors(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}
	deps := &stages.Deps{
		Store:   st,
		Clock:   cl,
		IDs:     clock.UUIDGenerator{},
		Fetcher: &ports.FakeMediaFetcher{
			FetchFunc: func(ctx context.Context, url, destDir string) (ports.FetchResult, error) {
				return ports.FetchResult{}, ports.NewCollaboratorError(ports.Permanent, assert.AnError)
			},
		},
		Uploader:  &ports.FakeUploader{},
		Analyzer:  &ports.FakeMediaAnalyzer{},
		Generator: scriptedScriptGenerator(),
		Submitter: &ports.FakeVideoMergeClient{},
	}

	task, err := st.CreateTask(context.Background(), deps.IDs, cl, store.CreateTaskSpec{
		Title:        "doomed to fail",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := worker.New("w2", st, cl, deps, nil, worker.Config{
		PollInterval: 20 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	final := waitForStatus(t, st, task.ID, store.TaskFailed, 5*time.Second)
	require.NotNil(t, final.ErrorMessage)
	assert.Nil(t, final.WorkerID)
}

func TestWorkerHonorsCancellationAtStageBoundary(t *testing.T) {
	st := testutil.NewStore(t)
	cl := clock.Real{}

	blockFetch := make(chan struct{})
	deps := &stages.Deps{
		Store: st,
		Clock: cl,
		IDs:   clock.UUIDGenerator{},
		Fetcher: &ports.FakeMediaFetcher{
			FetchFunc: func(ctx context.Context, url, destDir string) (ports.FetchResult, error) {
				<-blockFetch
				return ports.FetchResult{LocalPath: destDir + "/a", MimeType: "image/jpeg"}, nil
			},
		},
		Uploader:  &ports.FakeUploader{},
		Analyzer:  &ports.FakeMediaAnalyzer{},
		Generator: scriptedScriptGenerator(),
		Submitter: &ports.FakeVideoMergeClient{},
	}

	task, err := st.CreateTask(context.Background(), deps.IDs, cl, store.CreateTaskSpec{
		Title:        "cancel me",
		Mode:         store.ModeSingleScene,
		VariantCount: 1,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := worker.New("w3", st, cl, deps, nil, worker.Config{
		PollInterval: 20 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond,
		LeaseTTL:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// Wait for the worker to actually claim the task before cancelling it,
	// otherwise the cancel races ClaimTask's initial SELECT.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fresh, err := st.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if fresh.Status == store.TaskProcessing {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, _, err = st.CancelTask(context.Background(), cl, task.ID)
	require.NoError(t, err)
	close(blockFetch)

	final := waitForStatus(t, st, task.ID, store.TaskCancelled, 5*time.Second)
	assert.Nil(t, final.WorkerID)
}
