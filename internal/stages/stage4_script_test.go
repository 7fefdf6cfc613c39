package stages_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/stages"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/testutil"
)

func setupTaskWithChildren(t *testing.T, st *store.Store, d *stages.Deps, variantCount int) (*store.Task, []store.SubVideoTask) {
	t.Helper()
	task, err := st.CreateTask(context.Background(), d.IDs, d.Clock, store.CreateTaskSpec{
		Title:        "script gen",
		Mode:         store.ModeMultiScene,
		VariantCount: variantCount,
		MediaURLs:    []string{"https://example.test/a.jpg"},
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)

	children, err := st.CreateSubVideoTasks(context.Background(), d.IDs, d.Clock, task.ID, variantCount, []string{"default"})
	require.NoError(t, err)
	return task, children
}

func TestRunScriptGenerationAdvancesWhenAllChildrenSucceed(t *testing.T) {
	st := testutil.NewStore(t)
	d := newTestDeps(t, st)
	task, _ := setupTaskWithChildren(t, st, d, 2)

	outcome, err := stages.RunScriptGeneration(context.Background(), d, task.ID)
	require.NoError(t, err)
	assert.Equal(t, stages.Advanced, outcome)

	children, err := st.ChildrenOf(context.Background(), task.ID)
	require.NoError(t, err)
	for _, c := range children {
		assert.Equal(t, store.SubScriptReady, c.Status)
		require.NotNil(t, c.ScriptID)
	}
}

func TestRunScriptGenerationFailsWhenEveryChildFails(t *testing.T) {
	st := testutil.NewStore(t)
	d := newTestDeps(t, st)
	d.Generator = &ports.FakeScriptGenerator{
		GenerateFunc: func(ctx context.Context, task ports.TaskContext, analyses []ports.AnalysisContext, style string) (ports.ScriptResult, error) {
			return ports.ScriptResult{}, ports.NewCollaboratorError(ports.Permanent, assert.AnError)
		},
	}
	task, _ := setupTaskWithChildren(t, st, d, 2)

	outcome, err := stages.RunScriptGeneration(context.Background(), d, task.ID)
	require.NoError(t, err)
	assert.Equal(t, stages.Failed, outcome)

	children, err := st.ChildrenOf(context.Background(), task.ID)
	require.NoError(t, err)
	for _, c := range children {
		assert.Equal(t, store.SubScriptFailed, c.Status)
	}
}

func TestRunScriptGenerationAdvancesOnPartialSuccess(t *testing.T) {
	st := testutil.NewStore(t)
	d := newTestDeps(t, st)
	task, _ := setupTaskWithChildren(t, st, d, 3)

	var mu sync.Mutex
	calls := 0
	d.Generator = &ports.FakeScriptGenerator{
		GenerateFunc: func(ctx context.Context, taskCtx ports.TaskContext, analyses []ports.AnalysisContext, style string) (ports.ScriptResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				return ports.ScriptResult{}, ports.NewCollaboratorError(ports.Permanent, assert.AnError)
			}
			return ports.ScriptResult{Titles: []string{"t"}, WordCount: 5, EstimatedDurationS: 10,
				Scenes: []ports.ScriptSceneInput{{Text: "s", DurationS: 10}}}, nil
		},
	}

	outcome, err := stages.RunScriptGeneration(context.Background(), d, task.ID)
	require.NoError(t, err)
	assert.Equal(t, stages.Advanced, outcome, "at least one child scripted successfully is enough to advance")

	children, err := st.ChildrenOf(context.Background(), task.ID)
	require.NoError(t, err)
	var ready, failed int
	for _, c := range children {
		switch c.Status {
		case store.SubScriptReady:
			ready++
		case store.SubScriptFailed:
			failed++
		}
	}
	assert.Equal(t, 2, ready)
	assert.Equal(t, 1, failed)
}
