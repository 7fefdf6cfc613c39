// Package stages implements the five pipeline stage runners (spec §4.2).
// Every runner shares the `run(ctx, taskID) (Outcome, error)` shape and is
// idempotent: calling it twice on the same task produces the same
// persisted state, because each stage keys its work off append-only rows
// already written by a prior attempt.
package stages

import (
	"time"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/ports"
	"github.com/textloom/orchestrator/internal/store"
)

// Outcome is the result of running one stage, per spec §4.2.
type Outcome int

// Stage outcomes.
const (
	Advanced Outcome = iota
	Stalled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Advanced:
		return "advanced"
	case Stalled:
		return "stalled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps bundles everything a stage runner needs. Stages are plain functions
// over *Deps rather than methods on a stateful struct, matching the spec's
// requirement that each runner be stateless and independently retriable.
type Deps struct {
	Store *store.Store
	Clock clock.Clock
	IDs   clock.IDGenerator

	Fetcher   ports.MediaFetcher
	Uploader  ports.Uploader
	Analyzer  ports.MediaAnalyzer
	Generator ports.ScriptGenerator
	Submitter ports.VideoMergeSubmitter

	AnalysisParallelism int
	ScriptParallelism   int
	SubmitParallelism   int
	ScriptStyles        []string // rotation for variants 2..N (spec §4.2.3)
	CollaboratorTimeout time.Duration
}

func (d *Deps) collaboratorTimeout() time.Duration {
	if d.CollaboratorTimeout > 0 {
		return d.CollaboratorTimeout
	}
	return 2 * time.Minute
}

func ptr[T any](v T) *T { return &v }
