// Package ports defines the narrow collaborator contracts the orchestration
// core depends on (spec §6.5). The core never imports a concrete
// collaborator adapter directly — only these interfaces — so every
// external system (media host, LLM, video-merge service, subtitle
// renderer, object store) can fail or be replaced without touching the
// state machine.
package ports

import (
	"context"
)

// ErrorKind classifies a collaborator failure by its effect on the state
// machine (spec §7's error taxonomy).
type ErrorKind string

// Collaborator error kinds.
const (
	// Transient means a retriable signal or network error.
	Transient ErrorKind = "TRANSIENT"
	// Permanent means the call cannot succeed no matter how many times it
	// is retried.
	Permanent ErrorKind = "PERMANENT"
	// Unsupported means the input is structurally outside what this
	// collaborator can ever handle (e.g. an unrecognized media type).
	Unsupported ErrorKind = "UNSUPPORTED"
	// Quota means the call failed due to a rate limit or quota exhaustion.
	Quota ErrorKind = "QUOTA"
)

// CollaboratorError wraps a collaborator failure with its ErrorKind so
// stage runners and the Poller can branch on effect rather than string
// matching.
type CollaboratorError struct {
	Kind ErrorKind
	Err  error
}

func (e *CollaboratorError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError constructs a CollaboratorError.
func NewCollaboratorError(kind ErrorKind, err error) error {
	return &CollaboratorError{Kind: kind, Err: err}
}

// FetchResult is the successful output of MediaFetcher.Fetch.
type FetchResult struct {
	LocalPath  string
	Bytes      int64
	MimeType   string
	Resolution string
	DurationMs *int
}

// MediaFetcher downloads one source URL under destDir, the task's workspace
// directory (the HTTP adapter writes into its media/ subdirectory). The
// per-call deadline is carried on ctx (spec §6.4's
// collaborator timeouts are applied by the caller via context.WithTimeout).
// Fails with {Transient, Permanent, Unsupported}.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string, destDir string) (FetchResult, error)
}

// AnalysisResult is the successful output of MediaAnalyzer.Analyze.
type AnalysisResult struct {
	Description  string
	Tags         []string
	Theme        string
	QualityScore *float64
}

// MediaItemInput is the subset of a MediaItem the analyzer needs.
type MediaItemInput struct {
	ID         string
	LocalPath  string
	RemoteURL  string
	MediaType  string
	MimeType   string
}

// MediaAnalyzer produces a description/tag/theme analysis of one
// downloaded asset. Fails with {Transient, Permanent}.
type MediaAnalyzer interface {
	Analyze(ctx context.Context, item MediaItemInput) (AnalysisResult, error)
}

// ScriptSceneInput mirrors store.Scene for the generator's output contract
// without importing the store package from ports.
type ScriptSceneInput struct {
	Text         string
	DurationS    int
	MediaItemIDs []string
}

// ScriptResult is the successful output of ScriptGenerator.Generate.
type ScriptResult struct {
	Titles             []string
	WordCount          int
	EstimatedDurationS int
	Scenes             []ScriptSceneInput
}

// TaskContext carries the parent task attributes a generator needs,
// without importing store directly.
type TaskContext struct {
	TaskID             string
	Title              string
	Description        string
	Mode               string
	ScriptStyleDefault string
}

// AnalysisContext mirrors a MaterialAnalysis row for generator input.
type AnalysisContext struct {
	MediaItemID string
	Description string
	Tags        []string
	Theme       string
}

// ScriptGenerator produces one child's script from the parent's analyses.
// Fails with {Transient, Permanent, Quota}.
type ScriptGenerator interface {
	Generate(ctx context.Context, task TaskContext, analyses []AnalysisContext, style string) (ScriptResult, error)
}

// VideoMergeSubmitter posts a script + media bundle to the external
// video-composition service. Must be idempotent on idempotencyKey for at
// least 24h (spec §6.5).
type VideoMergeSubmitter interface {
	Submit(ctx context.Context, payload []byte, idempotencyKey string) (externalID string, err error)
}

// MergeState is the external job state reported by VideoMergePoller.Status.
type MergeState string

// Merge states.
const (
	MergeProcessing MergeState = "processing"
	MergeSucceeded  MergeState = "succeeded"
	MergeFailed     MergeState = "failed"
)

// MergeStatus is the successful output of VideoMergePoller.Status.
type MergeStatus struct {
	State        MergeState
	VideoURL     string
	ThumbnailURL string
	DurationMs   int
	Err          string
}

// VideoMergePoller queries the status of a previously submitted merge job.
type VideoMergePoller interface {
	Status(ctx context.Context, externalID string) (MergeStatus, error)
}

// SubtitleRenderer burns subtitles into a completed video. May be
// long-running; runs out-of-band (spec §6.5).
type SubtitleRenderer interface {
	Render(ctx context.Context, subTaskID, videoURL string) error
}

// Uploader pushes a local file to durable object storage and returns its
// public/remote URL.
type Uploader interface {
	Put(ctx context.Context, localPath string) (remoteURL string, err error)
}
