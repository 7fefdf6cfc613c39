package ports

import "context"

// FakeMediaFetcher is a deterministic, in-memory ports.MediaFetcher for
// tests, following the reference service's mockLLMClient pattern of a
// function field per call so each test configures only the behavior it
// needs.
type FakeMediaFetcher struct {
	FetchFunc func(ctx context.Context, url, destDir string) (FetchResult, error)
}

func (f *FakeMediaFetcher) Fetch(ctx context.Context, url, destDir string) (FetchResult, error) {
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, url, destDir)
	}
	return FetchResult{LocalPath: destDir + "/fake", Bytes: 1024, MimeType: "video/mp4"}, nil
}

// FakeMediaAnalyzer is a deterministic ports.MediaAnalyzer for tests.
type FakeMediaAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, item MediaItemInput) (AnalysisResult, error)
}

func (f *FakeMediaAnalyzer) Analyze(ctx context.Context, item MediaItemInput) (AnalysisResult, error) {
	if f.AnalyzeFunc != nil {
		return f.AnalyzeFunc(ctx, item)
	}
	return AnalysisResult{Description: "fake analysis", Theme: "generic"}, nil
}

// FakeScriptGenerator is a deterministic ports.ScriptGenerator for tests.
type FakeScriptGenerator struct {
	GenerateFunc func(ctx context.Context, task TaskContext, analyses []AnalysisContext, style string) (ScriptResult, error)
}

func (f *FakeScriptGenerator) Generate(ctx context.Context, task TaskContext, analyses []AnalysisContext, style string) (ScriptResult, error) {
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, task, analyses, style)
	}
	return ScriptResult{
		Titles:             []string{"fake title"},
		WordCount:          10,
		EstimatedDurationS: 30,
		Scenes:             []ScriptSceneInput{{Text: "a scene", DurationS: 30}},
	}, nil
}

// FakeVideoMergeClient is a deterministic ports.VideoMergeSubmitter +
// ports.VideoMergePoller for tests: Submit records idempotency keys so a
// test can assert exactly-once submission, Status returns StatusFunc's
// result when set and otherwise a MergeSucceeded status whose VideoURL is
// https://example.test/<externalID>.
type FakeVideoMergeClient struct {
	SubmitFunc func(ctx context.Context, payload []byte, idempotencyKey string) (string, error)
	StatusFunc func(ctx context.Context, externalID string) (MergeStatus, error)

	SubmittedKeys []string
}

func (f *FakeVideoMergeClient) Submit(ctx context.Context, payload []byte, idempotencyKey string) (string, error) {
	f.SubmittedKeys = append(f.SubmittedKeys, idempotencyKey)
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, payload, idempotencyKey)
	}
	return "ext-" + idempotencyKey, nil
}

func (f *FakeVideoMergeClient) Status(ctx context.Context, externalID string) (MergeStatus, error) {
	if f.StatusFunc != nil {
		return f.StatusFunc(ctx, externalID)
	}
	return MergeStatus{State: MergeSucceeded, VideoURL: "https://example.test/" + externalID}, nil
}

// FakeSubtitleRenderer is a deterministic ports.SubtitleRenderer for tests.
type FakeSubtitleRenderer struct {
	RenderFunc func(ctx context.Context, subTaskID, videoURL string) error
	Calls      []string
}

func (f *FakeSubtitleRenderer) Render(ctx context.Context, subTaskID, videoURL string) error {
	f.Calls = append(f.Calls, subTaskID)
	if f.RenderFunc != nil {
		return f.RenderFunc(ctx, subTaskID, videoURL)
	}
	return nil
}

// FakeUploader is a deterministic ports.Uploader for tests.
type FakeUploader struct {
	PutFunc func(ctx context.Context, localPath string) (string, error)
}

func (f *FakeUploader) Put(ctx context.Context, localPath string) (string, error) {
	if f.PutFunc != nil {
		return f.PutFunc(ctx, localPath)
	}
	return "https://example.test/uploads/" + localPath, nil
}
