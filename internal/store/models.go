package store

import "time"

// TaskStatus is the lifecycle status of a parent Task.
type TaskStatus string

// Task statuses, per spec §3.
const (
	TaskPending        TaskStatus = "pending"
	TaskProcessing     TaskStatus = "processing"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
	TaskPartialSuccess TaskStatus = "partial_success"
)

// Terminal reports whether s is a terminal Task status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskPartialSuccess:
		return true
	default:
		return false
	}
}

// Stage is one of the five ordered pipeline phases, plus the sentinel
// "completed" value used once the parent has reached a terminal state.
type Stage string

// Pipeline stages, per spec §3.
const (
	StageMaterialProcessing Stage = "material_processing"
	StageMaterialAnalysis   Stage = "material_analysis"
	StageSubtaskCreation    Stage = "subtask_creation"
	StageScriptGeneration   Stage = "script_generation"
	StageVideoGeneration    Stage = "video_generation"
	StageCompleted          Stage = "completed"
)

// TaskMode selects single- or multi-scene scripting.
type TaskMode string

// Task modes.
const (
	ModeSingleScene TaskMode = "single_scene"
	ModeMultiScene  TaskMode = "multi_scene"
)

// taskAllowedTransitions is the Task status allowlist from spec §3: keys are
// current status, values are the statuses a patch may move to.
var taskAllowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskProcessing: true,
		TaskCancelled:  true,
	},
	TaskProcessing: {
		TaskCompleted:      true,
		TaskFailed:         true,
		TaskCancelled:      true,
		TaskPartialSuccess: true,
	},
}

// Task is one row of the tasks table (spec §3, Task).
type Task struct {
	ID                 string     `db:"id"`
	Title              string     `db:"title"`
	Description        *string    `db:"description"`
	Mode               TaskMode   `db:"mode"`
	ScriptStyleDefault string     `db:"script_style_default"`
	VariantCount       int        `db:"variant_count"`
	MediaURLs          StringSlice `db:"media_urls"`
	MediaMeta          *JSONBlob  `db:"media_meta"`
	Status             TaskStatus `db:"status"`
	Progress           int        `db:"progress"`
	CurrentStage       Stage      `db:"current_stage"`
	StageMessage       *string    `db:"stage_message"`
	StartedAt          *time.Time `db:"started_at"`
	CompletedAt        *time.Time `db:"completed_at"`
	VideoURL           *string    `db:"video_url"`
	ThumbnailURL       *string    `db:"thumbnail_url"`
	VideoDurationMs    *int       `db:"video_duration_ms"`
	ErrorMessage       *string    `db:"error_message"`
	WorkspaceDir       string     `db:"workspace_dir"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
	WorkerID           *string    `db:"worker_id"`
	LeaseExpiresAt     *time.Time `db:"lease_expires_at"`
	ReclaimCount       int        `db:"reclaim_count"`
}

// SubStatus is the lifecycle status of a SubVideoTask.
type SubStatus string

// SubVideoTask statuses, per spec §3.
const (
	SubPending             SubStatus = "pending"
	SubScriptGenerating    SubStatus = "script_generating"
	SubScriptReady         SubStatus = "script_ready"
	SubScriptFailed        SubStatus = "script_failed"
	SubVideoSubmitting     SubStatus = "video_submitting"
	SubVideoProcessing     SubStatus = "video_processing"
	SubProcessingSubtitles SubStatus = "processing_subtitles"
	SubCompleted           SubStatus = "completed"
	SubFailed              SubStatus = "failed"
)

// Terminal reports whether s is a terminal SubVideoTask status.
func (s SubStatus) Terminal() bool {
	switch s {
	case SubCompleted, SubFailed, SubScriptFailed:
		return true
	default:
		return false
	}
}

var subtaskAllowedTransitions = map[SubStatus]map[SubStatus]bool{
	SubPending: {
		SubScriptGenerating: true,
	},
	SubScriptGenerating: {
		SubScriptReady:  true,
		SubScriptFailed: true,
	},
	SubScriptReady: {
		SubVideoSubmitting: true,
	},
	SubVideoSubmitting: {
		SubVideoProcessing: true,
		SubFailed:          true,
	},
	SubVideoProcessing: {
		SubProcessingSubtitles: true,
		SubFailed:              true,
		SubCompleted:           true,
	},
	SubProcessingSubtitles: {
		SubCompleted: true,
		SubFailed:    true,
	},
}

// SubVideoTask is one row of the sub_video_tasks table (spec §3, SubVideoTask).
type SubVideoTask struct {
	ID              string     `db:"id"`
	ParentTaskID    string     `db:"parent_task_id"`
	VariantIndex    int        `db:"variant_index"`
	ScriptStyle     string     `db:"script_style"`
	Status          SubStatus  `db:"status"`
	Progress        int        `db:"progress"`
	ScriptID        *string    `db:"script_id"`
	ScriptPayload   *JSONBlob  `db:"script_payload"`
	ExternalMergeID *string    `db:"external_merge_id"`
	VideoURL        *string    `db:"video_url"`
	ThumbnailURL    *string    `db:"thumbnail_url"`
	DurationMs      *int       `db:"duration_ms"`
	ErrorMessage    *string    `db:"error_message"`
	SubmittedAt     *time.Time `db:"submitted_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// MediaType classifies a downloaded asset.
type MediaType string

// Media types, per spec §3.
const (
	MediaMarkdown MediaType = "markdown"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
)

// MediaItem is one row of the media_items table (spec §3, MediaItem).
type MediaItem struct {
	ID          string     `db:"id"`
	TaskID      string     `db:"task_id"`
	OriginalURL string     `db:"original_url"`
	LocalPath   string     `db:"local_path"`
	RemoteURL   string     `db:"remote_url"`
	MediaType   MediaType  `db:"media_type"`
	FileSize    int64      `db:"file_size"`
	MimeType    string     `db:"mime_type"`
	Resolution  *string    `db:"resolution"`
	DurationMs  *int       `db:"duration_ms"`
	CreatedAt   time.Time  `db:"created_at"`
}

// AnalysisStatus is the outcome of analyzing a single MediaItem.
type AnalysisStatus string

// Analysis statuses, per spec §3.
const (
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// MaterialAnalysis is one row of the material_analyses table (spec §3).
type MaterialAnalysis struct {
	ID           string         `db:"id"`
	TaskID       string         `db:"task_id"`
	MediaItemID  string         `db:"media_item_id"`
	Description  string         `db:"description"`
	Tags         StringSlice    `db:"tags"`
	Theme        *string        `db:"theme"`
	Status       AnalysisStatus `db:"status"`
	QualityScore *float64       `db:"quality_score"`
	CreatedAt    time.Time      `db:"created_at"`
}

// ScriptContent is one row of the script_contents table (spec §3).
type ScriptContent struct {
	ID                  string    `db:"id"`
	SubTaskID           string    `db:"sub_task_id"`
	Style               string    `db:"style"`
	Titles              StringSlice `db:"titles"`
	WordCount           int       `db:"word_count"`
	SceneCount          int       `db:"scene_count"`
	EstimatedDurationS  int       `db:"estimated_duration_s"`
	Scenes              JSONBlob  `db:"scenes"`
	CreatedAt           time.Time `db:"created_at"`
}

// Scene is one entry of ScriptContent.Scenes once decoded.
type Scene struct {
	Text         string   `json:"text"`
	DurationS    int      `json:"duration_s"`
	MediaItemIDs []string `json:"media_item_ids"`
}
