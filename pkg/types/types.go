package types

import (
	"time"
)

// TaskType classifies what kind of work a task represents. The
// classifier assigns exactly one type per task and every downstream
// stage branches on it.
type TaskType string

const (
	TaskTypeCode       TaskType = "code"
	TaskTypeData       TaskType = "data"
	TaskTypeFile       TaskType = "file"
	TaskTypeAutomation TaskType = "automation"
	TaskTypeProject    TaskType = "project"
	TaskTypeFrontend   TaskType = "frontend"
	TaskTypeUIDesign   TaskType = "ui_design"
	TaskTypeGeneral    TaskType = "general"
)

// Complexity is the classifier's difficulty estimate, used by the
// model router to decide between local and remote models.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// TaskStatus represents task lifecycle state
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCrashed   TaskStatus = "crashed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Stage names the pipeline stage a task is currently in.
type Stage string

const (
	StageClassify Stage = "classify"
	StagePlan     Stage = "plan"
	StageExecute  Stage = "execute"
	StageAudit    Stage = "audit"
	StageDeliver  Stage = "deliver"
)

// Task is a single unit of user-requested work flowing through the
// pipeline.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ChatID      string     `json:"chat_id"`
	Prompt      string     `json:"prompt"`
	Type        TaskType   `json:"type,omitempty"`
	Complexity  Complexity `json:"complexity,omitempty"`
	Status      TaskStatus `json:"status"`
	Stage       Stage      `json:"stage,omitempty"`
	ProjectName string     `json:"project_name,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// HistoryEntry is a persisted conversation turn used to seed prompt
// context for follow-up tasks.
type HistoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelTier selects which provider class served a call.
type ModelTier string

const (
	ModelTierRemote ModelTier = "remote"
	ModelTierLocal  ModelTier = "local"
)

// UsageRecord is one accounting row per model call. Timestamp is kept
// as a numeric epoch so budget windows are computed without parsing.
type UsageRecord struct {
	ID           string    `json:"id"`
	Timestamp    float64   `json:"timestamp"` // unix seconds
	Model        string    `json:"model"`
	Tier         ModelTier `json:"tier"`
	Stage        string    `json:"stage"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	// ThinkingTokens is informational; the provider bills thinking as
	// output, so it never feeds cost math.
	ThinkingTokens int64   `json:"thinking_tokens,omitempty"`
	CostUSD        float64 `json:"cost_usd"`
	TaskID         string  `json:"task_id,omitempty"`
}

// ExecResult captures one sandbox run.
type ExecResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Traceback string        `json:"traceback,omitempty"`
}

// Success reports whether the run exited cleanly within its deadline.
func (r *ExecResult) Success() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Verdict is the auditor's judgement of an execution.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// AuditReport is the structured output of the audit stage.
type AuditReport struct {
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
	// EnvError marks failures caused by the environment rather than
	// the generated code; these do not consume retry attempts.
	EnvError bool `json:"env_error,omitempty"`
}

// Project describes a registered long-lived workspace with its own
// execution policy.
type Project struct {
	Name         string            `json:"name" yaml:"name"`
	Path         string            `json:"path" yaml:"path"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers     []string          `json:"triggers" yaml:"triggers"`
	Commands     map[string]string `json:"commands,omitempty" yaml:"commands,omitempty"`
	Venv         string            `json:"venv,omitempty" yaml:"venv,omitempty"`
	RequiresFile bool              `json:"requires_file,omitempty" yaml:"requires_file,omitempty"`
	TimeoutSecs  int               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ScheduledJob is a recurring or one-shot task registration.
type ScheduledJob struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Prompt    string    `json:"prompt"`
	Schedule  string    `json:"schedule"` // interval spec, e.g. "daily@09:00" or "every 2h"
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectMemoryRecord is one lesson learned from running a project
// task, written by the deliverer and injected into later plans.
type ProjectMemoryRecord struct {
	Project   string    `json:"project"`
	Outcome   string    `json:"outcome"` // "success" or "failure"
	Lesson    string    `json:"lesson"`
	Timestamp time.Time `json:"timestamp"`
}

// SidecarStage is one stage timing entry in a debug sidecar.
type SidecarStage struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
}

// DebugSidecar is the per-task diagnostic record written next to the
// task's outputs and read back by the debug command.
type DebugSidecar struct {
	TaskID          string         `json:"task_id"`
	Message         string         `json:"message"`
	TaskType        string         `json:"task_type"`
	Stages          []SidecarStage `json:"stages"`
	TotalDurationMS int64          `json:"total_duration_ms"`
	Verdict         string         `json:"verdict"`
	RetryCount      int            `json:"retry_count"`
}

// FileRecord tracks an uploaded input file awaiting consumption.
type FileRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	Consumed   bool      `json:"consumed"`
}
