package pipeline

import (
	"sync"
	"time"

	"github.com/golem-sh/golem/pkg/types"
)

// State carries a task through the pipeline. Each stage reads the
// fields it needs and fills in its outputs; nothing outside the
// pipeline mutates it while a run is in flight.
type State struct {
	TaskID              string
	UserID              string
	Message             string
	Files               []string
	ConversationContext string

	TaskType    types.TaskType
	Complexity  types.Complexity
	ProjectName string
	Project     *types.Project

	Plan            string
	Code            string
	ExecutionResult string
	ExtractedParams map[string]string
	WorkingDir      string
	AutoInstalled   []string

	AuditVerdict  types.Verdict
	AuditFeedback string
	RetryCount    int

	FinalResponse string
	Artifacts     []string

	StageTimings map[string]time.Duration
}

// NewState builds the initial state for a task run.
func NewState(taskID, userID, message string, files []string, conversationContext string) *State {
	return &State{
		TaskID:              taskID,
		UserID:              userID,
		Message:             message,
		Files:               files,
		ConversationContext: conversationContext,
		ExtractedParams:     map[string]string{},
		StageTimings:        map[string]time.Duration{},
	}
}

// Tracker holds the human-readable stage label per running task so the
// chat surface can stream progress while the pipeline works.
type Tracker struct {
	mu     sync.RWMutex
	stages map[string]string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{stages: make(map[string]string)}
}

// Set updates the stage label for a task.
func (t *Tracker) Set(taskID, stage string) {
	t.mu.Lock()
	t.stages[taskID] = stage
	t.mu.Unlock()
}

// Get returns the stage label for a task, or "" when untracked.
func (t *Tracker) Get(taskID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stages[taskID]
}

// Clear removes tracking for a finished task.
func (t *Tracker) Clear(taskID string) {
	t.mu.Lock()
	delete(t.stages, taskID)
	t.mu.Unlock()
}
