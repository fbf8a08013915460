package storage

import (
	"time"

	"github.com/golem-sh/golem/pkg/types"
)

// Store defines the persistence interface for tasks, conversation
// history, usage accounting, and small KV state. Scheduled jobs live
// in their own database file; see JobStore.
type Store interface {
	// Task operations
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasksByUser(userID string, limit int) ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)

	// Conversation history
	AppendHistory(entry *types.HistoryEntry) error
	RecentHistory(userID string, limit int) ([]*types.HistoryEntry, error)
	ClearHistory(userID string) error

	// Usage accounting
	RecordUsage(rec *types.UsageRecord) error
	UsageSince(since time.Time) ([]*types.UsageRecord, error)
	SpendSince(since time.Time) (float64, error)

	// Uploaded files
	PutFile(rec *types.FileRecord) error
	ListFiles(userID string, unconsumedOnly bool) ([]*types.FileRecord, error)
	MarkFilesConsumed(ids []string) error

	// Project memory: an append-only lesson log per project. The
	// deliverer writes one record per project task; the planner reads
	// the most recent ones back into the prompt.
	AppendProjectMemory(rec *types.ProjectMemoryRecord) error
	ProjectLessons(project string, limit int) ([]*types.ProjectMemoryRecord, error)

	// Context KV for small operational state (budget markers, etc.)
	SetKV(key, value string) error
	GetKV(key string) (string, error)

	// Maintenance
	RecoverStaleTasks() (int, error)
	PruneHistory(olderThan time.Time) (int, error)
	PruneUsage(olderThan time.Time) (int, error)

	Close() error
}
