package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskCRUD(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		UserID: "U1",
		ChatID: "C1",
		Prompt: "plot the data",
		Status: types.TaskStatusPending,
	}
	require.NoError(t, store.CreateTask(task))
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "plot the data", got.Prompt)

	got.Status = types.TaskStatusCompleted
	require.NoError(t, store.UpdateTask(got))

	again, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, again.Status)

	_, err = store.GetTask("nonexistent")
	assert.Error(t, err)
}

func TestListTasksByUserNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateTask(&types.Task{
			UserID:    "U1",
			Prompt:    "task",
			Status:    types.TaskStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CreateTask(&types.Task{
		UserID: "U2",
		Prompt: "other user",
		Status: types.TaskStatusCompleted,
	}))

	tasks, err := store.ListTasksByUser("U1", 3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt))
	assert.True(t, tasks[1].CreatedAt.After(tasks[2].CreatedAt))
}

func TestHistoryOrderAndClear(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendHistory(&types.HistoryEntry{
			UserID:    "U1",
			Role:      "user",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := store.RecentHistory("U1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Oldest first within the window, window holds the newest entries.
	assert.Equal(t, "second", entries[0].Content)
	assert.Equal(t, "third", entries[1].Content)

	require.NoError(t, store.ClearHistory("U1"))
	entries, err = store.RecentHistory("U1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUsageAccounting(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, store.RecordUsage(&types.UsageRecord{
		Timestamp: float64(old.UnixNano()) / 1e9,
		Model:     "claude-sonnet-4-5",
		CostUSD:   1.50,
	}))
	require.NoError(t, store.RecordUsage(&types.UsageRecord{
		Timestamp: float64(now.UnixNano()) / 1e9,
		Model:     "claude-sonnet-4-5",
		CostUSD:   0.25,
	}))

	spend, err := store.SpendSince(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, spend, 1e-9)

	spend, err = store.SpendSince(old.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, spend, 1e-9)
}

func TestRecoverStaleTasks(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTask(&types.Task{UserID: "U1", Status: types.TaskStatusRunning}))
	require.NoError(t, store.CreateTask(&types.Task{UserID: "U1", Status: types.TaskStatusPending}))
	require.NoError(t, store.CreateTask(&types.Task{UserID: "U1", Status: types.TaskStatusCompleted}))

	n, err := store.RecoverStaleTasks()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	crashed, err := store.ListTasksByStatus(types.TaskStatusCrashed)
	require.NoError(t, err)
	assert.Len(t, crashed, 2)
	for _, task := range crashed {
		assert.NotEmpty(t, task.Error)
	}
}

func TestPruneHistory(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, store.AppendHistory(&types.HistoryEntry{
		UserID: "U1", Role: "user", Content: "ancient", CreatedAt: old,
	}))
	require.NoError(t, store.AppendHistory(&types.HistoryEntry{
		UserID: "U1", Role: "user", Content: "recent",
	}))

	n, err := store.PruneHistory(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := store.RecentHistory("U1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].Content)
}

func TestFileRecords(t *testing.T) {
	store := newTestStore(t)

	f1 := &types.FileRecord{UserID: "U1", Name: "data.csv", Path: "/tmp/data.csv"}
	f2 := &types.FileRecord{UserID: "U1", Name: "img.png", Path: "/tmp/img.png"}
	require.NoError(t, store.PutFile(f1))
	require.NoError(t, store.PutFile(f2))

	files, err := store.ListFiles("U1", true)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	require.NoError(t, store.MarkFilesConsumed([]string{f1.ID}))
	files, err = store.ListFiles("U1", true)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "img.png", files[0].Name)
}

func TestProjectMemoryAndKV(t *testing.T) {
	store := newTestStore(t)

	for i, lesson := range []string{"rsync needs -a for permissions", "hugo must run before deploy", "drafts flag breaks publish"} {
		require.NoError(t, store.AppendProjectMemory(&types.ProjectMemoryRecord{
			Project:   "blog",
			Outcome:   "failure",
			Lesson:    lesson,
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.AppendProjectMemory(&types.ProjectMemoryRecord{
		Project: "etl", Outcome: "success", Lesson: "unrelated project",
	}))

	lessons, err := store.ProjectLessons("blog", 2)
	require.NoError(t, err)
	require.Len(t, lessons, 2, "bounded by limit")
	assert.Equal(t, "drafts flag breaks publish", lessons[0].Lesson, "newest first")
	assert.Equal(t, "hugo must run before deploy", lessons[1].Lesson)

	lessons, err = store.ProjectLessons("missing", 5)
	require.NoError(t, err)
	assert.Empty(t, lessons)

	require.NoError(t, store.SetKV("budget_warned", "1"))
	v, err := store.GetKV("budget_warned")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = store.GetKV("missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestCleanupWorkspace(t *testing.T) {
	root := t.TempDir()

	oldDir := filepath.Join(root, "task-old")
	newDir := filepath.Join(root, "task-new")
	require.NoError(t, os.Mkdir(oldDir, 0755))
	require.NoError(t, os.Mkdir(newDir, 0755))

	past := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	removed, err := CleanupWorkspace(root, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(newDir)
	assert.NoError(t, err)
	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))
}
