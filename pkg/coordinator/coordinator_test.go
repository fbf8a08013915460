package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/pipeline"
	"github.com/golem-sh/golem/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	history  []*types.HistoryEntry
	files    []*types.FileRecord
	consumed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*types.Task)}
}

func (f *fakeStore) CreateTask(task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.tasks[task.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateTask(task *types.Task) error {
	return f.CreateTask(task)
}

func (f *fakeStore) GetTask(id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		copied := *task
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) AppendHistory(entry *types.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) RecentHistory(userID string, limit int) ([]*types.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.HistoryEntry
	for _, e := range f.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListFiles(userID string, unconsumedOnly bool) ([]*types.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.FileRecord(nil), f.files...), nil
}

func (f *fakeStore) MarkFilesConsumed(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, ids...)
	return nil
}

type fakeGuard struct {
	mu       sync.Mutex
	admitErr error
	inFlight int
	admits   int
}

func (f *fakeGuard) Admit(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return f.admitErr
	}
	f.admits++
	f.inFlight++
	return nil
}

func (f *fakeGuard) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
}

func (f *fakeGuard) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// fakePipe runs a configurable function per task instead of the real
// staged pipeline.
type fakePipe struct {
	mu     sync.Mutex
	stages *pipeline.Tracker
	run    func(st *pipeline.State) *pipeline.State
	states []*pipeline.State
}

func newFakePipe(run func(st *pipeline.State) *pipeline.State) *fakePipe {
	return &fakePipe{stages: pipeline.NewTracker(), run: run}
}

func (f *fakePipe) Run(ctx context.Context, st *pipeline.State) *pipeline.State {
	f.mu.Lock()
	f.states = append(f.states, st)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(st)
	}
	st.AuditVerdict = types.VerdictPass
	st.FinalResponse = "done"
	return st
}

func (f *fakePipe) Stages() *pipeline.Tracker { return f.stages }

func (f *fakePipe) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

type sentMessage struct {
	chatID string
	text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []sentMessage
	edits []sentMessage
	files []string
}

func (f *fakeNotifier) Send(chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMessage{chatID, text})
	return "msg-1", nil
}

func (f *fakeNotifier) Edit(chatID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{chatID, text})
	return nil
}

func (f *fakeNotifier) SendFile(chatID, path, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeNotifier) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sends {
		out = append(out, m.text)
	}
	return out
}

func testCoordinator(t *testing.T, pipe TaskRunner, store *fakeStore, notifier *fakeNotifier) (*Coordinator, *fakeGuard) {
	t.Helper()
	guard := &fakeGuard{}
	c := New(Config{
		LongTimeout:    time.Minute,
		StatusInterval: 10 * time.Millisecond,
		OutputsDir:     t.TempDir(),
		HomeDir:        "/home/op",
	}, store, guard, pipe, nil, notifier, nil)
	return c, guard
}

func waitForStatus(t *testing.T, store *fakeStore, taskID string, status types.TaskStatus) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		task, _ = store.GetTask(taskID)
		return task != nil && task.Status == status
	}, 3*time.Second, 5*time.Millisecond)
	return task
}

func TestSubmitRunsTaskAndDelivers(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("a,b\n1,2\n"), 0644))

	pipe := newFakePipe(func(st *pipeline.State) *pipeline.State {
		st.TaskType = types.TaskTypeData
		st.AuditVerdict = types.VerdictPass
		st.FinalResponse = "Analysis complete: 2 rows."
		st.Artifacts = []string{artifact}
		return st
	})
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c, guard := testCoordinator(t, pipe, store, notifier)

	taskID, err := c.Submit(context.Background(), "u1", "chat-1", "analyse the data")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task := waitForStatus(t, store, taskID, types.TaskStatusCompleted)
	assert.Equal(t, types.TaskTypeData, task.Type)
	assert.Equal(t, "Analysis complete: 2 rows.", task.Result)

	texts := notifier.sentTexts()
	require.GreaterOrEqual(t, len(texts), 2, "status message plus result")
	assert.Contains(t, texts[len(texts)-1], "Analysis complete")

	notifier.mu.Lock()
	files := append([]string(nil), notifier.files...)
	notifier.mu.Unlock()
	require.Len(t, files, 1)
	assert.Equal(t, artifact, files[0])

	assert.Eventually(t, func() bool { return guard.InFlight() == 0 }, time.Second, 5*time.Millisecond,
		"guard slot released")
}

func TestSubmitRefusedByGuard(t *testing.T) {
	pipe := newFakePipe(nil)
	store := newFakeStore()
	c, guard := testCoordinator(t, pipe, store, &fakeNotifier{})
	guard.admitErr = types.NewTaskError(types.ErrKindResource, "at capacity (3 tasks running)", nil)

	_, err := c.Submit(context.Background(), "u1", "chat-1", "do something")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindResource, types.KindOf(err))
	assert.Zero(t, pipe.runCount(), "refused tasks never reach the pipeline")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.tasks, "no record for a refused task")
}

func TestSubmitSnapshotsAndConsumesFiles(t *testing.T) {
	pipe := newFakePipe(nil)
	store := newFakeStore()
	store.files = []*types.FileRecord{
		{ID: "f1", UserID: "u1", Name: "sales.csv", Path: "/uploads/sales.csv"},
	}
	c, _ := testCoordinator(t, pipe, store, &fakeNotifier{})

	taskID, err := c.Submit(context.Background(), "u1", "chat-1", "analyse the upload")
	require.NoError(t, err)
	waitForStatus(t, store, taskID, types.TaskStatusCompleted)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.consumed) == 1
	}, time.Second, 5*time.Millisecond)

	pipe.mu.Lock()
	defer pipe.mu.Unlock()
	require.Len(t, pipe.states, 1)
	assert.Equal(t, []string{"/uploads/sales.csv"}, pipe.states[0].Files)
}

func TestSubmitRecordsConversationHistory(t *testing.T) {
	pipe := newFakePipe(nil)
	store := newFakeStore()
	c, _ := testCoordinator(t, pipe, store, &fakeNotifier{})

	taskID, err := c.Submit(context.Background(), "u1", "chat-1", "first question")
	require.NoError(t, err)
	waitForStatus(t, store, taskID, types.TaskStatusCompleted)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.history) == 2
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "user", store.history[0].Role)
	assert.Equal(t, "first question", store.history[0].Content)
	assert.Equal(t, "assistant", store.history[1].Role)
}

func TestCancelValidation(t *testing.T) {
	c, _ := testCoordinator(t, newFakePipe(nil), newFakeStore(), &fakeNotifier{})

	_, err := c.Cancel("short")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindInvalid, types.KindOf(err))

	_, err = c.Cancel("deadbeef")
	require.Error(t, err, "no running task with that prefix")
}

func TestStageReportsTrackedTasks(t *testing.T) {
	pipe := newFakePipe(nil)
	c, _ := testCoordinator(t, pipe, newFakeStore(), &fakeNotifier{})

	assert.Empty(t, c.Stage("unknown-task"))

	pipe.stages.Set("task-1", "auditing")
	assert.Equal(t, "auditing", c.Stage("task-1"))

	pipe.stages.Clear("task-1")
	assert.Empty(t, c.Stage("task-1"))
}

func TestFormatStatusSanitisesTail(t *testing.T) {
	c, _ := testCoordinator(t, newFakePipe(nil), newFakeStore(), &fakeNotifier{})

	view := c.formatStatus("0123456789ab", "executing", "reading /home/op/secret/data.csv")
	assert.Contains(t, view, "Task 01234567: executing")
	assert.NotContains(t, view, "/home/op")
	assert.Contains(t, view, "data.csv")
}

func TestHashViewGatesIdenticalSnapshots(t *testing.T) {
	a := hashView("Task 01234567: executing...\nline 1")
	b := hashView("Task 01234567: executing...\nline 1")
	d := hashView("Task 01234567: executing...\nline 2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, d)
}
