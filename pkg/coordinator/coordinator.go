// Package coordinator is the entry point the chat surface calls. It
// admits tasks through the resource guards, runs the pipeline in a
// worker goroutine, streams stage and live-output updates back to the
// chat, delivers results and artifacts, and supports strict-AND
// chaining of sub-prompts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/events"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/metrics"
	"github.com/golem-sh/golem/pkg/pipeline"
	"github.com/golem-sh/golem/pkg/types"
)

// Notifier is the chat surface the coordinator talks back through.
// Send returns a message id usable for later edits.
type Notifier interface {
	Send(chatID, text string) (string, error)
	Edit(chatID, messageID, text string) error
	SendFile(chatID, path, title string) error
}

// TaskStore is the slice of storage the coordinator needs.
type TaskStore interface {
	CreateTask(task *types.Task) error
	UpdateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	AppendHistory(entry *types.HistoryEntry) error
	RecentHistory(userID string, limit int) ([]*types.HistoryEntry, error)
	ListFiles(userID string, unconsumedOnly bool) ([]*types.FileRecord, error)
	MarkFilesConsumed(ids []string) error
}

// Admitter gates task admission.
type Admitter interface {
	Admit(userID string) error
	Release()
	InFlight() int
}

// TaskRunner runs the staged pipeline. *pipeline.Pipeline satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, st *pipeline.State) *pipeline.State
	Stages() *pipeline.Tracker
}

// Tailer exposes the live stdout ring for status updates.
type Tailer interface {
	Tail(taskID string, n int) string
	Remove(taskID string)
}

// Config holds coordinator settings.
type Config struct {
	// LongTimeout bounds one whole pipeline run.
	LongTimeout time.Duration
	// StatusInterval is the status-edit poll period.
	StatusInterval time.Duration
	// TailLines is how many live output lines the status shows.
	TailLines int
	// MaxUploadBytes skips artifacts too large for the chat platform.
	MaxUploadBytes int64
	// HistoryTurns caps the conversation context fed to the planner.
	HistoryTurns int
	// OutputsDir holds debug sidecars; HomeDir drives sanitisation.
	OutputsDir string
	HomeDir    string
	// DebugDumps additionally writes a full pipeline state dump per task.
	DebugDumps bool
}

// Coordinator owns task lifecycle records and the submission flow.
type Coordinator struct {
	cfg      Config
	store    TaskStore
	guard    Admitter
	pipe     TaskRunner
	live     Tailer
	notifier Notifier
	broker   *events.Broker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Coordinator. live, notifier, and broker may be nil;
// the corresponding features degrade to no-ops.
func New(cfg Config, store TaskStore, guard Admitter, pipe TaskRunner, live Tailer, notifier Notifier, broker *events.Broker) *Coordinator {
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = 15 * time.Minute
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 3 * time.Second
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 3
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		guard:    guard,
		pipe:     pipe,
		live:     live,
		notifier: notifier,
		broker:   broker,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetNotifier installs the chat surface after construction. The bot
// needs the coordinator to dispatch commands and the coordinator needs
// the bot to deliver results; this breaks the construction cycle. Call
// before the first Submit.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// Stage reports the pipeline stage a running task is in, or "" when
// the task is not being tracked (queued, finished, unknown).
func (c *Coordinator) Stage(taskID string) string {
	return c.pipe.Stages().Get(taskID)
}

// Submit admits and launches one task from the chat surface. It
// returns the task id immediately; results arrive via the Notifier.
func (c *Coordinator) Submit(ctx context.Context, userID, chatID, prompt string) (string, error) {
	return c.submit(ctx, "chat", userID, chatID, prompt)
}

// SubmitScheduled is the scheduler's entry point.
func (c *Coordinator) SubmitScheduled(ctx context.Context, userID, chatID, prompt string) error {
	_, err := c.submit(ctx, "schedule", userID, chatID, prompt)
	return err
}

func (c *Coordinator) submit(_ context.Context, source, userID, chatID, prompt string) (string, error) {
	if err := c.guard.Admit(userID); err != nil {
		metrics.TasksRefused.WithLabelValues(string(types.KindOf(err))).Inc()
		c.publish(&events.Event{Type: events.EventTaskRefused, UserID: userID, Detail: Sanitize(err.Error())})
		return "", err
	}

	task, paths, fileIDs, err := c.createTask(userID, chatID, prompt)
	if err != nil {
		c.guard.Release()
		return "", err
	}
	metrics.TasksSubmitted.WithLabelValues(source).Inc()
	metrics.TasksInFlight.Set(float64(c.guard.InFlight()))
	c.publish(&events.Event{Type: events.EventTaskSubmitted, TaskID: task.ID, UserID: userID})

	statusMsgID := ""
	if c.notifier != nil {
		if id, sendErr := c.notifier.Send(chatID, fmt.Sprintf("Task %s accepted, working on it...", shortID(task.ID))); sendErr == nil {
			statusMsgID = id
		}
	}

	go func() {
		defer func() { metrics.TasksInFlight.Set(float64(c.guard.InFlight())) }()
		defer c.guard.Release()
		c.execute(task, paths, fileIDs, statusMsgID)
	}()

	return task.ID, nil
}

// createTask snapshots this user's pending uploads and persists the
// initial record. The snapshot belongs to this task alone; other
// in-flight tasks must not lose their files when it is consumed.
func (c *Coordinator) createTask(userID, chatID, prompt string) (*types.Task, []string, []string, error) {
	var paths, fileIDs []string
	if records, err := c.store.ListFiles(userID, true); err == nil {
		for _, rec := range records {
			paths = append(paths, rec.Path)
			fileIDs = append(fileIDs, rec.ID)
		}
	} else {
		log.WithComponent("coordinator").Warn().Err(err).Msg("File snapshot failed")
	}

	task := &types.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChatID:    chatID,
		Prompt:    prompt,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	if err := c.store.CreateTask(task); err != nil {
		return nil, nil, nil, types.NewTaskError(types.ErrKindInternal, "could not create task record", err)
	}
	return task, paths, fileIDs, nil
}

// execute runs one task to completion. The caller holds the guard slot.
func (c *Coordinator) execute(task *types.Task, paths, fileIDs []string, statusMsgID string) *pipeline.State {
	logger := log.WithComponent("coordinator")

	runCtx, cancel := context.WithTimeout(context.Background(), c.cfg.LongTimeout)
	defer cancel()
	c.mu.Lock()
	c.cancels[task.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, task.ID)
		c.mu.Unlock()
	}()

	task.Status = types.TaskStatusRunning
	task.StartedAt = time.Now()
	if err := c.store.UpdateTask(task); err != nil {
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mark task running")
	}
	c.publish(&events.Event{Type: events.EventTaskStarted, TaskID: task.ID, UserID: task.UserID})

	stop := make(chan struct{})
	if statusMsgID != "" && c.notifier != nil {
		go c.streamStatus(runCtx, task, statusMsgID, stop)
	}

	// Context is assembled before the prompt is appended so the model
	// does not see the current message twice.
	convCtx := c.conversationContext(task.UserID)
	c.appendHistory(task.UserID, "user", task.Prompt)

	st := pipeline.NewState(task.ID, task.UserID, task.Prompt, paths, convCtx)
	st = c.pipe.Run(runCtx, st)
	close(stop)
	if c.live != nil {
		c.live.Remove(task.ID)
	}

	c.finalize(runCtx, task, st, fileIDs)
	return st
}

func (c *Coordinator) finalize(runCtx context.Context, task *types.Task, st *pipeline.State, fileIDs []string) {
	logger := log.WithComponent("coordinator")

	task.Type = st.TaskType
	task.Complexity = st.Complexity
	task.ProjectName = st.ProjectName
	task.Attempts = st.RetryCount
	task.Artifacts = st.Artifacts
	task.CompletedAt = time.Now()

	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		task.Status = types.TaskStatusCancelled
		task.Error = "cancelled by user"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		task.Status = types.TaskStatusFailed
		task.Error = fmt.Sprintf("timed out after %s", c.cfg.LongTimeout)
	default:
		task.Status = types.TaskStatusCompleted
		task.Result = st.FinalResponse
		if st.AuditVerdict != types.VerdictPass {
			task.Error = Sanitize(truncate(st.AuditFeedback, 500))
		}
	}

	for stage, d := range st.StageTimings {
		metrics.ObserveStage(stage, d)
	}
	if st.RetryCount > 0 {
		metrics.AuditRetries.Add(float64(st.RetryCount))
	}
	metrics.TasksCompleted.WithLabelValues(string(task.Status), string(task.Type)).Inc()

	if c.notifier != nil {
		text := task.Result
		if task.Status != types.TaskStatusCompleted {
			text = fmt.Sprintf("Task %s %s: %s", shortID(task.ID), task.Status, c.sanitizeUserText(task.Error))
		}
		if strings.TrimSpace(text) == "" {
			text = "Task finished with no output."
		}
		if _, err := c.notifier.Send(task.ChatID, text); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("Result delivery failed")
		}
		c.deliverArtifacts(task)
	}

	response := task.Result
	if response == "" {
		response = task.Error
	}
	c.appendHistory(task.UserID, "assistant", truncate(response, 5000))

	if len(fileIDs) > 0 {
		if err := c.store.MarkFilesConsumed(fileIDs); err != nil {
			logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mark files consumed")
		}
	}
	if err := c.store.UpdateTask(task); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist final task state")
	}

	eventType := events.EventTaskCompleted
	switch task.Status {
	case types.TaskStatusFailed:
		eventType = events.EventTaskFailed
	case types.TaskStatusCancelled:
		eventType = events.EventTaskCancelled
	}
	c.publish(&events.Event{Type: eventType, TaskID: task.ID, UserID: task.UserID, Detail: task.Error})

	if c.cfg.DebugDumps {
		c.dumpState(st)
	}

	logger.Info().
		Str("task_id", task.ID).
		Str("status", string(task.Status)).
		Str("verdict", string(st.AuditVerdict)).
		Int("artifacts", len(task.Artifacts)).
		Msg("Task finished")
}

// deliverArtifacts sends each artifact, skipping empty or oversized
// files. A failed send does not abort the rest of the batch.
func (c *Coordinator) deliverArtifacts(task *types.Task) {
	logger := log.WithComponent("coordinator")
	for _, path := range task.Artifacts {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if info.Size() > c.cfg.MaxUploadBytes {
			logger.Warn().Str("file", filepath.Base(path)).Int64("size", info.Size()).Msg("Artifact too large, skipping upload")
			continue
		}
		if err := c.notifier.SendFile(task.ChatID, path, filepath.Base(path)); err != nil {
			logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Artifact upload failed")
		}
	}
}

// streamStatus edits the status message on a fixed cadence, but only
// when the combined stage + live-tail view actually changed. The hash
// gate keeps chat edits clear of platform rate limits.
func (c *Coordinator) streamStatus(ctx context.Context, task *types.Task, msgID string, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	var lastHash uint64
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stage := c.pipe.Stages().Get(task.ID)
			if stage == "" {
				continue
			}
			tail := ""
			if c.live != nil {
				tail = c.live.Tail(task.ID, c.cfg.TailLines)
			}
			view := c.formatStatus(task.ID, stage, tail)
			sum := hashView(view)
			if sum == lastHash {
				continue
			}
			lastHash = sum
			if err := c.notifier.Edit(task.ChatID, msgID, view); err != nil {
				log.WithComponent("coordinator").Debug().Err(err).Msg("Status edit failed")
			}
			c.publish(&events.Event{Type: events.EventTaskStage, TaskID: task.ID, UserID: task.UserID, Stage: stage})
		}
	}
}

func (c *Coordinator) formatStatus(taskID, stage, tail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s...", shortID(taskID), stage)
	if tail != "" {
		b.WriteString("\n")
		b.WriteString(c.sanitizeUserText(tail))
	}
	return b.String()
}

func hashView(view string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(view))
	return h.Sum64()
}

// Cancel signals the running task matching the id prefix (>= 8 chars).
// Completion of in-progress sandbox work is best-effort.
func (c *Coordinator) Cancel(prefix string) (string, error) {
	if len(prefix) < 8 {
		return "", types.NewTaskError(types.ErrKindInvalid, "give at least 8 characters of the task id", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.cancels {
		if strings.HasPrefix(id, prefix) {
			cancel()
			return id, nil
		}
	}
	return "", types.NewTaskError(types.ErrKindInvalid, "no running task matches "+prefix, nil)
}

func (c *Coordinator) conversationContext(userID string) string {
	entries, err := c.store.RecentHistory(userID, c.cfg.HistoryTurns)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, truncate(e.Content, 500))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Coordinator) appendHistory(userID, role, content string) {
	if content == "" {
		return
	}
	err := c.store.AppendHistory(&types.HistoryEntry{
		UserID:  userID,
		Role:    role,
		Content: content,
	})
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("Failed to append history")
	}
}

func (c *Coordinator) publish(event *events.Event) {
	if c.broker != nil {
		c.broker.Publish(event)
	}
}

// sanitizeUserText applies full sanitisation plus home-prefix masking.
func (c *Coordinator) sanitizeUserText(s string) string {
	if c.cfg.HomeDir != "" {
		s = strings.ReplaceAll(s, c.cfg.HomeDir, "~")
	}
	return Sanitize(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
