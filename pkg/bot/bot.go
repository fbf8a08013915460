// Package bot is the Slack Socket Mode surface: it receives operator
// messages and slash commands, routes them to the coordinator and the
// supporting subsystems, and implements the Notifier the coordinator
// delivers results through.
package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/golem-sh/golem/pkg/coordinator"
	"github.com/golem-sh/golem/pkg/files"
	"github.com/golem-sh/golem/pkg/health"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/sandbox"
	"github.com/golem-sh/golem/pkg/types"
)

// chatAPI is the slice of the Slack client the bot uses. *slack.Client
// satisfies it; tests swap in a recorder.
type chatAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	UploadFileV2(params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetFileInfo(fileID string, count, page int) (*slack.File, []slack.Comment, *slack.Paging, error)
	GetFile(downloadURL string, writer io.Writer) error
}

// Orchestrator is the coordinator surface the bot drives.
type Orchestrator interface {
	Submit(ctx context.Context, userID, chatID, prompt string) (string, error)
	Cancel(prefix string) (string, error)
	Chain(userID, chatID, raw string) error
	Debug(prefix string) (string, error)
	// Stage reports a running task's current pipeline stage, "" when
	// unknown.
	Stage(taskID string) string
}

// Store is the slice of storage the chat commands read.
type Store interface {
	ListTasksByUser(userID string, limit int) ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	RecentHistory(userID string, limit int) ([]*types.HistoryEntry, error)
	ClearHistory(userID string) error
	UsageSince(since time.Time) ([]*types.UsageRecord, error)
	PutFile(rec *types.FileRecord) error
}

// HealthChecker produces the health snapshot.
type HealthChecker interface {
	Snapshot() *health.Snapshot
}

// JobScheduler manages recurring prompts.
type JobScheduler interface {
	Add(userID, chatID, prompt, schedule string) (*types.ScheduledJob, error)
	List() ([]*types.ScheduledJob, error)
	Remove(prefix string) (*types.ScheduledJob, error)
}

// ShellRunner executes direct shell commands for the exec command.
type ShellRunner interface {
	RunShell(ctx context.Context, spec sandbox.RunSpec) (*types.ExecResult, error)
}

// UploadSaver stores uploaded file bytes.
type UploadSaver interface {
	SaveUpload(data []byte, filename string) (string, error)
}

// ProjectLister supplies registered projects.
type ProjectLister interface {
	All() []*types.Project
}

// Config holds bot settings.
type Config struct {
	BotToken       string
	AppToken       string
	AllowedUserIDs []string
	// HomeDir is the working directory for direct shell commands.
	HomeDir string
	Version string
	// MaxMessageLen bounds one chat message; longer text is chunked.
	MaxMessageLen int
	// ChunkDelay throttles consecutive chunks to stay under platform
	// rate limits.
	ChunkDelay  time.Duration
	ExecTimeout time.Duration
}

// Deps collects the subsystems the commands talk to. Health, Scheduler,
// Shell, Uploads, and Projects may be nil; the matching commands report
// the feature as unavailable.
type Deps struct {
	Coordinator Orchestrator
	Store       Store
	Health      HealthChecker
	Scheduler   JobScheduler
	Shell       ShellRunner
	Uploads     UploadSaver
	Projects    ProjectLister
}

// Bot is the chat adapter.
type Bot struct {
	cfg  Config
	api  chatAPI
	sock *socketmode.Client

	coord    Orchestrator
	store    Store
	health   HealthChecker
	jobs     JobScheduler
	shell    ShellRunner
	uploads  UploadSaver
	projects ProjectLister
}

var _ coordinator.Notifier = (*Bot)(nil)

// New creates the bot and its Slack Socket Mode client.
func New(cfg Config, deps Deps) *Bot {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	b := newWithAPI(cfg, api, deps)
	b.sock = socketmode.New(api)
	return b
}

func newWithAPI(cfg Config, api chatAPI, deps Deps) *Bot {
	applyDefaults(&cfg)
	return &Bot{
		cfg:      cfg,
		api:      api,
		coord:    deps.Coordinator,
		store:    deps.Store,
		health:   deps.Health,
		jobs:     deps.Scheduler,
		shell:    deps.Shell,
		uploads:  deps.Uploads,
		projects: deps.Projects,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 3800
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	} else if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = 300 * time.Millisecond
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
}

// Run connects to Slack and processes events until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	logger := log.WithComponent("bot")

	go func() {
		for evt := range b.sock.Events {
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				logger.Info().Msg("Connecting to Slack")
			case socketmode.EventTypeConnectionError:
				logger.Warn().Msg("Slack connection error, retrying")
			case socketmode.EventTypeConnected:
				logger.Info().Msg("Connected to Slack")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					b.sock.Ack(*evt.Request)
				}
				b.handleEventsAPI(apiEvent)
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				if evt.Request != nil {
					b.sock.Ack(*evt.Request)
				}
				b.HandleText(cmd.UserID, cmd.ChannelID, cmd.Command+" "+cmd.Text)
			}
		}
	}()

	return b.sock.RunContext(ctx)
}

func (b *Bot) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore our own and other bots' messages and edits.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		b.HandleText(ev.User, ev.Channel, ev.Text)
	case *slackevents.FileSharedEvent:
		b.handleFileShared(ev)
	}
}

// HandleText routes one inbound message: commands start with "/",
// everything else is a task submission.
func (b *Bot) HandleText(userID, channelID, text string) {
	if !b.allowed(userID) {
		log.WithComponent("bot").Warn().Str("user_id", userID).Msg("Message from unauthorised user ignored")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if text[0] == '/' {
		b.dispatch(userID, channelID, text)
		return
	}
	b.submit(userID, channelID, text)
}

func (b *Bot) submit(userID, channelID, prompt string) {
	if _, err := b.coord.Submit(context.Background(), userID, channelID, prompt); err != nil {
		b.reply(channelID, coordinator.Sanitize(err.Error()))
	}
}

// handleFileShared downloads a shared file into the uploads directory
// and records it so the next task submission picks it up.
func (b *Bot) handleFileShared(ev *slackevents.FileSharedEvent) {
	logger := log.WithComponent("bot")
	if !b.allowed(ev.UserID) || b.uploads == nil {
		return
	}

	info, _, _, err := b.api.GetFileInfo(ev.FileID, 0, 0)
	if err != nil {
		logger.Error().Err(err).Str("file_id", ev.FileID).Msg("File info lookup failed")
		return
	}
	if info.Size > files.MaxUploadBytes {
		b.reply(ev.ChannelID, fmt.Sprintf("File too large (max %d MB).", files.MaxUploadBytes/1024/1024))
		return
	}

	var buf bytes.Buffer
	if err := b.api.GetFile(info.URLPrivateDownload, &buf); err != nil {
		logger.Error().Err(err).Str("file", info.Name).Msg("File download failed")
		b.reply(ev.ChannelID, "Could not download that file, try again.")
		return
	}

	name := info.Name
	if name == "" {
		name = "upload_" + uuid.New().String()[:8]
	}
	path, err := b.uploads.SaveUpload(buf.Bytes(), name)
	if err != nil {
		b.reply(ev.ChannelID, coordinator.Sanitize(err.Error()))
		return
	}

	rec := &types.FileRecord{
		ID:         uuid.New().String(),
		UserID:     ev.UserID,
		Name:       name,
		Path:       path,
		Size:       int64(buf.Len()),
		UploadedAt: time.Now(),
	}
	if err := b.store.PutFile(rec); err != nil {
		logger.Error().Err(err).Str("file", name).Msg("Failed to record upload")
		return
	}
	b.reply(ev.ChannelID, fmt.Sprintf("File received: %s\nNow send a message describing what to do with it.", name))
}

// Send posts text to a channel, chunking when it exceeds the platform
// limit. The returned id is the first chunk's timestamp so later edits
// land on the visible status line.
func (b *Bot) Send(chatID, text string) (string, error) {
	chunks := splitChunks(text, b.cfg.MaxMessageLen)
	var firstTS string
	for i, chunk := range chunks {
		_, ts, err := b.api.PostMessage(chatID, slack.MsgOptionText(chunk, false))
		if err != nil {
			log.WithComponent("bot").Warn().Err(err).
				Int("chunk", i+1).Int("of", len(chunks)).
				Msg("Failed to send message chunk")
			continue
		}
		if firstTS == "" {
			firstTS = ts
		}
		if i < len(chunks)-1 && b.cfg.ChunkDelay > 0 {
			time.Sleep(b.cfg.ChunkDelay)
		}
	}
	if firstTS == "" {
		return "", fmt.Errorf("no chunk of %d delivered", len(chunks))
	}
	return firstTS, nil
}

// Edit replaces a previously sent message.
func (b *Bot) Edit(chatID, messageID, text string) error {
	if len(text) > b.cfg.MaxMessageLen {
		text = text[:b.cfg.MaxMessageLen]
	}
	_, _, _, err := b.api.UpdateMessage(chatID, messageID, slack.MsgOptionText(text, false))
	return err
}

// SendFile uploads a local file to the channel.
func (b *Bot) SendFile(chatID, path, title string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	_, err = b.api.UploadFileV2(slack.UploadFileV2Parameters{
		Channel:  chatID,
		File:     path,
		FileSize: int(info.Size()),
		Filename: filepath.Base(path),
		Title:    title,
	})
	return err
}

func (b *Bot) reply(channelID, text string) {
	if _, err := b.Send(channelID, text); err != nil {
		log.WithComponent("bot").Error().Err(err).Msg("Reply failed")
	}
}

func (b *Bot) allowed(userID string) bool {
	for _, id := range b.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
