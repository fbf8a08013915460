package bot

import (
	"fmt"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/types"
)

func TestHelpListsCommands(t *testing.T) {
	b, d := testBot(t)
	b.cfg.MaxMessageLen = 3800

	b.HandleText("U1", "C1", "/help")

	out := d.api.lastPost()
	assert.Contains(t, out, "Golem v1.0.0")
	for _, cmd := range []string{"/status", "/history", "/usage", "/cost", "/health", "/exec", "/context", "/cancel", "/projects", "/schedule", "/chain", "/debug"} {
		assert.Contains(t, out, cmd)
	}
}

func TestUnknownCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/frobnicate now")

	assert.Contains(t, d.api.lastPost(), "Unknown command /frobnicate")
}

func TestStatusCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/status")
	assert.Equal(t, "No active tasks.", d.api.lastPost())

	d.store.tasks = []*types.Task{
		{ID: "abcd1234-5678", Status: types.TaskStatusRunning, StartedAt: time.Now().Add(-90 * time.Second)},
		{ID: "beef0000-2222", Status: types.TaskStatusRunning, StartedAt: time.Now().Add(-5 * time.Second)},
		{ID: "ffff0000-1111", Status: types.TaskStatusCompleted},
	}
	d.coord.stages = map[string]string{"abcd1234-5678": "executing"}
	b.HandleText("U1", "C1", "/status")

	out := d.api.lastPost()
	assert.Contains(t, out, "Task abcd1234: executing, running for")
	assert.Contains(t, out, "Task beef0000: starting, running for", "untracked tasks show a placeholder stage")
	assert.NotContains(t, out, "ffff0000", "finished tasks stay out of the active list")
}

func TestHistoryCommand(t *testing.T) {
	b, d := testBot(t)
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	d.store.tasks = []*types.Task{
		{ID: "t1", Prompt: "analyse sales data", Status: types.TaskStatusCompleted,
			StartedAt: started, CompletedAt: started.Add(73 * time.Second)},
		{ID: "t2", Prompt: "scrape the job board", Status: types.TaskStatusFailed},
	}

	b.HandleText("U1", "C1", "/history")

	out := d.api.lastPost()
	assert.Contains(t, out, "[done] analyse sales data (1m13s)")
	assert.Contains(t, out, "[err] scrape the job board")
	assert.NotContains(t, out, "scrape the job board (", "no duration without timestamps")
}

func TestUsageAndCostCommands(t *testing.T) {
	b, d := testBot(t)
	d.store.usage = []*types.UsageRecord{
		{Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 200, ThinkingTokens: 150, CostUSD: 0.02},
		{Model: "claude-sonnet-4-5", InputTokens: 500, OutputTokens: 100, CostUSD: 0.01},
		{Model: "qwen2.5-coder:14b", InputTokens: 800, OutputTokens: 300, CostUSD: 0},
	}

	b.HandleText("U1", "C1", "/usage")
	out := d.api.lastPost()
	assert.Contains(t, out, "Total calls: 3")
	assert.Contains(t, out, "Input tokens: 2300")
	assert.Contains(t, out, "Output tokens: 600")
	assert.Contains(t, out, "Thinking tokens (est.): 150")

	b.HandleText("U1", "C1", "/cost")
	out = d.api.lastPost()
	assert.Contains(t, out, "Estimated cost: $0.0300")
	assert.Contains(t, out, "claude-sonnet-4-5: 2 calls, $0.0300")
	assert.Contains(t, out, "qwen2.5-coder:14b: 1 calls, $0.0000")
}

func TestHealthCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/health")

	out := d.api.lastPost()
	assert.Contains(t, out, "SYSTEM HEALTH")
	assert.Contains(t, out, "RAM: 41% used")
	assert.Contains(t, out, "Tasks in flight: 1")
}

func TestExecCommand(t *testing.T) {
	b, d := testBot(t)
	d.shell.result = &types.ExecResult{ExitCode: 0, Stdout: "total 12\ndrwxr-xr-x"}

	b.HandleText("U1", "C1", "/exec ls -la")

	require.Len(t, d.shell.specs, 1)
	assert.Equal(t, "ls -la", d.shell.specs[0].Command)
	assert.Equal(t, "/home/op", d.shell.specs[0].WorkingDir)

	out := d.api.lastPost()
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "total 12")
}

func TestExecCommandFailure(t *testing.T) {
	b, d := testBot(t)
	d.shell.result = &types.ExecResult{ExitCode: 2, Stderr: "ls: /home/op/nope: No such file or directory"}

	b.HandleText("U1", "C1", "/exec ls /home/op/nope")

	out := d.api.lastPost()
	assert.Contains(t, out, "[EXIT 2]")
	assert.Contains(t, out, "[stderr]")
	assert.NotContains(t, out, "/home/op", "paths scrubbed from stderr")
}

func TestExecUsage(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/exec")

	assert.Contains(t, d.api.lastPost(), "Usage: /exec <command>")
	assert.Empty(t, d.shell.specs)
}

func TestContextViewAndClear(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/context")
	assert.Equal(t, "No conversation history yet.", d.api.lastPost())

	d.store.history = []*types.HistoryEntry{
		{Role: "user", Content: "analyse the csv"},
		{Role: "assistant", Content: "Done, 42 rows."},
	}
	b.HandleText("U1", "C1", "/context")
	out := d.api.lastPost()
	assert.Contains(t, out, "[You] analyse the csv")
	assert.Contains(t, out, "[Agent] Done, 42 rows.")

	b.HandleText("U1", "C1", "/context clear")
	assert.Equal(t, []string{"U1"}, d.store.cleared)
	assert.Contains(t, d.api.lastPost(), "cleared")
}

func TestCancelCommand(t *testing.T) {
	b, d := testBot(t)
	d.coord.cancelID = "abcd1234-5678-90ef"

	b.HandleText("U1", "C1", "/cancel")
	assert.Contains(t, d.api.lastPost(), "Usage: /cancel")
	assert.Empty(t, d.coord.cancels)

	b.HandleText("U1", "C1", "/cancel abcd1234")
	assert.Equal(t, []string{"abcd1234"}, d.coord.cancels)
	assert.Contains(t, d.api.lastPost(), "Cancelled task abcd1234")
}

func TestProjectsCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/projects")

	out := d.api.lastPost()
	assert.Contains(t, out, "blog")
	assert.Contains(t, out, "Triggers: blog, hugo")
}

func TestParseScheduleArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       string
		wantSpec   string
		wantPrompt string
		wantErr    bool
	}{
		{"every form", "every 6h run the scraper", "every 6h", "run the scraper", false},
		{"daily form", "daily@09:00 send the report", "daily@09:00", "send the report", false},
		{"missing prompt", "every 6h", "", "", true},
		{"no spec", "run the scraper", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, prompt, err := parseScheduleArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSpec, spec)
			assert.Equal(t, tt.wantPrompt, prompt)
		})
	}
}

func TestScheduleCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/schedule")
	assert.Contains(t, d.api.lastPost(), "Usage: /schedule")

	b.HandleText("U1", "C1", "/schedule every 6h run the scraper")
	require.Len(t, d.jobs.added, 1)
	assert.Equal(t, "every 6h", d.jobs.added[0].Schedule)
	assert.Equal(t, "run the scraper", d.jobs.added[0].Prompt)
	assert.Contains(t, d.api.lastPost(), "Scheduled aabbccdd")

	d.jobs.jobs = d.jobs.added
	b.HandleText("U1", "C1", "/schedule list")
	assert.Contains(t, d.api.lastPost(), "aabbccdd: run the scraper")

	b.HandleText("U1", "C1", "/schedule remove aabbccdd")
	assert.Equal(t, []string{"aabbccdd"}, d.jobs.removed)
	assert.Contains(t, d.api.lastPost(), "Removed scheduled task aabbccdd")
}

func TestChainCommand(t *testing.T) {
	b, d := testBot(t)

	b.HandleText("U1", "C1", "/chain")
	assert.Contains(t, d.api.lastPost(), "Usage: /chain")
	assert.Empty(t, d.coord.chains)

	b.HandleText("U1", "C1", "/chain write numbers -> sum {output}")
	assert.Equal(t, []string{"write numbers -> sum {output}"}, d.coord.chains)
}

func TestDebugCommand(t *testing.T) {
	b, d := testBot(t)
	d.coord.debugOut = "Task abcd1234\nStages:\n- executing: 5400 ms"

	b.HandleText("U1", "C1", "/debug abcd1234")

	assert.Contains(t, d.api.lastPost(), "- executing: 5400 ms")
}

type fakeUploads struct {
	saved map[string][]byte
	dir   string
}

func (f *fakeUploads) SaveUpload(data []byte, filename string) (string, error) {
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[filename] = data
	return f.dir + "/" + filename, nil
}

func TestFileSharedSavesUpload(t *testing.T) {
	b, d := testBot(t)
	uploads := &fakeUploads{dir: "/uploads"}
	b.uploads = uploads
	d.api.fileInfo = &slack.File{ID: "F1", Name: "sales.csv", Size: 8, URLPrivateDownload: "https://slack.test/sales.csv"}
	d.api.fileData = []byte("a,b\n1,2\n")

	b.handleFileShared(&slackevents.FileSharedEvent{FileID: "F1", UserID: "U1", ChannelID: "C1"})

	assert.Equal(t, []byte("a,b\n1,2\n"), uploads.saved["sales.csv"])
	require.Len(t, d.store.files, 1)
	assert.Equal(t, "sales.csv", d.store.files[0].Name)
	assert.Equal(t, "/uploads/sales.csv", d.store.files[0].Path)
	assert.Contains(t, d.api.lastPost(), "File received: sales.csv")
}

func TestFileSharedIgnoresUnknownUser(t *testing.T) {
	b, d := testBot(t)
	b.uploads = &fakeUploads{}

	b.handleFileShared(&slackevents.FileSharedEvent{FileID: "F1", UserID: "U-intruder", ChannelID: "C1"})

	assert.Empty(t, d.store.files)
	assert.Empty(t, d.api.postTexts())
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"short text single chunk", "hello", 10, []string{"hello"}},
		{"splits at line boundary", "aaaa\nbbbb\ncccc", 9, []string{"aaaa\nbbbb", "cccc"}},
		{"hard splits overlong line", "aaaaaaaaaa", 4, []string{"aaaa", "aaaa", "aa"}},
		{"mixed", "short\n" + "xxxxxxxxxx" + "\nend", 6, []string{"short", "xxxxxx", "xxxx", "end"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitChunks(tt.text, tt.max))
		})
	}
}

func TestSplitChunksRejoinsLossless(t *testing.T) {
	text := ""
	for i := 0; i < 50; i++ {
		text += fmt.Sprintf("row %02d\n", i)
	}
	chunks := splitChunks(text, 40)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	// Newlines at chunk joins are dropped, everything else survives.
	assert.GreaterOrEqual(t, total, len(text)-len(chunks))
}
