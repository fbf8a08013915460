package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golem-sh/golem/pkg/coordinator"
	"github.com/golem-sh/golem/pkg/sandbox"
	"github.com/golem-sh/golem/pkg/types"
)

const (
	historyLimit     = 5
	contextViewTurns = 8
	execStdoutCap    = 3000
	execStderrCap    = 1000
)

// dispatch routes a "/command args" line to its handler.
func (b *Bot) dispatch(userID, channelID, text string) {
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start", "/help":
		b.cmdHelp(channelID)
	case "/status":
		b.cmdStatus(channelID)
	case "/history":
		b.cmdHistory(userID, channelID)
	case "/usage":
		b.cmdUsage(channelID)
	case "/cost":
		b.cmdCost(channelID)
	case "/health":
		b.cmdHealth(channelID)
	case "/exec":
		b.cmdExec(channelID, args)
	case "/context":
		b.cmdContext(userID, channelID, args)
	case "/cancel":
		b.cmdCancel(channelID, args)
	case "/projects":
		b.cmdProjects(channelID)
	case "/schedule":
		b.cmdSchedule(userID, channelID, args)
	case "/chain":
		b.cmdChain(userID, channelID, args)
	case "/debug":
		b.cmdDebug(channelID, args)
	default:
		b.reply(channelID, fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

func (b *Bot) cmdHelp(channelID string) {
	b.reply(channelID, fmt.Sprintf(
		"Golem v%s is online.\n\n"+
			"Send me a task:\n"+
			"- Text prompts for code generation, data analysis, or automation\n"+
			"- Files (CSV, Excel, images) with instructions\n"+
			"- Invoke registered projects by name\n\n"+
			"Commands:\n"+
			"/status - Current task status\n"+
			"/history - Recent tasks\n"+
			"/usage - API token usage\n"+
			"/cost - Estimated API costs\n"+
			"/health - System health check\n"+
			"/exec <cmd> - Run a shell command directly\n"+
			"/context [clear] - View or clear conversation memory\n"+
			"/cancel <task id> - Cancel a running task\n"+
			"/projects - List registered projects\n"+
			"/schedule - Schedule a recurring task\n"+
			"/chain a -> b - Run steps as a strict chain\n"+
			"/debug <task id> - Show a task's stage timings",
		b.cfg.Version))
}

func (b *Bot) cmdStatus(channelID string) {
	tasks, err := b.store.ListTasksByStatus(types.TaskStatusRunning)
	if err != nil {
		b.reply(channelID, "Could not read task state.")
		return
	}
	if len(tasks) == 0 {
		b.reply(channelID, "No active tasks.")
		return
	}
	var lines []string
	for _, t := range tasks {
		stage := b.coord.Stage(t.ID)
		if stage == "" {
			stage = "starting"
		}
		elapsed := time.Since(t.StartedAt).Round(time.Second)
		lines = append(lines, fmt.Sprintf("Task %s: %s, running for %s", shortID(t.ID), stage, elapsed))
	}
	b.reply(channelID, "Active tasks:\n"+strings.Join(lines, "\n"))
}

func (b *Bot) cmdHistory(userID, channelID string) {
	tasks, err := b.store.ListTasksByUser(userID, historyLimit)
	if err != nil || len(tasks) == 0 {
		b.reply(channelID, "No task history.")
		return
	}
	icons := map[types.TaskStatus]string{
		types.TaskStatusCompleted: "done",
		types.TaskStatusFailed:    "err",
		types.TaskStatusCancelled: "stop",
		types.TaskStatusPending:   "...",
		types.TaskStatusRunning:   "run",
	}
	var lines []string
	for _, t := range tasks {
		icon := icons[t.Status]
		if icon == "" {
			icon = string(t.Status)
		}
		line := fmt.Sprintf("[%s] %s", icon, headChars(t.Prompt, 60))
		if !t.StartedAt.IsZero() && t.CompletedAt.After(t.StartedAt) {
			line += fmt.Sprintf(" (%s)", t.CompletedAt.Sub(t.StartedAt).Round(time.Second))
		}
		lines = append(lines, line)
	}
	b.reply(channelID, "Recent tasks:\n"+strings.Join(lines, "\n"))
}

func (b *Bot) cmdUsage(channelID string) {
	records, err := b.store.UsageSince(time.Time{})
	if err != nil {
		b.reply(channelID, "Could not read usage records.")
		return
	}
	var calls int
	var inTok, outTok, thinkTok int64
	for _, rec := range records {
		calls++
		inTok += rec.InputTokens
		outTok += rec.OutputTokens
		thinkTok += rec.ThinkingTokens
	}
	msg := fmt.Sprintf(
		"API Usage (lifetime):\nTotal calls: %d\nInput tokens: %d\nOutput tokens: %d",
		calls, inTok, outTok)
	if thinkTok > 0 {
		msg += fmt.Sprintf("\nThinking tokens (est.): %d", thinkTok)
	}
	b.reply(channelID, msg)
}

func (b *Bot) cmdCost(channelID string) {
	records, err := b.store.UsageSince(time.Time{})
	if err != nil {
		b.reply(channelID, "Could not read usage records.")
		return
	}

	type modelStat struct {
		calls int
		cost  float64
	}
	byModel := make(map[string]*modelStat)
	var total float64
	for _, rec := range records {
		total += rec.CostUSD
		stat := byModel[rec.Model]
		if stat == nil {
			stat = &modelStat{}
			byModel[rec.Model] = stat
		}
		stat.calls++
		stat.cost += rec.CostUSD
	}

	var bld strings.Builder
	fmt.Fprintf(&bld, "API Cost Estimate:\nTotal calls: %d\nEstimated cost: $%.4f", len(records), total)
	if len(byModel) > 0 {
		bld.WriteString("\n\nBy model:")
		models := make([]string, 0, len(byModel))
		for m := range byModel {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			fmt.Fprintf(&bld, "\n  %s: %d calls, $%.4f", m, byModel[m].calls, byModel[m].cost)
		}
	}
	b.reply(channelID, bld.String())
}

func (b *Bot) cmdHealth(channelID string) {
	if b.health == nil {
		b.reply(channelID, "Health checks are not available.")
		return
	}
	b.reply(channelID, b.health.Snapshot().Format())
}

// cmdExec runs one shell line through the sandbox safety policy with
// the operator's home as working directory.
func (b *Bot) cmdExec(channelID, command string) {
	if b.shell == nil {
		b.reply(channelID, "Shell execution is not available.")
		return
	}
	if command == "" {
		b.reply(channelID, "Usage: /exec <command>\nExample: /exec ls -la ~/Desktop")
		return
	}

	b.reply(channelID, fmt.Sprintf("Running: %s...", headChars(command, 100)))

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ExecTimeout)
	defer cancel()
	result, err := b.shell.RunShell(ctx, sandbox.RunSpec{
		TaskID:     "exec",
		Command:    command,
		Timeout:    b.cfg.ExecTimeout,
		WorkingDir: b.cfg.HomeDir,
	})
	if err != nil {
		b.reply(channelID, "Error: "+coordinator.Sanitize(err.Error()))
		return
	}

	output := headChars(result.Stdout, execStdoutCap)
	if result.Stderr != "" {
		output += "\n[stderr]\n" + coordinator.Sanitize(headChars(result.Stderr, execStderrCap))
	}
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}
	status := "OK"
	if !result.Success() {
		status = fmt.Sprintf("EXIT %d", result.ExitCode)
	}
	b.reply(channelID, fmt.Sprintf("[%s]\n%s", status, output))
}

func (b *Bot) cmdContext(userID, channelID, args string) {
	if args == "clear" {
		if err := b.store.ClearHistory(userID); err != nil {
			b.reply(channelID, "Could not clear conversation memory.")
			return
		}
		b.reply(channelID, "Conversation memory cleared.")
		return
	}

	entries, err := b.store.RecentHistory(userID, contextViewTurns)
	if err != nil || len(entries) == 0 {
		b.reply(channelID, "No conversation history yet.")
		return
	}
	var lines []string
	lines = append(lines, "Recent conversation memory:")
	for _, e := range entries {
		role := "Agent"
		if e.Role == "user" {
			role = "You"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", role, headChars(e.Content, 120)))
	}
	b.reply(channelID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdCancel(channelID, prefix string) {
	if prefix == "" {
		b.reply(channelID, "Usage: /cancel <task id>\nGive at least 8 characters of the id from /status.")
		return
	}
	id, err := b.coord.Cancel(prefix)
	if err != nil {
		b.reply(channelID, coordinator.Sanitize(err.Error()))
		return
	}
	b.reply(channelID, fmt.Sprintf("Cancelled task %s.\nBackground execution may take a moment to fully stop.", shortID(id)))
}

func (b *Bot) cmdProjects(channelID string) {
	if b.projects == nil {
		b.reply(channelID, "No projects registered. Edit projects.yaml to add them.")
		return
	}
	all := b.projects.All()
	if len(all) == 0 {
		b.reply(channelID, "No projects registered. Edit projects.yaml to add them.")
		return
	}

	var bld strings.Builder
	bld.WriteString("Registered projects:")
	for _, p := range all {
		commands := make([]string, 0, len(p.Commands))
		for name := range p.Commands {
			commands = append(commands, name)
		}
		sort.Strings(commands)
		bld.WriteString("\n\n" + p.Name)
		if len(commands) > 0 {
			bld.WriteString(" (" + strings.Join(commands, ", ") + ")")
		}
		triggers := p.Triggers
		if len(triggers) > 3 {
			triggers = triggers[:3]
		}
		if len(triggers) > 0 {
			bld.WriteString("\n  Triggers: " + strings.Join(triggers, ", "))
		}
	}
	b.reply(channelID, bld.String())
}

const scheduleUsage = "Usage: /schedule <spec> <task>\n" +
	"Specs: \"every 2h\", \"every 30m\", \"daily@09:00\"\n" +
	"Example: /schedule every 6h Run the job scraper\n\n" +
	"/schedule list - Show scheduled tasks\n" +
	"/schedule remove <id> - Remove a scheduled task"

func (b *Bot) cmdSchedule(userID, channelID, args string) {
	if b.jobs == nil {
		b.reply(channelID, "Scheduling is not available.")
		return
	}
	if args == "" {
		b.reply(channelID, scheduleUsage)
		return
	}

	if args == "list" {
		jobs, err := b.jobs.List()
		if err != nil || len(jobs) == 0 {
			b.reply(channelID, "No scheduled tasks.")
			return
		}
		var lines []string
		for _, j := range jobs {
			lines = append(lines, fmt.Sprintf("- %s: %s (next: %s)",
				shortID(j.ID), headChars(j.Prompt, 60), j.NextRun.Format("2006-01-02 15:04")))
		}
		b.reply(channelID, "Scheduled tasks:\n"+strings.Join(lines, "\n"))
		return
	}

	if rest, ok := strings.CutPrefix(args, "remove "); ok {
		job, err := b.jobs.Remove(strings.TrimSpace(rest))
		if err != nil {
			b.reply(channelID, "Could not remove: "+err.Error())
			return
		}
		b.reply(channelID, fmt.Sprintf("Removed scheduled task %s.", shortID(job.ID)))
		return
	}

	spec, prompt, err := parseScheduleArgs(args)
	if err != nil {
		b.reply(channelID, err.Error()+"\n\n"+scheduleUsage)
		return
	}
	job, err := b.jobs.Add(userID, channelID, prompt, spec)
	if err != nil {
		b.reply(channelID, "Could not schedule: "+err.Error())
		return
	}
	b.reply(channelID, fmt.Sprintf("Scheduled %s: %q, next run %s.",
		shortID(job.ID), headChars(prompt, 60), job.NextRun.Format("2006-01-02 15:04")))
}

// parseScheduleArgs splits "/schedule" arguments into a schedule spec
// and the task prompt. The spec is either the leading "every <dur>"
// pair or a single "daily@HH:MM" token.
func parseScheduleArgs(args string) (spec, prompt string, err error) {
	fields := strings.Fields(args)
	switch {
	case len(fields) >= 3 && strings.EqualFold(fields[0], "every"):
		return fields[0] + " " + fields[1], strings.Join(fields[2:], " "), nil
	case len(fields) >= 2 && strings.HasPrefix(strings.ToLower(fields[0]), "daily@"):
		return fields[0], strings.Join(fields[1:], " "), nil
	}
	return "", "", fmt.Errorf("could not parse a schedule from %q", args)
}

func (b *Bot) cmdChain(userID, channelID, raw string) {
	if raw == "" {
		b.reply(channelID, "Usage: /chain step 1 -> step 2 -> step 3\nUse {output} to pass artifacts between steps.")
		return
	}
	if err := b.coord.Chain(userID, channelID, raw); err != nil {
		b.reply(channelID, coordinator.Sanitize(err.Error()))
	}
}

func (b *Bot) cmdDebug(channelID, prefix string) {
	if prefix == "" {
		b.reply(channelID, "Usage: /debug <task id>")
		return
	}
	out, err := b.coord.Debug(prefix)
	if err != nil {
		b.reply(channelID, coordinator.Sanitize(err.Error()))
		return
	}
	b.reply(channelID, out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func headChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
