package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

const maxResponseChars = 3800

const (
	// followUpWindow is how soon after one task another must start to
	// count as a follow-up.
	followUpWindow  = time.Hour
	followUpHistory = 30
	followUpMinHits = 2
)

// deliver formats the final chat response and gathers attachments.
func (p *Pipeline) deliver(ctx context.Context, st *State) {
	logger := log.WithComponent("pipeline")

	// Failed work ships no artifacts; a half-broken output file is
	// worse than an honest failure message.
	if st.AuditVerdict != types.VerdictPass {
		st.Artifacts = nil
	}

	artifacts := append([]string(nil), st.Artifacts...)

	// Attach the generated source on success so the user can rerun or
	// tweak it. HTML tasks already ship the file itself.
	if st.AuditVerdict == types.VerdictPass && st.Code != "" && scriptTaskTypes[st.TaskType] {
		if codeFile := p.saveCodeArtifact(st); codeFile != "" && !contains(artifacts, codeFile) {
			artifacts = append(artifacts, codeFile)
		}
	}

	output := extractOutput(st.ExecutionResult)

	status := "Completed successfully"
	if st.AuditVerdict != types.VerdictPass {
		status = fmt.Sprintf("Completed with issues (after %d retries)", st.RetryCount)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nTask type: %s\nStatus: %s\n", st.Message, st.TaskType, status)
	if st.RetryCount > 0 && st.AuditVerdict == types.VerdictPass {
		fmt.Fprintf(&b, "Retry note: %s\n", head(st.AuditFeedback, 300))
	}
	if st.TaskType == types.TaskTypeProject && len(st.ExtractedParams) > 0 {
		fmt.Fprintf(&b, "Parameters used: %s\n", formatParamMap(st.ExtractedParams))
	}
	fmt.Fprintf(&b, "\nExecution output (stdout):\n%s\n", head(output, 3000))
	if st.Code != "" {
		fmt.Fprintf(&b, "\nCode description: %s\n", describeCode(st.Code))
	}
	fmt.Fprintf(&b, "\nFiles generated: %s", existingNames(artifacts))

	summary, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeSummary,
		Complexity: st.Complexity,
		Prompt:     b.String(),
		System:     summarySystem,
		MaxTokens:  800,
		TaskID:     st.TaskID,
	})
	if err != nil {
		logger.Warn().Err(err).Str("task_id", st.TaskID).Msg("Summary generation failed, using fallback")
		summary = fallbackResponse(st, artifacts)
	} else if len(summary) > maxResponseChars {
		summary = summary[:maxResponseChars] + "..."
	}

	// Make sure attachments are mentioned somewhere.
	var names []string
	for _, f := range artifacts {
		if _, err := os.Stat(f); err == nil {
			names = append(names, filepath.Base(f))
		}
	}
	mentioned := false
	for _, n := range names {
		if strings.Contains(summary, n) {
			mentioned = true
			break
		}
	}
	if len(names) > 0 && !mentioned {
		summary += "\n\nAttached: " + strings.Join(names, ", ")
	}

	if suggestion := p.followUpSuggestion(st); suggestion != "" {
		summary += "\n\n" + suggestion
	}

	st.FinalResponse = summary
	st.Artifacts = artifacts

	p.recordProjectLesson(st)

	logger.Info().
		Str("task_id", st.TaskID).
		Int("chars", len(summary)).
		Int("artifacts", len(artifacts)).
		Msg("Delivery prepared")
}

// recordProjectLesson appends one memory record after a project task so
// the next plan for the same project starts smarter.
func (p *Pipeline) recordProjectLesson(st *State) {
	if p.rec == nil || st.TaskType != types.TaskTypeProject || st.ProjectName == "" {
		return
	}

	rec := &types.ProjectMemoryRecord{Project: st.ProjectName, Outcome: "success"}
	if st.AuditVerdict == types.VerdictPass {
		if len(st.ExtractedParams) > 0 {
			rec.Lesson = "Ran cleanly with " + formatParamMap(st.ExtractedParams)
		} else {
			rec.Lesson = "Ran cleanly"
		}
	} else {
		rec.Outcome = "failure"
		rec.Lesson = head(firstLine(st.AuditFeedback), 200)
		if rec.Lesson == "" {
			rec.Lesson = "Failed without audit feedback"
		}
	}

	if err := p.rec.AppendProjectMemory(rec); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).
			Str("project", st.ProjectName).Msg("Failed to record project lesson")
	}
}

// followUpSuggestion mines the user's recent task history for a
// repeated follow-up pattern after the current task type.
func (p *Pipeline) followUpSuggestion(st *State) string {
	if p.rec == nil {
		return ""
	}
	tasks, err := p.rec.ListTasksByUser(st.UserID, followUpHistory)
	if err != nil || len(tasks) < 3 {
		return ""
	}
	// Store order is newest first; walk pairs chronologically.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}

	counts := map[types.TaskType]int{}
	for i := 0; i < len(tasks)-1; i++ {
		cur, next := tasks[i], tasks[i+1]
		if cur.Type != st.TaskType || next.Type == "" {
			continue
		}
		gap := next.CreatedAt.Sub(cur.CreatedAt)
		if gap < 0 || gap > followUpWindow {
			continue
		}
		counts[next.Type]++
	}

	var best types.TaskType
	bestN := 0
	for tt, n := range counts {
		if n > bestN {
			best, bestN = tt, n
		}
	}
	if bestN < followUpMinHits || best == st.TaskType {
		return ""
	}
	return fmt.Sprintf("Tip: you usually follow %s tasks with a %s task. Say the word and I'll start one.", st.TaskType, best)
}

var sidecarStageOrder = []string{"classifying", "planning", "executing", "auditing", "delivering"}

// writeSidecar dumps the task's diagnostic record next to the outputs.
// The debug command reads these back by task-id prefix.
func (p *Pipeline) writeSidecar(st *State) {
	if err := os.MkdirAll(p.cfg.OutputsDir, 0755); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Msg("Failed to create outputs dir for sidecar")
		return
	}

	var stages []types.SidecarStage
	var total int64
	for _, name := range sidecarStageOrder {
		d, ok := st.StageTimings[name]
		if !ok {
			continue
		}
		stages = append(stages, types.SidecarStage{Name: name, DurationMS: d.Milliseconds()})
		total += d.Milliseconds()
	}

	msg := st.Message
	if p.cfg.HomeDir != "" {
		msg = strings.ReplaceAll(msg, p.cfg.HomeDir, "~")
	}

	side := types.DebugSidecar{
		TaskID:          st.TaskID,
		Message:         head(msg, 300),
		TaskType:        string(st.TaskType),
		Stages:          stages,
		TotalDurationMS: total,
		Verdict:         string(st.AuditVerdict),
		RetryCount:      st.RetryCount,
	}

	data, err := json.MarshalIndent(&side, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(p.cfg.OutputsDir, st.TaskID+".debug.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Str("path", path).Msg("Failed to write debug sidecar")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

var scriptTaskTypes = map[types.TaskType]bool{
	types.TaskTypeCode:       true,
	types.TaskTypeAutomation: true,
	types.TaskTypeData:       true,
	types.TaskTypeFile:       true,
}

// saveCodeArtifact writes the generated script to the outputs
// directory for attachment, uniquified with a counter suffix.
func (p *Pipeline) saveCodeArtifact(st *State) string {
	if strings.TrimSpace(st.Code) == "" {
		return ""
	}
	if err := os.MkdirAll(p.cfg.OutputsDir, 0755); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Msg("Failed to create outputs dir")
		return ""
	}

	base := slugFilename(st.Message, "script")
	path := filepath.Join(p.cfg.OutputsDir, base+".py")
	for counter := 1; ; counter++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(p.cfg.OutputsDir, fmt.Sprintf("%s_%d.py", base, counter))
	}

	if err := os.WriteFile(path, []byte(st.Code), 0644); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Msg("Failed to save code artifact")
		return ""
	}
	return path
}

// extractOutput pulls the stdout section out of a formatted execution
// result.
func extractOutput(executionResult string) string {
	if executionResult == "" {
		return "(no output)"
	}
	if idx := strings.Index(executionResult, "Output:"); idx >= 0 {
		output := executionResult[idx+len("Output:"):]
		for _, sep := range []string{"Stderr:", "Traceback:", "Files created:"} {
			if i := strings.Index(output, sep); i >= 0 {
				output = output[:i]
			}
		}
		output = strings.TrimSpace(output)
		if output == "" {
			return "(no output)"
		}
		return output
	}
	return head(executionResult, 2000)
}

// describeCode summarises the generated script without reproducing it.
func describeCode(code string) string {
	lines := strings.Split(strings.TrimSpace(code), "\n")

	libs := map[string]bool{}
	asserts := 0
	functions := 0
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "import "), strings.HasPrefix(line, "from "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				lib := fields[1]
				if i := strings.IndexByte(lib, '.'); i >= 0 {
					lib = lib[:i]
				}
				libs[lib] = true
			}
		case strings.HasPrefix(line, "def "):
			functions++
		}
		if strings.Contains(raw, "assert ") {
			asserts++
		}
	}

	var parts []string
	if len(libs) > 0 {
		names := make([]string, 0, len(libs))
		for lib := range libs {
			names = append(names, lib)
		}
		sort.Strings(names)
		if len(names) > 8 {
			names = names[:8]
		}
		parts = append(parts, "Uses: "+strings.Join(names, ", "))
	}
	parts = append(parts, fmt.Sprintf("%d lines of Python", len(lines)))
	if functions > 0 {
		parts = append(parts, fmt.Sprintf("%d functions defined", functions))
	}
	if asserts > 0 {
		parts = append(parts, fmt.Sprintf("%d assertions", asserts))
	}
	return strings.Join(parts, " | ")
}

// fallbackResponse formats a plain delivery when summary generation is
// unavailable.
func fallbackResponse(st *State, artifacts []string) string {
	var parts []string

	if st.AuditVerdict == types.VerdictPass {
		if st.TaskType == types.TaskTypeProject {
			name := st.ProjectName
			if name == "" {
				name = "Unknown"
			}
			parts = append(parts, fmt.Sprintf("Project '%s' executed successfully.", name))
		} else {
			parts = append(parts, "Task completed successfully.")
		}
	} else {
		parts = append(parts, fmt.Sprintf("Task completed with issues (after %d retries).", st.RetryCount))
	}

	output := extractOutput(st.ExecutionResult)
	if output != "" && output != "(no output)" {
		var lines []string
		for _, l := range strings.Split(strings.TrimSpace(output), "\n") {
			if strings.TrimSpace(l) != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) > 15 {
			parts = append(parts, "Key output:\n"+strings.Join(lines[len(lines)-15:], "\n"))
		} else {
			parts = append(parts, output)
		}
	}

	var names []string
	for _, f := range artifacts {
		if _, err := os.Stat(f); err == nil {
			names = append(names, filepath.Base(f))
		}
	}
	if len(names) > 0 {
		parts = append(parts, "\nAttached: "+strings.Join(names, ", "))
	}

	return strings.Join(parts, "\n\n")
}

func existingNames(artifacts []string) string {
	var names []string
	for _, f := range artifacts {
		if _, err := os.Stat(f); err == nil {
			names = append(names, filepath.Base(f))
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, ", ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
