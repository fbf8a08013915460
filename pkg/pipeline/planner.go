package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/golem-sh/golem/pkg/files"
	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/projects"
	"github.com/golem-sh/golem/pkg/types"
)

// bigDataRowThreshold decides between inlining a data file's content
// and handing the planner metadata only.
const bigDataRowThreshold = 100

const (
	// standardsCharCap bounds the coding-standards excerpt.
	standardsCharCap = 2000
	// lessonLimit caps how many project lessons reach the prompt.
	lessonLimit = 5
	// relevantFileCap bounds each injected project source file.
	relevantFileCap = 4000
	// relevantFileListMax skips relevance picking for big trees; the
	// file list alone would dominate the prompt.
	relevantFileListMax = 60
	relevantFilePicks   = 4
)

var dataExts = map[string]bool{
	".csv": true, ".tsv": true, ".xlsx": true, ".parquet": true, ".json": true,
}

// plan produces the execution plan for the classified task. On a
// retry it folds the auditor's feedback and the failed run's output
// into the prompt.
func (p *Pipeline) plan(ctx context.Context, st *State) {
	system := p.planSystem(st)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s", st.Message)

	if st.ConversationContext != "" {
		fmt.Fprintf(&b, "\n\nCONVERSATION CONTEXT (recent history):\n%s", st.ConversationContext)
	}

	for _, fpath := range st.Files {
		if _, err := os.Stat(fpath); err != nil {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(fileContext(fpath))
	}

	if st.TaskType == types.TaskTypeProject && st.Project != nil {
		if block := p.lessonsBlock(st.Project.Name); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
		if block := p.relevantFilesBlock(ctx, st); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}

	if st.AuditFeedback != "" {
		fmt.Fprintf(&b, "\n\n--- PREVIOUS ATTEMPT FAILED ---\n%s", st.AuditFeedback)
		if st.ExecutionResult != "" {
			fmt.Fprintf(&b, "\n\nExecution output:\n%s", head(st.ExecutionResult, 3000))
		}
		b.WriteString("\nRevise the plan to fix these specific issues.")
	}

	// Deep reasoning pays off only for layout-heavy and orchestration
	// work; plain scripts plan fine without it.
	thinking := st.TaskType == types.TaskTypeFrontend ||
		st.TaskType == types.TaskTypeUIDesign ||
		st.TaskType == types.TaskTypeProject

	response, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposePlan,
		Complexity: st.Complexity,
		Prompt:     b.String(),
		System:     system,
		MaxTokens:  3000,
		Thinking:   thinking,
		TaskID:     st.TaskID,
	})
	if err != nil {
		log.WithComponent("pipeline").Error().Err(err).
			Str("task_id", st.TaskID).Msg("Planning call failed")
		st.Plan = ""
		st.ExecutionResult = "Execution: FAILED\nErrors:\nPlanning failed: " + errText(err)
		return
	}

	st.Plan = response
	log.WithComponent("pipeline").Info().
		Str("task_id", st.TaskID).
		Str("type", string(st.TaskType)).
		Int("chars", len(response)).
		Bool("thinking", thinking).
		Msg("Plan created")
}

func (p *Pipeline) planSystem(st *State) string {
	var system string
	switch st.TaskType {
	case types.TaskTypeProject:
		projectContext := "No project context available."
		if st.Project != nil {
			projectContext = projects.Context(st.Project)
		}
		return fmt.Sprintf(projectPlanSystem, projectContext)
	case types.TaskTypeFrontend:
		system = frontendPlanSystem
	case types.TaskTypeUIDesign:
		system = uiDesignPlanSystem
	case types.TaskTypeData:
		system = dataPlanSystem
	case types.TaskTypeFile:
		system = filePlanSystem
	case types.TaskTypeAutomation:
		system = automationPlanSystem
	default:
		system = codePlanSystem
	}
	if excerpt := p.standardsExcerpt(); excerpt != "" {
		system += "\n\nCODING STANDARDS (project conventions, follow them):\n" + excerpt
	}
	return system
}

// standardsExcerpt loads the operator's coding standards file, bounded
// so it cannot crowd out the task itself.
func (p *Pipeline) standardsExcerpt() string {
	if p.cfg.StandardsFile == "" {
		return ""
	}
	data, err := os.ReadFile(p.cfg.StandardsFile)
	if err != nil {
		return ""
	}
	return head(strings.TrimSpace(string(data)), standardsCharCap)
}

// lessonsBlock formats the most recent lessons recorded for a project.
func (p *Pipeline) lessonsBlock(project string) string {
	if p.rec == nil {
		return ""
	}
	lessons, err := p.rec.ProjectLessons(project, lessonLimit)
	if err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Str("project", project).Msg("Lesson lookup failed")
		return ""
	}
	if len(lessons) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("LESSONS FROM PREVIOUS RUNS (do not repeat past mistakes):")
	for _, l := range lessons {
		fmt.Fprintf(&b, "\n- [%s] %s", l.Outcome, l.Lesson)
	}
	return b.String()
}

// relevantFilesBlock asks the model to pick a few project source files
// worth showing the planner, then inlines them capped. Any failure
// along the way just drops the block; planning proceeds without it.
func (p *Pipeline) relevantFilesBlock(ctx context.Context, st *State) string {
	names := listProjectSources(st.Project.Path)
	if len(names) == 0 || len(names) > relevantFileListMax {
		return ""
	}

	response, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeGeneral,
		Complexity: types.ComplexityLow,
		Prompt: fmt.Sprintf("Task: %s\n\nProject source files:\n%s\n\nReturn a JSON array of at most %d file paths from the list above that are most relevant to this task. Respond with the JSON array only.",
			st.Message, strings.Join(names, "\n"), relevantFilePicks),
		System:    "You select which source files a developer should read before working on a task.",
		MaxTokens: 300,
		TaskID:    st.TaskID,
	})
	if err != nil {
		return ""
	}

	var picks []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(stripMarkdownBlocks(response))), &picks); err != nil {
		return ""
	}

	var b strings.Builder
	injected := 0
	for _, rel := range picks {
		if injected >= relevantFilePicks {
			break
		}
		full := filepath.Join(st.Project.Path, rel)
		inside, err := filepath.Rel(st.Project.Path, full)
		if err != nil || strings.HasPrefix(inside, "..") {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n--- Project file: %s ---\n%s", rel, head(string(data), relevantFileCap))
		injected++
	}
	if injected == 0 {
		return ""
	}
	return "RELEVANT PROJECT SOURCE:" + b.String()
}

var sourceExts = map[string]bool{
	".py": true, ".sh": true, ".js": true, ".ts": true, ".sql": true,
	".yaml": true, ".yml": true, ".toml": true, ".cfg": true, ".ini": true,
}

// listProjectSources walks a project tree for source files, pruning
// environment and VCS directories. Returns relative paths; gives up
// past relevantFileListMax entries.
func listProjectSources(root string) []string {
	skip := map[string]bool{
		"venv": true, ".venv": true, ".git": true, "__pycache__": true,
		"node_modules": true, ".tox": true, "dist": true, "build": true,
	}
	var names []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if len(names) > relevantFileListMax {
			return fs.SkipAll
		}
		if sourceExts[strings.ToLower(filepath.Ext(path))] {
			if rel, err := filepath.Rel(root, path); err == nil {
				names = append(names, rel)
			}
		}
		return nil
	})
	return names
}

// fileContext formats one uploaded file for the planning prompt. Big
// data files contribute metadata only; small ones are inlined so the
// plan can reference real column names.
func fileContext(fpath string) string {
	ext := strings.ToLower(filepath.Ext(fpath))
	if dataExts[ext] {
		meta := files.Extract(fpath)
		if meta.RowCount > bigDataRowThreshold {
			return files.PromptBlock(fpath)
		}
		return fmt.Sprintf("--- File: %s (%s, ~%d data rows) ---\n%s",
			filepath.Base(fpath), meta.SizeHuman, meta.RowCount, head(files.Content(fpath), 10000))
	}
	return fmt.Sprintf("--- File: %s ---\n%s", filepath.Base(fpath), head(files.Content(fpath), 10000))
}
