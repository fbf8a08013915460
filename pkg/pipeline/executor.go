package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/files"
	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/sandbox"
	"github.com/golem-sh/golem/pkg/types"
)

const (
	projectDefaultTimeout = 300 * time.Second
	bootstrapTimeout      = 120 * time.Second
	slowTaskTimeout       = 300 * time.Second
	bigDataFileBytes      = 10_000_000
	maxProjectArtifacts   = 15
)

// outputExts keeps project artifact lists to deliverable formats when
// a run touches too many files (usually a dependency install leak).
var outputExts = map[string]bool{
	".html": true, ".pdf": true, ".csv": true, ".xlsx": true, ".xls": true,
	".json": true, ".xml": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".txt": true, ".md": true, ".zip": true,
	".tar": true, ".gz": true, ".parquet": true,
}

// execute turns the plan into code or commands and runs them.
func (p *Pipeline) execute(ctx context.Context, st *State) {
	switch st.TaskType {
	case types.TaskTypeProject:
		p.executeProject(ctx, st)
	case types.TaskTypeUIDesign:
		p.executeHTML(ctx, st, uiDesignGenSystem, 8192, "design", "HTML design generated")
	case types.TaskTypeFrontend:
		p.executeHTML(ctx, st, frontendGenSystem, 16000, "app", "Frontend app generated")
	default:
		p.executeCode(ctx, st)
	}
}

// ── Generated code path ───────────────────────────────────────────

func (p *Pipeline) executeCode(ctx context.Context, st *State) {
	system := codeGenSystem
	if st.TaskType == types.TaskTypeData || st.TaskType == types.TaskTypeFile {
		system = analysisGenSystem
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan:\n%s\n\nOriginal task: %s", st.Plan, st.Message)

	if len(st.Files) > 0 {
		b.WriteString("\n\nAvailable files (use these exact paths):")
		for _, fpath := range st.Files {
			fmt.Fprintf(&b, "\n- %s", fpath)
			ext := strings.ToLower(filepath.Ext(fpath))
			if _, err := os.Stat(fpath); err != nil {
				continue
			}
			switch {
			case dataExts[ext]:
				b.WriteString("\n  (Data file, process locally with a script. DO NOT load into context)")
			case textExts[ext]:
				fmt.Fprintf(&b, "\n  Preview:\n%s", head(files.Content(fpath), 1000))
			}
		}
	}

	if st.AuditFeedback != "" {
		fmt.Fprintf(&b, "\n\n--- PREVIOUS CODE FAILED. Fix these issues ---\n%s", st.AuditFeedback)
		if st.Code != "" {
			fmt.Fprintf(&b, "\n\n--- Previous code ---\n%s", st.Code)
		}
	}

	code, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeCodeGen,
		Complexity: st.Complexity,
		Prompt:     b.String(),
		System:     system,
		MaxTokens:  8192,
		Thinking:   true,
		TaskID:     st.TaskID,
	})
	if err != nil {
		st.Code = ""
		st.ExecutionResult = "Execution: FAILED\nErrors:\nCode generation failed: " + errText(err)
		st.Artifacts = nil
		return
	}
	code = stripMarkdownBlocks(code)
	if strings.TrimSpace(code) == "" {
		st.Code = ""
		st.ExecutionResult = "Execution: FAILED\nErrors:\nCode generation returned empty output"
		st.Artifacts = nil
		return
	}

	workingDir := p.determineWorkingDir(st)
	result, err := p.runner.RunCodeWithAutoInstall(ctx, sandbox.RunSpec{
		TaskID:     st.TaskID,
		Code:       code,
		Language:   "python",
		Timeout:    p.estimateTimeout(st),
		WorkingDir: workingDir,
	}, p.cfg.InstallTries)
	if err != nil {
		st.Code = code
		st.ExecutionResult = "Execution: FAILED\nErrors:\n" + errText(err)
		st.Artifacts = nil
		return
	}

	st.Code = code
	st.ExecutionResult = formatResult(result)
	st.Artifacts = result.Artifacts
	st.WorkingDir = workingDir
}

// estimateTimeout stretches the base timeout for task types and inputs
// that are known to run long, capped at the hard maximum.
func (p *Pipeline) estimateTimeout(st *State) time.Duration {
	timeout := p.cfg.ExecutionTimeout

	if st.TaskType == types.TaskTypeData {
		for _, f := range st.Files {
			if info, err := os.Stat(f); err == nil && info.Size() > bigDataFileBytes {
				if timeout < slowTaskTimeout {
					timeout = slowTaskTimeout
				}
			}
		}
	}
	switch st.TaskType {
	case types.TaskTypeFrontend, types.TaskTypeUIDesign, types.TaskTypeAutomation:
		if timeout < slowTaskTimeout {
			timeout = slowTaskTimeout
		}
	}

	if timeout > p.cfg.MaxExecutionTimeout {
		timeout = p.cfg.MaxExecutionTimeout
	}
	return timeout
}

var homePathRe = regexp.MustCompile(`~/[\w./-]+`)

// determineWorkingDir picks the execution directory: an explicit state
// override first, then a home-relative path mentioned in the plan or
// message, then the outputs directory.
func (p *Pipeline) determineWorkingDir(st *State) string {
	if st.WorkingDir != "" && filepath.IsAbs(st.WorkingDir) {
		return st.WorkingDir
	}

	absRe := regexp.MustCompile(regexp.QuoteMeta(p.cfg.HomeDir) + `/[\w./-]+`)
	for _, text := range []string{st.Plan, st.Message} {
		candidate := homePathRe.FindString(text)
		if candidate != "" {
			candidate = filepath.Join(p.cfg.HomeDir, strings.TrimPrefix(candidate, "~/"))
		} else {
			candidate = absRe.FindString(text)
		}
		if candidate == "" {
			continue
		}
		candidate = filepath.Clean(candidate)
		rel, err := filepath.Rel(p.cfg.HomeDir, candidate)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		// A path with an extension names a file, not a directory,
		// unless it already exists as one.
		if filepath.Ext(candidate) != "" {
			if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
				continue
			}
		}
		return candidate
	}

	return p.cfg.OutputsDir
}

var textExts = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".md": true, ".html": true, ".css": true,
}

// ── Project path ──────────────────────────────────────────────────

func (p *Pipeline) executeProject(ctx context.Context, st *State) {
	logger := log.WithComponent("pipeline")

	if st.Project == nil {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nNo project configuration found"
		return
	}
	proj := st.Project
	if proj.Path == "" {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nProject path is not configured in the registry"
		return
	}
	if _, err := os.Stat(proj.Path); err != nil {
		st.ExecutionResult = fmt.Sprintf("Execution: FAILED\nErrors:\nProject directory not found: %s", proj.Path)
		return
	}

	timeout := projectDefaultTimeout
	if proj.TimeoutSecs > 0 {
		timeout = time.Duration(proj.TimeoutSecs) * time.Second
	}

	// Dependency bootstrap only on the first attempt; a retry with the
	// same requirements would just repeat the install.
	if st.RetryCount == 0 {
		if err := p.bootstrapProjectDeps(ctx, st.TaskID, proj); err != nil {
			// The project may still run if deps are already present.
			logger.Warn().Err(err).Str("project", proj.Name).Msg("Dependency bootstrap failed")
		}
	}

	params := p.extractParams(ctx, st)
	st.ExtractedParams = params
	filled := fillCommands(proj.Commands, params)

	var b strings.Builder
	fmt.Fprintf(&b, "Plan:\n%s\n\nOriginal task: %s\n\n", st.Plan, st.Message)
	fmt.Fprintf(&b, "Project path: %s\n", proj.Path)
	fmt.Fprintf(&b, "Available commands (raw templates): %s\n", formatCommandMap(proj.Commands))
	fmt.Fprintf(&b, "Extracted parameters: %s\n", formatParamMap(params))
	fmt.Fprintf(&b, "Commands with parameters filled in: %s\n", formatCommandMap(filled))
	venvLabel := proj.Venv
	if venvLabel == "" {
		venvLabel = "None"
	}
	fmt.Fprintf(&b, "Venv path: %s\n", venvLabel)
	b.WriteString("\nIMPORTANT: Use the filled-in commands above. Do NOT leave {file} or {client} as placeholders.")

	if len(st.Files) > 0 {
		b.WriteString("\n\nUploaded files (use these exact paths):")
		for _, f := range st.Files {
			fmt.Fprintf(&b, "\n- %s", f)
		}
	}
	if st.AuditFeedback != "" {
		fmt.Fprintf(&b, "\n\n--- Previous attempt failed ---\n%s", st.AuditFeedback)
	}

	code, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeCodeGen,
		Complexity: st.Complexity,
		Prompt:     b.String(),
		System:     shellGenSystem,
		MaxTokens:  2000,
		Thinking:   true,
		TaskID:     st.TaskID,
	})
	if err != nil {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nShell script generation failed: " + errText(err)
		return
	}
	code = stripMarkdownBlocks(code)
	if strings.TrimSpace(code) == "" {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nShell script generation returned empty"
		return
	}

	result, err := p.runProjectScript(ctx, st.TaskID, proj, code, timeout)
	if err != nil {
		st.Code = code
		st.ExecutionResult = "Execution: FAILED\nErrors:\n" + errText(err)
		return
	}

	// Install missing modules and rerun, one package per pass. A
	// project script can trip over several imports in sequence, so
	// this loops until the script succeeds, a pass stops surfacing a
	// new missing module, or the attempt budget runs out.
	for try := 0; try < p.cfg.ProjectInstallTries && !result.Success(); try++ {
		missing := sandbox.ParseImportError(result.Traceback + "\n" + result.Stderr)
		if missing == "" {
			break
		}
		logger.Info().Str("package", missing).Str("project", proj.Name).
			Int("attempt", try+1).
			Msg("Project missing module, attempting auto-install")
		if err := p.projectPipInstall(ctx, st.TaskID, proj, missing); err != nil {
			break
		}
		rerun, rerr := p.runProjectScript(ctx, st.TaskID, proj, code, timeout)
		if rerr != nil {
			break
		}
		result = rerun
	}

	st.Code = code
	st.ExecutionResult = formatResult(result)
	st.Artifacts = filterProjectArtifacts(result.Artifacts)
	st.WorkingDir = proj.Path
}

// runProjectScript feeds the generated script to bash over stdin with
// a randomized heredoc delimiter so the script body cannot terminate
// the heredoc itself.
func (p *Pipeline) runProjectScript(ctx context.Context, taskID string, proj *types.Project, code string, timeout time.Duration) (*types.ExecResult, error) {
	delimiter := "GOLEM_EOF_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return p.runner.RunShell(ctx, sandbox.RunSpec{
		TaskID:     taskID,
		Command:    fmt.Sprintf("bash -e /dev/stdin <<'%s'\n%s\n%s", delimiter, code, delimiter),
		Timeout:    timeout,
		WorkingDir: proj.Path,
		VenvPath:   proj.Venv,
	})
}

func (p *Pipeline) bootstrapProjectDeps(ctx context.Context, taskID string, proj *types.Project) error {
	reqFile := filepath.Join(proj.Path, "requirements.txt")
	if _, err := os.Stat(reqFile); err != nil {
		return nil
	}

	pipBin := "pip3"
	if proj.Venv != "" {
		pipBin = filepath.Join(proj.Venv, "bin", "pip")
	}

	log.WithComponent("pipeline").Info().Str("file", reqFile).Msg("Bootstrapping project dependencies")
	result, err := p.runner.RunShell(ctx, sandbox.RunSpec{
		TaskID:     taskID,
		Command:    fmt.Sprintf("%s install -r %s --quiet", pipBin, shellQuote(reqFile)),
		Timeout:    bootstrapTimeout,
		WorkingDir: proj.Path,
		VenvPath:   proj.Venv,
	})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("install dependencies: %s", head(result.Stderr, 200))
	}
	return nil
}

func (p *Pipeline) projectPipInstall(ctx context.Context, taskID string, proj *types.Project, pkg string) error {
	pipBin := "pip3"
	if proj.Venv != "" {
		pipBin = filepath.Join(proj.Venv, "bin", "pip")
	}
	result, err := p.runner.RunShell(ctx, sandbox.RunSpec{
		TaskID:     taskID,
		Command:    fmt.Sprintf("%s install %s", pipBin, shellQuote(pkg)),
		Timeout:    bootstrapTimeout,
		WorkingDir: proj.Path,
		VenvPath:   proj.Venv,
	})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("pip install %s failed", pkg)
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// extractParams asks the model to pull command parameter values out of
// the user's message; a parse failure falls back to mapping the first
// upload onto a {file} placeholder.
func (p *Pipeline) extractParams(ctx context.Context, st *State) map[string]string {
	placeholders := map[string]bool{}
	for _, cmd := range st.Project.Commands {
		for _, m := range placeholderRe.FindAllStringSubmatch(cmd, -1) {
			placeholders[m[1]] = true
		}
	}
	if len(placeholders) == 0 {
		return map[string]string{}
	}

	names := make([]string, 0, len(placeholders))
	for name := range placeholders {
		names = append(names, name)
	}
	sort.Strings(names)

	uploads := "None"
	if len(st.Files) > 0 {
		uploads = strings.Join(st.Files, ", ")
	}

	prompt := fmt.Sprintf(`Extract parameter values from the user's message for a project command.

Parameters needed: %s

User message: %s

Uploaded files: %s

Rules:
- For "file": use the exact uploaded file path if one exists
- For "client": extract the company/client name from the message
- For other parameters: extract from context if possible
- Return ONLY a JSON object with parameter names as keys

Respond with ONLY valid JSON, e.g.: {"client": "Light & Wonder", "file": "/path/to/file.xlsx"}`,
		strings.Join(names, ", "), st.Message, uploads)

	response, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeGeneral,
		Complexity: types.ComplexityLow,
		Prompt:     prompt,
		MaxTokens:  200,
		TaskID:     st.TaskID,
	})
	if err == nil {
		var params map[string]string
		if jsonErr := json.Unmarshal([]byte(stripMarkdownBlocks(response)), &params); jsonErr == nil && params != nil {
			log.WithComponent("pipeline").Info().
				Interface("params", params).
				Msg("Extracted project parameters")
			return params
		}
		log.WithComponent("pipeline").Warn().
			Str("response", head(response, 200)).
			Msg("Failed to parse parameter extraction")
	}

	fallback := map[string]string{}
	if placeholders["file"] && len(st.Files) > 0 {
		fallback["file"] = st.Files[0]
	}
	return fallback
}

// fillCommands substitutes extracted parameter values into command
// templates, shell-quoting each value.
func fillCommands(commands map[string]string, params map[string]string) map[string]string {
	filled := make(map[string]string, len(commands))
	for name, cmd := range commands {
		out := cmd
		for k, v := range params {
			out = strings.ReplaceAll(out, "{"+k+"}", shellQuote(v))
		}
		filled[name] = out
	}
	return filled
}

func formatCommandMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, m[k]))
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

func formatParamMap(m map[string]string) string {
	return formatCommandMap(m)
}

func filterProjectArtifacts(artifacts []string) []string {
	if len(artifacts) <= maxProjectArtifacts {
		return artifacts
	}
	var filtered []string
	for _, f := range artifacts {
		if outputExts[strings.ToLower(filepath.Ext(f))] {
			filtered = append(filtered, f)
		}
	}
	if len(filtered) == 0 {
		return artifacts
	}
	log.WithComponent("pipeline").Info().
		Int("before", len(artifacts)).
		Int("after", len(filtered)).
		Msg("Filtered project artifacts to output extensions")
	return filtered
}

// ── HTML generation path ──────────────────────────────────────────

// executeHTML handles ui_design and frontend tasks: the model's HTML
// is the deliverable, written straight to the outputs directory with
// no sandbox run.
func (p *Pipeline) executeHTML(ctx context.Context, st *State, system string, maxTokens int64, fallbackName, label string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan:\n%s\n\nOriginal task: %s", st.Plan, st.Message)

	if len(st.Files) > 0 {
		b.WriteString("\n\nReference files provided:")
		for _, fpath := range st.Files {
			fmt.Fprintf(&b, "\n- %s", fpath)
			ext := strings.ToLower(filepath.Ext(fpath))
			if _, err := os.Stat(fpath); err == nil && referenceExts[ext] {
				fmt.Fprintf(&b, "\n  Content preview:\n%s", head(files.Content(fpath), 1000))
			}
		}
	}

	if st.AuditFeedback != "" {
		fmt.Fprintf(&b, "\n\n--- PREVIOUS ATTEMPT FAILED ---\n%s", st.AuditFeedback)
		if st.Code != "" {
			fmt.Fprintf(&b, "\n\n--- Previous HTML ---\n%s", head(st.Code, 5000))
		}
	}

	code, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeCodeGen,
		Complexity: st.Complexity,
		Prompt:     b.String(),
		System:     system,
		MaxTokens:  maxTokens,
		Thinking:   true,
		TaskID:     st.TaskID,
	})
	if err != nil {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nHTML generation failed: " + errText(err)
		return
	}
	code = stripMarkdownBlocks(code)
	if strings.TrimSpace(code) == "" {
		st.ExecutionResult = "Execution: FAILED\nErrors:\nHTML generation returned empty"
		return
	}

	filename := slugFilename(st.Message, fallbackName) + "_" +
		strings.ReplaceAll(uuid.New().String(), "-", "")[:6] + ".html"
	outputPath := filepath.Join(p.cfg.OutputsDir, filename)

	if err := os.MkdirAll(p.cfg.OutputsDir, 0755); err != nil {
		st.ExecutionResult = "Execution: FAILED\nErrors:\n" + errText(err)
		return
	}
	if err := os.WriteFile(outputPath, []byte(code), 0644); err != nil {
		st.ExecutionResult = "Execution: FAILED\nErrors:\n" + errText(err)
		return
	}
	log.WithComponent("pipeline").Info().
		Str("path", outputPath).
		Int("bytes", len(code)).
		Msg("HTML artifact saved")

	st.Code = code
	st.ExecutionResult = fmt.Sprintf(
		"Execution: SUCCESS (exit code 0)\nOutput:\n%s: %s (%d chars)\nFiles created: %s",
		label, filename, len(code), filename)
	st.Artifacts = []string{outputPath}
	st.WorkingDir = p.cfg.OutputsDir
}

var referenceExts = map[string]bool{
	".csv": true, ".txt": true, ".json": true, ".html": true, ".js": true, ".css": true,
}

// slugFilename derives a filesystem-safe base name from the first few
// words of the message.
func slugFilename(message, fallback string) string {
	var clean strings.Builder
	for _, r := range message {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			clean.WriteRune(r)
		}
	}
	words := strings.Fields(clean.String())
	if len(words) > 4 {
		words = words[:4]
	}
	slug := strings.ToLower(strings.Join(words, "_"))
	if slug == "" {
		return fallback
	}
	return slug
}

// ── Result formatting ─────────────────────────────────────────────

// formatResult renders an execution result as the text block the
// auditor and deliverer consume.
func formatResult(result *types.ExecResult) string {
	var parts []string
	status := "FAILED"
	if result.Success() {
		status = "SUCCESS"
	}
	parts = append(parts, fmt.Sprintf("Execution: %s (exit code %d)", status, result.ExitCode))

	if result.Stdout != "" {
		parts = append(parts, "Output:\n"+result.Stdout)
	}
	if result.Traceback != "" {
		parts = append(parts, "Traceback:\n"+result.Traceback)
	} else if result.Stderr != "" {
		parts = append(parts, "Stderr:\n"+result.Stderr)
	}
	if len(result.Artifacts) > 0 {
		names := make([]string, len(result.Artifacts))
		for i, f := range result.Artifacts {
			names[i] = filepath.Base(f)
		}
		parts = append(parts, "Files created: "+strings.Join(names, ", "))
	}
	if result.TimedOut {
		parts = append(parts, "WARNING: Execution timed out")
	}
	return strings.Join(parts, "\n")
}
