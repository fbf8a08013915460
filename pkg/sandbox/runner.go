package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// Config holds sandbox settings.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
	// HomeDir bounds every working directory; runs outside it are refused.
	HomeDir    string
	UploadsDir string
	ScanLimit  int

	DockerEnabled  bool
	DockerImage    string
	DockerMemLimit string
	DockerCPULimit string
	DockerNetwork  string
	PipCacheDir    string
}

// Sandbox executes generated code and shell commands under the tiered
// safety policy, either in a subprocess process group or a disposable
// container.
type Sandbox struct {
	cfg  Config
	live *LiveOutput

	dockerMu      sync.Mutex // serializes pip-cache writes
	dockerCheckMu sync.Mutex
	dockerOK      bool
	dockerChecked time.Time
}

// RunSpec describes one execution.
type RunSpec struct {
	TaskID     string
	Code       string // interpreter source for RunCode
	Command    string // shell line for RunShell
	Language   string // python, javascript, bash
	Timeout    time.Duration
	WorkingDir string
	VenvPath   string
	Env        map[string]string
}

// New creates a Sandbox.
func New(cfg Config, live *LiveOutput) *Sandbox {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 200_000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	if live == nil {
		live = NewLiveOutput(50)
	}
	return &Sandbox{cfg: cfg, live: live}
}

// Live returns the shared live-output ring.
func (s *Sandbox) Live() *LiveOutput {
	return s.live
}

// RunCode writes spec.Code to a temp script in the working directory
// and executes it with the language's interpreter. Safety refusals
// return a TaskError; execution failures are reported in the result.
func (s *Sandbox) RunCode(ctx context.Context, spec RunSpec) (*types.ExecResult, error) {
	if spec.Language == "" {
		spec.Language = "python"
	}

	if s.cfg.DockerEnabled && s.dockerAvailable() {
		return s.runCodeDocker(ctx, spec)
	}

	// Tier-4 scan applies only on the subprocess path.
	if spec.Language == "python" {
		if msg := CheckCode(spec.Code); msg != "" {
			log.WithComponent("sandbox").Warn().Str("reason", msg).Msg("Code content blocked")
			return nil, types.NewTaskError(types.ErrKindSafety, msg, nil)
		}
	}

	if err := s.validateWorkingDir(spec.WorkingDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.WorkingDir, 0755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	scriptPath, err := writeScript(spec.WorkingDir, spec.Code, spec.Language)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scriptPath)

	argv := interpreterArgv(spec.Language, spec.VenvPath, scriptPath)
	before := snapshotMtimes(spec.WorkingDir)

	result, err := s.runProcess(ctx, spec, argv, "")
	if err != nil {
		return nil, err
	}

	s.attachArtifacts(result, spec.WorkingDir, scriptPath, before)
	return result, nil
}

// RunShell executes a shell command line. Catastrophic commands are
// blocked; everything else is allowed (tier-3 forms are logged).
func (s *Sandbox) RunShell(ctx context.Context, spec RunSpec) (*types.ExecResult, error) {
	if err := s.validateWorkingDir(spec.WorkingDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.WorkingDir, 0755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	if msg := CheckCommand(spec.Command); msg != "" {
		log.WithComponent("sandbox").Warn().
			Str("command", truncate(spec.Command, 200)).
			Msg("Command blocked")
		return nil, types.NewTaskError(types.ErrKindSafety, msg, nil)
	}

	shellLine := spec.Command
	if spec.VenvPath != "" {
		activate := filepath.Join(spec.VenvPath, "bin", "activate")
		if _, err := os.Stat(activate); err == nil {
			shellLine = fmt.Sprintf("source '%s' && %s", activate, spec.Command)
		} else {
			log.WithComponent("sandbox").Warn().Str("path", activate).Msg("Venv activate not found")
		}
	}

	before := snapshotMtimes(spec.WorkingDir)

	result, err := s.runProcess(ctx, spec, []string{"bash", "-c", shellLine}, "")
	if err != nil {
		return nil, err
	}

	s.attachArtifacts(result, spec.WorkingDir, "", before)
	return result, nil
}

// runProcess starts argv in its own process group and captures output
// line by line. On timeout the whole group is killed so grandchildren
// cannot outlive the run.
func (s *Sandbox) runProcess(ctx context.Context, spec RunSpec, argv []string, stdin string) (*types.ExecResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if s.cfg.MaxTimeout > 0 && timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = filterEnv(spec.Env)
	cmd.Stdin = nil // /dev/null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	log.WithComponent("sandbox").Info().
		Str("task_id", spec.TaskID).
		Str("cwd", spec.WorkingDir).
		Dur("timeout", timeout).
		Str("argv0", argv[0]).
		Msg("Executing")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	pgid := cmd.Process.Pid

	var stdout, stderr cappedBuffer
	stdout.limit = s.cfg.MaxOutputBytes
	stderr.limit = s.cfg.MaxOutputBytes / 4

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.writeLine(line)
			if spec.TaskID != "" {
				s.live.Push(spec.TaskID, line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderr.writeLine(scanner.Text())
		}
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut {
		// Kill the entire process group to prevent orphaned children.
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		log.WithComponent("sandbox").Warn().
			Int("pgid", pgid).
			Dur("timeout", timeout).
			Msg("Execution timed out, killed process group")
		return &types.ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Execution timed out after %s", timeout),
			TimedOut: true,
			Duration: time.Since(start),
		}, nil
	}

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
	}

	result := &types.ExecResult{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if exitCode != 0 {
		result.Traceback = extractTraceback(result.Stderr)
	}
	return result, nil
}

func (s *Sandbox) attachArtifacts(result *types.ExecResult, workingDir, scriptPath string, before map[string]time.Time) {
	if declared := parseDeclaredArtifacts(result.Stdout, workingDir); declared != nil {
		result.Artifacts = declared
		return
	}
	result.Artifacts = diffArtifacts(workingDir, scriptPath, before, s.cfg.ScanLimit)
}

// validateWorkingDir refuses directories outside the operator home.
func (s *Sandbox) validateWorkingDir(dir string) error {
	if dir == "" {
		return types.NewTaskError(types.ErrKindSafety, "working directory not set", nil)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	home, err := filepath.Abs(s.cfg.HomeDir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(home, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return types.NewTaskError(types.ErrKindSafety,
			fmt.Sprintf("working directory %s is outside %s", dir, home), nil)
	}
	return nil
}

func writeScript(dir, code, language string) (string, error) {
	suffix := map[string]string{"python": ".py", "javascript": ".js", "bash": ".sh"}[language]
	if suffix == "" {
		suffix = ".py"
	}
	path := filepath.Join(dir, "script-"+uuid.New().String()[:8]+suffix)
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

func interpreterArgv(language, venvPath, scriptPath string) []string {
	switch language {
	case "javascript":
		return []string{"node", scriptPath}
	case "bash":
		return []string{"bash", "-e", scriptPath}
	default:
		python := "python3"
		if venvPath != "" {
			python = filepath.Join(venvPath, "bin", "python3")
		}
		return []string{python, "-u", scriptPath}
	}
}

// extractTraceback returns everything from the last Python traceback
// marker to the end of stderr, so chained tracebacks report the final
// cause.
func extractTraceback(stderr string) string {
	if stderr == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	start := -1
	for i, line := range lines {
		if strings.Contains(line, "Traceback (most recent call last):") {
			start = i
		}
	}
	if start == -1 {
		return ""
	}
	return strings.Join(lines[start:], "\n")
}

// cappedBuffer accumulates lines up to a byte limit.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func (b *cappedBuffer) writeLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.buf.Len()+len(line)+1 > b.limit {
		b.truncated = true
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
