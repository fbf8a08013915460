package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

const (
	dockerCheckTTL   = 60 * time.Second
	dockerProbeLimit = 5 * time.Second
	installTimeout   = 120 * time.Second
)

// dockerAvailable reports whether the daemon is reachable and the
// sandbox image exists. The answer is cached; a missing local socket
// fails fast without spawning the CLI (unless DOCKER_HOST points at a
// remote daemon).
func (s *Sandbox) dockerAvailable() bool {
	s.dockerCheckMu.Lock()
	defer s.dockerCheckMu.Unlock()

	if time.Since(s.dockerChecked) < dockerCheckTTL {
		return s.dockerOK
	}
	s.dockerChecked = time.Now()
	s.dockerOK = false

	logger := log.WithComponent("sandbox")

	if os.Getenv("DOCKER_HOST") == "" {
		home, _ := os.UserHomeDir()
		sockets := []string{
			"/var/run/docker.sock",
			filepath.Join(home, ".docker", "run", "docker.sock"),
		}
		found := false
		for _, sock := range sockets {
			if _, err := os.Stat(sock); err == nil {
				found = true
				break
			}
		}
		if !found {
			logger.Warn().Msg("Docker socket not found, falling back to subprocess execution")
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerProbeLimit)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		logger.Warn().Err(err).Msg("Docker daemon not running, falling back to subprocess execution")
		return false
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), dockerProbeLimit)
	defer cancel2()
	if err := exec.CommandContext(ctx2, "docker", "image", "inspect", s.cfg.DockerImage).Run(); err != nil {
		logger.Warn().Str("image", s.cfg.DockerImage).Msg("Docker running but sandbox image not found")
		return false
	}

	s.dockerOK = true
	return true
}

// buildDockerArgv assembles the docker run invocation. Only the working
// directory (rw) and uploads directory (ro) are visible to the
// container; everything else on the host stays out of reach.
func (s *Sandbox) buildDockerArgv(containerName, workingDir, scriptPath, language string) []string {
	argv := []string{
		"docker", "run",
		"--name", containerName,
		"--rm",
		"-v", fmt.Sprintf("%s:%s", workingDir, workingDir),
		"-v", fmt.Sprintf("%s:%s:ro", s.cfg.UploadsDir, s.cfg.UploadsDir),
	}
	if s.cfg.PipCacheDir != "" {
		argv = append(argv,
			"-v", fmt.Sprintf("%s:/pip-cache", s.cfg.PipCacheDir),
			"-e", "PIP_TARGET=/pip-cache",
			"-e", "PYTHONPATH=/pip-cache",
		)
	}
	argv = append(argv,
		"--memory", s.cfg.DockerMemLimit,
		"--cpus", s.cfg.DockerCPULimit,
		"--pids-limit", "256",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--network", s.cfg.DockerNetwork,
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"-w", workingDir,
		s.cfg.DockerImage,
	)

	switch language {
	case "javascript":
		argv = append(argv, "node", scriptPath)
	case "bash":
		argv = append(argv, "bash", "-e", scriptPath)
	default:
		argv = append(argv, "python3", "-u", scriptPath)
	}
	return argv
}

// runCodeDocker executes code in a disposable container. The tier-4
// content scan is skipped here; filesystem isolation covers it.
func (s *Sandbox) runCodeDocker(ctx context.Context, spec RunSpec) (*types.ExecResult, error) {
	// The working dir is mounted read-write, so it is validated even
	// on the container path.
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

	containerName := "golem-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	argv := s.buildDockerArgv(containerName, spec.WorkingDir, scriptPath, spec.Language)

	log.WithComponent("sandbox").Info().
		Str("task_id", spec.TaskID).
		Str("container", containerName).
		Str("network", s.cfg.DockerNetwork).
		Str("cwd", spec.WorkingDir).
		Msg("Docker exec")

	before := snapshotMtimes(spec.WorkingDir)

	result, err := s.runProcess(ctx, spec, argv, "")
	if err != nil {
		s.removeContainer(containerName)
		return nil, err
	}
	if result.TimedOut {
		// --rm handles clean exits; a killed run leaves the container.
		s.killContainer(containerName)
		s.removeContainer(containerName)
	}

	s.attachArtifacts(result, spec.WorkingDir, scriptPath, before)
	return result, nil
}

// dockerPipInstall installs a package into the shared pip cache
// volume. Serialized process-wide so concurrent auto-installs cannot
// corrupt the cache.
func (s *Sandbox) dockerPipInstall(ctx context.Context, pkg string) error {
	if s.cfg.PipCacheDir == "" {
		return fmt.Errorf("pip cache dir not configured")
	}
	s.dockerMu.Lock()
	defer s.dockerMu.Unlock()

	containerName := "golem-pip-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	argv := []string{
		"docker", "run",
		"--name", containerName,
		"--rm",
		"-v", fmt.Sprintf("%s:/pip-cache", s.cfg.PipCacheDir),
		"-e", "PIP_TARGET=/pip-cache",
		"--network", s.cfg.DockerNetwork,
		s.cfg.DockerImage,
		"pip", "install", pkg,
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	cmd := exec.CommandContext(installCtx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		s.killContainer(containerName)
		s.removeContainer(containerName)
		return fmt.Errorf("pip install %s: %w: %s", pkg, err, truncate(string(out), 200))
	}
	return nil
}

func (s *Sandbox) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerProbeLimit)
	defer cancel()
	exec.CommandContext(ctx, "docker", "kill", name).Run()
}

func (s *Sandbox) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerProbeLimit)
	defer cancel()
	exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}
