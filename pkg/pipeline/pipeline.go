// Package pipeline runs tasks through the five stage flow: classify,
// plan, execute, audit, deliver. A failed audit loops back to planning
// with the auditor's feedback until the verdict passes or the retry
// budget is spent.
package pipeline

import (
	"context"
	"time"

	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/projects"
	"github.com/golem-sh/golem/pkg/sandbox"
	"github.com/golem-sh/golem/pkg/types"
)

// ModelCaller is the slice of the gateway the pipeline needs.
type ModelCaller interface {
	Call(ctx context.Context, req gateway.Request) (string, error)
}

// Runner is the slice of the sandbox the executor needs.
type Runner interface {
	RunShell(ctx context.Context, spec sandbox.RunSpec) (*types.ExecResult, error)
	RunCodeWithAutoInstall(ctx context.Context, spec sandbox.RunSpec, maxInstalls int) (*types.ExecResult, error)
}

// Recorder is the slice of storage the pipeline writes through: the
// project lesson log and the per-user task history the deliverer mines
// for follow-up suggestions. A nil Recorder disables both.
type Recorder interface {
	AppendProjectMemory(rec *types.ProjectMemoryRecord) error
	ProjectLessons(project string, limit int) ([]*types.ProjectMemoryRecord, error)
	ListTasksByUser(userID string, limit int) ([]*types.Task, error)
}

// Config holds pipeline settings.
type Config struct {
	MaxRetries int
	// ExecutionTimeout is the base sandbox timeout; the executor
	// stretches it for slow task types and large inputs up to
	// MaxExecutionTimeout.
	ExecutionTimeout    time.Duration
	MaxExecutionTimeout time.Duration
	// ModelCallTimeout bounds each individual model call.
	ModelCallTimeout time.Duration
	// HomeDir bounds working-directory extraction from prompts.
	HomeDir string
	// OutputsDir is the default working directory for generated code
	// and the destination for generated HTML and code attachments.
	OutputsDir string
	// InstallTries bounds free-form auto-installs; ProjectInstallTries
	// bounds the install-and-rerun loop for project scripts, which may
	// legitimately need several packages.
	InstallTries        int
	ProjectInstallTries int
	// StandardsFile points at an optional plain-text coding standards
	// file injected (truncated) into code-producing plans.
	StandardsFile string
}

// Pipeline executes the staged task flow.
type Pipeline struct {
	cfg    Config
	model  ModelCaller
	runner Runner
	reg    *projects.Registry
	rec    Recorder
	stages *Tracker
}

// New creates a Pipeline. rec may be nil when lesson memory and
// follow-up mining are not wanted (tests, one-shot runs).
func New(cfg Config, model ModelCaller, runner Runner, reg *projects.Registry, rec Recorder) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 120 * time.Second
	}
	if cfg.MaxExecutionTimeout <= 0 {
		cfg.MaxExecutionTimeout = 600 * time.Second
	}
	if cfg.ModelCallTimeout <= 0 {
		cfg.ModelCallTimeout = 5 * time.Minute
	}
	if cfg.InstallTries <= 0 {
		cfg.InstallTries = 2
	}
	if cfg.ProjectInstallTries <= 0 {
		cfg.ProjectInstallTries = 5
	}
	return &Pipeline{
		cfg:    cfg,
		model:  model,
		runner: runner,
		reg:    reg,
		rec:    rec,
		stages: NewTracker(),
	}
}

// Stages exposes the stage tracker for status streaming.
func (p *Pipeline) Stages() *Tracker {
	return p.stages
}

// Run executes the full pipeline for one task and returns the final
// state. The state always carries a FinalResponse afterwards, even
// when every attempt failed.
func (p *Pipeline) Run(ctx context.Context, st *State) *State {
	logger := log.WithComponent("pipeline")
	logger.Info().Str("task_id", st.TaskID).Msg("Starting pipeline")
	defer p.stages.Clear(st.TaskID)

	p.runStage(ctx, st, "classifying", p.classify)

	for {
		p.runStage(ctx, st, "planning", p.plan)
		p.runStage(ctx, st, "executing", p.execute)
		p.runStage(ctx, st, "auditing", p.audit)

		if ctx.Err() != nil {
			break
		}
		if !p.shouldRetry(st) {
			break
		}
		logger.Info().
			Str("task_id", st.TaskID).
			Int("retry", st.RetryCount).
			Msg("Audit failed, replanning")
	}

	p.runStage(ctx, st, "delivering", p.deliver)
	p.writeSidecar(st)

	logger.Info().
		Str("task_id", st.TaskID).
		Str("verdict", string(st.AuditVerdict)).
		Int("retries", st.RetryCount).
		Msg("Pipeline complete")
	return st
}

func (p *Pipeline) runStage(ctx context.Context, st *State, label string, fn func(context.Context, *State)) {
	p.stages.Set(st.TaskID, label)
	start := time.Now()
	fn(ctx, st)
	st.StageTimings[label] += time.Since(start)
}

// shouldRetry reports whether a failed audit earns another planning
// pass.
func (p *Pipeline) shouldRetry(st *State) bool {
	if st.AuditVerdict == types.VerdictPass {
		return false
	}
	if st.RetryCount >= p.cfg.MaxRetries {
		log.WithComponent("pipeline").Warn().
			Str("task_id", st.TaskID).
			Msg("Max retries reached, delivering as-is")
		return false
	}
	return true
}

// callModel bounds an individual model call so a stuck provider cannot
// hold a pipeline slot indefinitely.
func (p *Pipeline) callModel(ctx context.Context, req gateway.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ModelCallTimeout)
	defer cancel()
	return p.model.Call(ctx, req)
}
