package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/golem-sh/golem/pkg/bot"
	"github.com/golem-sh/golem/pkg/config"
	"github.com/golem-sh/golem/pkg/coordinator"
	"github.com/golem-sh/golem/pkg/events"
	"github.com/golem-sh/golem/pkg/files"
	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/guard"
	"github.com/golem-sh/golem/pkg/health"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/metrics"
	"github.com/golem-sh/golem/pkg/pipeline"
	"github.com/golem-sh/golem/pkg/projects"
	"github.com/golem-sh/golem/pkg/sandbox"
	"github.com/golem-sh/golem/pkg/scheduler"
	"github.com/golem-sh/golem/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "golem",
	Short: "Golem - single-operator task execution agent",
	Long: `Golem turns chat messages into executed work: it classifies each
request, plans it, runs generated code in a tiered sandbox, audits the
result with a second model, and reports back over Slack.

One binary, one operator, local state in ~/.golem.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Golem version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent",
	Long: `Start the full service: storage, resource guards, the model
gateway, the task pipeline, the scheduler, and the Slack surface.
Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting golem")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.PipCacheDir, 0755); err != nil {
		return fmt.Errorf("create pip cache dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Jobs get their own database file so scheduler polling never
	// contends with task writes.
	jobStore, err := storage.NewJobStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	// Tasks still marked running from a previous process are orphans.
	if n, err := store.RecoverStaleTasks(); err != nil {
		logger.Warn().Err(err).Msg("Stale task recovery failed")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("Recovered stale tasks")
	}
	if n, err := store.PruneHistory(time.Now().Add(-cfg.HistoryRetention)); err == nil && n > 0 {
		logger.Info().Int("count", n).Msg("Pruned old history")
	}
	if n, err := store.PruneUsage(time.Now().Add(-cfg.HistoryRetention)); err == nil && n > 0 {
		logger.Info().Int("count", n).Msg("Pruned old usage records")
	}
	if n, err := storage.CleanupWorkspace(cfg.WorkspaceDir, cfg.WorkspaceRetention); err != nil {
		logger.Warn().Err(err).Msg("Workspace cleanup failed")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("Removed old workspace directories")
	}

	uploads, err := files.NewManager(cfg.UploadsDir)
	if err != nil {
		return fmt.Errorf("uploads dir: %w", err)
	}

	reg, err := projects.Load(cfg.ProjectsFile)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	grd := guard.New(guard.Config{
		MaxConcurrent:    cfg.MaxConcurrentTasks,
		RAMThresholdPct:  cfg.RAMThresholdPercent,
		UserCooldown:     cfg.UserCooldown,
		MinFreeDiskBytes: cfg.MinFreeDiskBytes,
		DataDir:          cfg.DataDir,
	})

	live := sandbox.NewLiveOutput(cfg.LiveTailLines)
	home, err := os.UserHomeDir()
	if err != nil {
		home = cfg.DataDir
	}
	sb := sandbox.New(sandbox.Config{
		DefaultTimeout: cfg.ExecutionTimeout,
		MaxTimeout:     cfg.MaxExecutionTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		HomeDir:        home,
		UploadsDir:     cfg.UploadsDir,
		ScanLimit:      cfg.ArtifactScanLimit,
		DockerEnabled:  cfg.DockerEnabled,
		DockerImage:    cfg.DockerImage,
		DockerMemLimit: cfg.DockerMemLimit,
		DockerCPULimit: cfg.DockerCPULimit,
		DockerNetwork:  cfg.DockerNetwork,
		PipCacheDir:    cfg.PipCacheDir,
	}, live)

	gw := gateway.New(gateway.Config{
		APIKey:           cfg.AnthropicAPIKey,
		RemoteModel:      cfg.RemoteModel,
		RemoteModelHeavy: cfg.RemoteModelHeavy,
		LocalModel:       cfg.LocalModel,
		OllamaURL:        cfg.OllamaURL,
		MaxRetries:       cfg.APIMaxRetries,
		DailyBudgetUSD:   cfg.DailyBudgetUSD,
		MonthlyBudgetUSD: cfg.MonthlyBudgetUSD,
		SoftFraction:     cfg.BudgetSoftFraction,
		RAMRoutePct:      cfg.RAMLocalPercent,
	}, store, guard.RAMUsedPercent)

	pipe := pipeline.New(pipeline.Config{
		MaxRetries:          cfg.MaxRetries,
		ExecutionTimeout:    cfg.ExecutionTimeout,
		MaxExecutionTimeout: cfg.MaxExecutionTimeout,
		HomeDir:             home,
		OutputsDir:          cfg.WorkspaceDir,
		InstallTries:        cfg.FreeFormInstallTries,
		ProjectInstallTries: cfg.ProjectInstallTries,
		StandardsFile:       cfg.StandardsFile,
	}, gw, sb, reg, store)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker.Subscribe())

	coord := coordinator.New(coordinator.Config{
		LongTimeout:    cfg.LongTimeout,
		MaxUploadBytes: files.MaxUploadBytes,
		OutputsDir:     cfg.WorkspaceDir,
		HomeDir:        home,
		DebugDumps:     cfg.DebugDumps,
	}, store, grd, pipe, live, nil, broker)

	checker := health.NewChecker(store, gw, reg, grd.InFlight, cfg.DataDir)
	sched := scheduler.New(jobStore, coord.SubmitScheduled)

	chat := bot.New(bot.Config{
		BotToken:       cfg.SlackBotToken,
		AppToken:       cfg.SlackAppToken,
		AllowedUserIDs: cfg.AllowedUserIDs,
		HomeDir:        home,
		Version:        Version,
	}, bot.Deps{
		Coordinator: coord,
		Store:       store,
		Health:      checker,
		Scheduler:   sched,
		Shell:       sb,
		Uploads:     uploads,
		Projects:    reg,
	})

	// Results and scheduled-job output deliver through the bot.
	coord.SetNotifier(chat)
	sched.Start()
	defer sched.Stop()

	metrics.Serve(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("Golem is running")
	if err := chat.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack connection: %w", err)
	}
	logger.Info().Msg("Shutting down")
	return nil
}

// logEvents mirrors the task event stream into the structured log.
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		logger.Debug().
			Str("type", string(event.Type)).
			Str("task_id", event.TaskID).
			Str("stage", event.Stage).
			Str("detail", event.Detail).
			Msg("Event")
	}
}
