package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings. Every field has a sane default so
// a bare environment still yields a runnable (if limited) instance;
// only the API keys are genuinely required for remote model calls.
type Config struct {
	// Identity and surfaces
	SlackBotToken  string
	SlackAppToken  string
	AllowedUserIDs []string

	// Model gateway
	AnthropicAPIKey  string
	RemoteModel      string
	RemoteModelHeavy string
	LocalModel       string
	OllamaURL        string
	APIMaxRetries    int
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	// Fraction of the daily budget after which low-complexity stages
	// prefer the local model.
	BudgetSoftFraction float64

	// Pipeline
	MaxRetries int

	// Execution
	ExecutionTimeout     time.Duration
	MaxExecutionTimeout  time.Duration
	LongTimeout          time.Duration
	MaxOutputBytes       int
	LiveTailLines        int
	FreeFormInstallTries int
	ProjectInstallTries  int

	// Container backend
	DockerEnabled  bool
	DockerImage    string
	DockerMemLimit string
	DockerCPULimit string
	DockerNetwork  string

	// Resource guards
	MaxConcurrentTasks  int
	RAMThresholdPercent float64
	RAMLocalPercent     float64
	UserCooldown        time.Duration
	MinFreeDiskBytes    uint64

	// Artifact detection
	ArtifactScanLimit int

	// Paths
	DataDir       string
	WorkspaceDir  string
	UploadsDir    string
	PipCacheDir   string
	ProjectsFile  string
	StandardsFile string

	// Retention
	HistoryRetention   time.Duration
	WorkspaceRetention time.Duration

	// Logging
	LogLevel   string
	LogJSON    bool
	DebugDumps bool

	// Metrics
	MetricsAddr string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := envStr("GOLEM_DATA_DIR", filepath.Join(home, ".golem"))

	cfg := &Config{
		SlackBotToken:  os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:  os.Getenv("SLACK_APP_TOKEN"),
		AllowedUserIDs: splitCSV(os.Getenv("ALLOWED_USER_IDS")),

		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		RemoteModel:        envStr("REMOTE_MODEL", "claude-sonnet-4-5"),
		RemoteModelHeavy:   envStr("REMOTE_MODEL_HEAVY", "claude-opus-4-1"),
		LocalModel:         envStr("LOCAL_MODEL", "qwen2.5-coder:14b"),
		OllamaURL:          envStr("OLLAMA_URL", "http://localhost:11434"),
		APIMaxRetries:      envInt("API_MAX_RETRIES", 5),
		DailyBudgetUSD:     envFloat("DAILY_BUDGET_USD", 10.0),
		MonthlyBudgetUSD:   envFloat("MONTHLY_BUDGET_USD", 150.0),
		BudgetSoftFraction: envFloat("BUDGET_SOFT_FRACTION", 0.70),

		MaxRetries: envInt("MAX_RETRIES", 3),

		ExecutionTimeout:     envDurationSecs("EXECUTION_TIMEOUT", 120),
		MaxExecutionTimeout:  envDurationSecs("MAX_CODE_EXECUTION_TIMEOUT", 600),
		LongTimeout:          envDurationSecs("LONG_TIMEOUT", 900),
		MaxOutputBytes:       envInt("MAX_OUTPUT_BYTES", 200_000),
		LiveTailLines:        envInt("LIVE_TAIL_LINES", 50),
		FreeFormInstallTries: envInt("FREEFORM_INSTALL_RETRIES", 2),
		ProjectInstallTries:  envInt("PROJECT_INSTALL_RETRIES", 5),

		DockerEnabled:  envBool("DOCKER_SANDBOX_ENABLED", false),
		DockerImage:    envStr("DOCKER_SANDBOX_IMAGE", "golem-sandbox:latest"),
		DockerMemLimit: envStr("DOCKER_MEM_LIMIT", "2g"),
		DockerCPULimit: envStr("DOCKER_CPU_LIMIT", "2"),
		DockerNetwork:  envStr("DOCKER_NETWORK", "bridge"),

		MaxConcurrentTasks:  envInt("MAX_CONCURRENT_TASKS", 3),
		RAMThresholdPercent: envFloat("RAM_THRESHOLD_PERCENT", 90),
		RAMLocalPercent:     envFloat("RAM_LOCAL_PERCENT", 75),
		UserCooldown:        envDurationSecs("USER_COOLDOWN_SECONDS", 5),
		MinFreeDiskBytes:    uint64(envInt("MIN_FREE_DISK_MB", 500)) * 1024 * 1024,

		ArtifactScanLimit: envInt("ARTIFACT_SCAN_LIMIT", 20),

		DataDir:       dataDir,
		WorkspaceDir:  envStr("GOLEM_WORKSPACE_DIR", filepath.Join(dataDir, "workspace")),
		UploadsDir:    envStr("GOLEM_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
		PipCacheDir:   envStr("GOLEM_PIP_CACHE_DIR", filepath.Join(dataDir, "pip-cache")),
		ProjectsFile:  envStr("GOLEM_PROJECTS_FILE", filepath.Join(dataDir, "projects.yaml")),
		StandardsFile: envStr("GOLEM_STANDARDS_FILE", filepath.Join(dataDir, "standards.txt")),

		HistoryRetention:   envDurationDays("HISTORY_RETENTION_DAYS", 30),
		WorkspaceRetention: envDurationDays("WORKSPACE_RETENTION_DAYS", 7),

		LogLevel:   envStr("LOG_LEVEL", "info"),
		LogJSON:    envBool("LOG_JSON", false),
		DebugDumps: envBool("DEBUG_DUMPS", false),

		MetricsAddr: envStr("METRICS_ADDR", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.ExecutionTimeout > c.MaxExecutionTimeout {
		return fmt.Errorf("EXECUTION_TIMEOUT (%s) exceeds MAX_CODE_EXECUTION_TIMEOUT (%s)",
			c.ExecutionTimeout, c.MaxExecutionTimeout)
	}
	if c.BudgetSoftFraction <= 0 || c.BudgetSoftFraction > 1 {
		return fmt.Errorf("BUDGET_SOFT_FRACTION must be in (0,1], got %g", c.BudgetSoftFraction)
	}
	return nil
}

// UserAllowed reports whether uid may submit tasks. An empty allowlist
// denies everyone; this is a single-operator service.
func (c *Config) UserAllowed(uid string) bool {
	for _, id := range c.AllowedUserIDs {
		if id == uid {
			return true
		}
	}
	return false
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSecs(key string, defSecs int) time.Duration {
	return time.Duration(envInt(key, defSecs)) * time.Second
}

func envDurationDays(key string, defDays int) time.Duration {
	return time.Duration(envInt(key, defDays)) * 24 * time.Hour
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
