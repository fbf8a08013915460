package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// memUsedPercent is swappable for tests.
var memUsedPercent = func() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

var diskFreeBytes = func(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return du.Free, nil
}

// Config holds admission thresholds.
type Config struct {
	MaxConcurrent    int
	RAMThresholdPct  float64
	UserCooldown     time.Duration
	MinFreeDiskBytes uint64
	DataDir          string
}

// Guard gates task admission: per-user cooldown, global concurrency
// cap, and RAM/disk headroom. All checks happen before a task is
// accepted so a refused task costs nothing.
type Guard struct {
	cfg Config

	mu       sync.Mutex
	lastSeen map[string]time.Time
	inFlight int
}

// New creates a Guard.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg,
		lastSeen: make(map[string]time.Time),
	}
}

// Admit checks all gates for userID. On success the caller holds one
// concurrency slot and must call Release when the task finishes.
func (g *Guard) Admit(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSeen[userID]; ok {
		if wait := g.cfg.UserCooldown - time.Since(last); wait > 0 {
			return types.NewTaskError(types.ErrKindResource,
				fmt.Sprintf("cooldown active, retry in %.0fs", wait.Seconds()), nil)
		}
	}

	if g.inFlight >= g.cfg.MaxConcurrent {
		return types.NewTaskError(types.ErrKindResource,
			fmt.Sprintf("at capacity (%d tasks running)", g.inFlight), nil)
	}

	used, err := memUsedPercent()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("RAM check failed, admitting anyway")
	} else if used >= g.cfg.RAMThresholdPct {
		return types.NewTaskError(types.ErrKindResource,
			fmt.Sprintf("RAM at %.0f%%, above %.0f%% threshold", used, g.cfg.RAMThresholdPct), nil)
	}

	if g.cfg.MinFreeDiskBytes > 0 && g.cfg.DataDir != "" {
		free, err := diskFreeBytes(g.cfg.DataDir)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("Disk check failed, admitting anyway")
		} else if free < g.cfg.MinFreeDiskBytes {
			return types.NewTaskError(types.ErrKindResource,
				fmt.Sprintf("only %d MB free on data disk", free/1024/1024), nil)
		}
	}

	g.lastSeen[userID] = time.Now()
	g.inFlight++
	return nil
}

// Release returns a concurrency slot.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// InFlight returns the number of running tasks.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// RAMUsedPercent exposes the current RAM usage for the router and the
// status command.
func RAMUsedPercent() (float64, error) {
	return memUsedPercent()
}
