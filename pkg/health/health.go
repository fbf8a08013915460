// Package health assembles the system health snapshot behind the chat
// health command: host resources, local model reachability, usage
// totals, and per-project sanity checks.
package health

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// Probes are swappable for tests.
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

// UsageStore is the slice of storage the checker reads.
type UsageStore interface {
	UsageSince(since time.Time) ([]*types.UsageRecord, error)
}

// LocalProbe reports local model availability.
type LocalProbe interface {
	LocalHealthy() (bool, []string)
}

// ProjectLister supplies registered projects for sanity checks.
type ProjectLister interface {
	All() []*types.Project
}

// UsageSummary aggregates model usage for one window.
type UsageSummary struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ProjectCheck is one project's sanity result.
type ProjectCheck struct {
	Name   string
	PathOK bool
	// VenvOK is true when no venv is configured or the configured one
	// exists.
	VenvOK bool
}

// Snapshot is one point-in-time health report.
type Snapshot struct {
	Time           time.Time
	RAMUsedPercent float64
	DiskFreeBytes  uint64
	OllamaHealthy  bool
	OllamaModels   []string
	InFlight       int
	UsageToday     UsageSummary
	UsageMonth     UsageSummary
	Projects       []ProjectCheck
}

// Checker gathers snapshots.
type Checker struct {
	store    UsageStore
	local    LocalProbe
	projects ProjectLister
	inFlight func() int
	dataDir  string
}

// NewChecker creates a Checker. projects and local may be nil when the
// corresponding subsystem is disabled.
func NewChecker(store UsageStore, local LocalProbe, projects ProjectLister, inFlight func() int, dataDir string) *Checker {
	return &Checker{
		store:    store,
		local:    local,
		projects: projects,
		inFlight: inFlight,
		dataDir:  dataDir,
	}
}

// Snapshot collects the current health state. Probe failures degrade
// to zero values rather than failing the whole report.
func (c *Checker) Snapshot() *Snapshot {
	now := time.Now()
	snap := &Snapshot{Time: now}

	if used, err := memUsedPercent(); err == nil {
		snap.RAMUsedPercent = used
	} else {
		log.WithComponent("health").Warn().Err(err).Msg("RAM probe failed")
	}
	if free, err := diskFreeBytes(c.dataDir); err == nil {
		snap.DiskFreeBytes = free
	} else {
		log.WithComponent("health").Warn().Err(err).Msg("Disk probe failed")
	}

	if c.local != nil {
		snap.OllamaHealthy, snap.OllamaModels = c.local.LocalHealthy()
	}
	if c.inFlight != nil {
		snap.InFlight = c.inFlight()
	}

	snap.UsageToday = c.usage(utcMidnight(now))
	snap.UsageMonth = c.usage(now.Add(-30 * 24 * time.Hour))

	if c.projects != nil {
		for _, p := range c.projects.All() {
			check := ProjectCheck{Name: p.Name, VenvOK: true}
			if info, err := os.Stat(p.Path); err == nil && info.IsDir() {
				check.PathOK = true
			}
			if p.Venv != "" {
				_, err := os.Stat(filepath.Join(p.Venv, "bin", "python3"))
				check.VenvOK = err == nil
			}
			snap.Projects = append(snap.Projects, check)
		}
	}

	return snap
}

func (c *Checker) usage(since time.Time) UsageSummary {
	var sum UsageSummary
	records, err := c.store.UsageSince(since)
	if err != nil {
		log.WithComponent("health").Warn().Err(err).Msg("Usage query failed")
		return sum
	}
	for _, rec := range records {
		sum.Calls++
		sum.InputTokens += rec.InputTokens
		sum.OutputTokens += rec.OutputTokens
		sum.CostUSD += rec.CostUSD
	}
	return sum
}

// Format renders the snapshot for chat delivery.
func (s *Snapshot) Format() string {
	var b strings.Builder

	b.WriteString("SYSTEM HEALTH\n")
	fmt.Fprintf(&b, "RAM: %.0f%% used\n", s.RAMUsedPercent)
	fmt.Fprintf(&b, "Disk: %.1f GB free\n", float64(s.DiskFreeBytes)/(1<<30))
	fmt.Fprintf(&b, "Tasks in flight: %d\n", s.InFlight)

	if s.OllamaHealthy {
		models := "none pulled"
		if len(s.OllamaModels) > 0 {
			models = strings.Join(s.OllamaModels, ", ")
		}
		fmt.Fprintf(&b, "Local model: OK (%s)\n", models)
	} else {
		b.WriteString("Local model: unreachable\n")
	}

	fmt.Fprintf(&b, "\nAPI today: %d calls, %d in / %d out tokens, $%.2f\n",
		s.UsageToday.Calls, s.UsageToday.InputTokens, s.UsageToday.OutputTokens, s.UsageToday.CostUSD)
	fmt.Fprintf(&b, "API 30 days: %d calls, $%.2f\n", s.UsageMonth.Calls, s.UsageMonth.CostUSD)

	if len(s.Projects) > 0 {
		b.WriteString("\nPROJECTS\n")
		for _, p := range s.Projects {
			status := "OK"
			switch {
			case !p.PathOK:
				status = "path missing"
			case !p.VenvOK:
				status = "venv broken"
			}
			fmt.Fprintf(&b, "- %s: %s\n", p.Name, status)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func utcMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
