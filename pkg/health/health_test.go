package health

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakeUsage struct {
	records []*types.UsageRecord
}

func (f *fakeUsage) UsageSince(since time.Time) ([]*types.UsageRecord, error) {
	var out []*types.UsageRecord
	for _, r := range f.records {
		if r.Timestamp >= float64(since.Unix()) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLocal struct {
	healthy bool
	models  []string
}

func (f *fakeLocal) LocalHealthy() (bool, []string) { return f.healthy, f.models }

type fakeProjects struct {
	projects []*types.Project
}

func (f *fakeProjects) All() []*types.Project { return f.projects }

func swapProbes(t *testing.T, ram float64, free uint64) {
	t.Helper()
	origMem, origDisk := memUsedPercent, diskFreeBytes
	memUsedPercent = func() (float64, error) { return ram, nil }
	diskFreeBytes = func(string) (uint64, error) { return free, nil }
	t.Cleanup(func() {
		memUsedPercent = origMem
		diskFreeBytes = origDisk
	})
}

func TestSnapshot(t *testing.T) {
	swapProbes(t, 42.5, 8<<30)

	now := float64(time.Now().Unix())
	old := float64(time.Now().Add(-40 * 24 * time.Hour).Unix())
	store := &fakeUsage{records: []*types.UsageRecord{
		{Timestamp: now, InputTokens: 100, OutputTokens: 50, CostUSD: 0.10},
		{Timestamp: now, InputTokens: 200, OutputTokens: 80, CostUSD: 0.25},
		{Timestamp: old, InputTokens: 999, OutputTokens: 999, CostUSD: 9.99},
	}}

	projDir := t.TempDir()
	venv := filepath.Join(t.TempDir(), "venv")
	require.NoError(t, os.MkdirAll(filepath.Join(venv, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(venv, "bin", "python3"), []byte("#!/bin/sh"), 0755))

	c := NewChecker(store,
		&fakeLocal{healthy: true, models: []string{"qwen2.5-coder:14b"}},
		&fakeProjects{projects: []*types.Project{
			{Name: "good", Path: projDir, Venv: venv},
			{Name: "missing", Path: filepath.Join(projDir, "absent")},
			{Name: "badvenv", Path: projDir, Venv: filepath.Join(projDir, "novenv")},
		}},
		func() int { return 2 },
		projDir)

	snap := c.Snapshot()

	assert.Equal(t, 42.5, snap.RAMUsedPercent)
	assert.Equal(t, uint64(8<<30), snap.DiskFreeBytes)
	assert.True(t, snap.OllamaHealthy)
	assert.Equal(t, 2, snap.InFlight)

	assert.Equal(t, 2, snap.UsageToday.Calls)
	assert.Equal(t, int64(300), snap.UsageToday.InputTokens)
	assert.InDelta(t, 0.35, snap.UsageToday.CostUSD, 1e-9)
	assert.Equal(t, 2, snap.UsageMonth.Calls, "40-day-old record outside the month window")

	require.Len(t, snap.Projects, 3)
	assert.True(t, snap.Projects[0].PathOK)
	assert.True(t, snap.Projects[0].VenvOK)
	assert.False(t, snap.Projects[1].PathOK)
	assert.False(t, snap.Projects[2].VenvOK)
}

func TestFormat(t *testing.T) {
	snap := &Snapshot{
		RAMUsedPercent: 61,
		DiskFreeBytes:  10 << 30,
		OllamaHealthy:  false,
		InFlight:       1,
		UsageToday:     UsageSummary{Calls: 4, InputTokens: 1000, OutputTokens: 400, CostUSD: 0.42},
		UsageMonth:     UsageSummary{Calls: 90, CostUSD: 12.50},
		Projects: []ProjectCheck{
			{Name: "blog", PathOK: true, VenvOK: true},
			{Name: "etl", PathOK: false, VenvOK: true},
		},
	}

	out := snap.Format()
	assert.Contains(t, out, "RAM: 61% used")
	assert.Contains(t, out, "Disk: 10.0 GB free")
	assert.Contains(t, out, "Local model: unreachable")
	assert.Contains(t, out, "API today: 4 calls")
	assert.Contains(t, out, "$0.42")
	assert.Contains(t, out, "- blog: OK")
	assert.Contains(t, out, "- etl: path missing")
}
