package guard

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
}

func stubResources(t *testing.T, ramPct float64, diskFree uint64) {
	t.Helper()
	origMem, origDisk := memUsedPercent, diskFreeBytes
	memUsedPercent = func() (float64, error) { return ramPct, nil }
	diskFreeBytes = func(string) (uint64, error) { return diskFree, nil }
	t.Cleanup(func() {
		memUsedPercent = origMem
		diskFreeBytes = origDisk
	})
}

func testConfig() Config {
	return Config{
		MaxConcurrent:    2,
		RAMThresholdPct:  90,
		UserCooldown:     100 * time.Millisecond,
		MinFreeDiskBytes: 100 * 1024 * 1024,
		DataDir:          "/",
	}
}

func TestAdmitAndRelease(t *testing.T) {
	stubResources(t, 50, 1<<30)
	g := New(testConfig())

	require.NoError(t, g.Admit("U1"))
	assert.Equal(t, 1, g.InFlight())

	g.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestCooldown(t *testing.T) {
	stubResources(t, 50, 1<<30)
	g := New(testConfig())

	require.NoError(t, g.Admit("U1"))
	err := g.Admit("U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")

	// A different user is not affected.
	assert.NoError(t, g.Admit("U2"))

	time.Sleep(120 * time.Millisecond)
	assert.NoError(t, g.Admit("U1"))
}

func TestConcurrencyCap(t *testing.T) {
	stubResources(t, 50, 1<<30)
	cfg := testConfig()
	cfg.UserCooldown = 0
	g := New(cfg)

	require.NoError(t, g.Admit("U1"))
	require.NoError(t, g.Admit("U2"))

	err := g.Admit("U3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")

	g.Release()
	assert.NoError(t, g.Admit("U3"))
}

func TestRAMGuard(t *testing.T) {
	stubResources(t, 95, 1<<30)
	g := New(testConfig())

	err := g.Admit("U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RAM")
	assert.Equal(t, 0, g.InFlight())
}

func TestDiskGuard(t *testing.T) {
	stubResources(t, 50, 10*1024*1024)
	g := New(testConfig())

	err := g.Admit("U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "free")
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := New(testConfig())
	g.Release()
	assert.Equal(t, 0, g.InFlight())
}
