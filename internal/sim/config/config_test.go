package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentworld.ai/internal/sim/timebase"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_DefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
scenario_id: harbor
seed: 42
ticks_per_turn: 100
cycle:
  days: 2
event_bus:
  max_events: 16
rng:
  audit: true
snapshot:
  compression: BROTLI
dilations:
  north: 0.5
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "harbor", cfg.ScenarioID)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, uint64(100), cfg.TicksPerTurn)
	assert.Equal(t, uint64(2*timebase.TicksPerDay), cfg.TicksPerCycle)
	assert.Equal(t, 16, cfg.EventBus.MaxEvents)
	assert.True(t, cfg.RNG.Audit)
	assert.Equal(t, CompressionBrotli, cfg.Snapshot.Compression)
	assert.Equal(t, 0.5, cfg.Dilations["north"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "seed: 42\n")
	t.Setenv("AGENTWORLD_SEED", "7")
	t.Setenv("AGENTWORLD_MAX_EVENTS", "9")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 9, cfg.EventBus.MaxEvents)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"zero dilation":   "dilations:\n  south: 0\n",
		"negative bus":    "event_bus:\n  max_events: -1\n",
		"zero turn":       "ticks_per_turn: 0\n",
		"bad compression": "snapshot:\n  compression: lz4\n",
		"empty scenario":  "scenario_id: \"  \"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, os.IsNotExist(err))
}

func TestValidateKernel_SkipsPersistenceFields(t *testing.T) {
	cfg := Kernel{TicksPerTurn: 5, TicksPerCycle: 50}
	cfg.EventBus.MaxEvents = 4
	require.NoError(t, cfg.ValidateKernel())
	require.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Dilations = map[string]float64{"x": -1}
	require.ErrorIs(t, cfg.ValidateKernel(), ErrInvalid)
}
