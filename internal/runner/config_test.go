package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TREEFLEET_TEST_RUNNER", "bench-3")

	cfg, err := LoadConfig(filepath.Join("testdata", "runner.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "bench-3", cfg.RunnerID)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTTBroker)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.LogLevel)

	require.Len(t, cfg.Trees, 2)
	assert.Equal(t, "waiter", cfg.Trees[0].Name, "name defaults to the asset file name")
	assert.Equal(t, filepath.Join("testdata", "waiter.yaml"), cfg.Trees[0].Asset)
	assert.True(t, cfg.Trees[0].Watch)
	assert.Equal(t, "/srv/trees/second.yaml", cfg.Trees[1].Asset)
}

func TestLoadConfig_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad yaml":       "runner_id: [",
		"bad duration":   "runner_id: a\ntick_interval: soon\n",
		"wildcard id":    "runner_id: a/b\n",
		"missing asset":  "runner_id: a\ntrees:\n  - name: x\n",
		"duplicate tree": "runner_id: a\ntrees:\n  - {name: x, asset: a.yaml}\n  - {name: x, asset: b.yaml}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "runner.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	if host, err := os.Hostname(); err == nil {
		assert.Equal(t, host, cfg.RunnerID)
	}
}
