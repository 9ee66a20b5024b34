package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4242", cfg.General.Listen)
	assert.Equal(t, time.Second, cfg.General.Interval())
	assert.Equal(t, 60*time.Second, cfg.General.Window())
	assert.True(t, cfg.General.FaultTolerant)
	assert.True(t, cfg.Samplers.CPU.Enabled)
	assert.False(t, cfg.Samplers.Nvidia.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[general]
listen = "127.0.0.1:9999"
interval = 250
window = 30
fault_tolerant = false

[samplers.cpu]
enabled = true
perf_events = true
percentiles = [50.0, 99.0]

[samplers.memcache]
enabled = true
endpoint = "localhost:11211"

[exposition.kafka]
enabled = true
hosts = ["broker:9092"]
topic = "perfwatch-stats"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.General.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.General.Interval())
	assert.Equal(t, 30*time.Second, cfg.General.Window())
	assert.False(t, cfg.General.FaultTolerant)
	assert.True(t, cfg.Samplers.CPU.PerfEvents)
	assert.Equal(t, []float64{50.0, 99.0}, cfg.Samplers.CPU.Percentileset())
	assert.Equal(t, "localhost:11211", cfg.Samplers.Memcache.Endpoint)
	assert.True(t, cfg.Exposition.Kafka.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Exposition.Kafka.Interval())
}

func TestCommonSubset(t *testing.T) {
	c := Common{}
	assert.True(t, c.Wants("anything"))

	c.Statistics = []string{"cpu/usage/user"}
	assert.True(t, c.Wants("cpu/usage/user"))
	assert.False(t, c.Wants("cpu/usage/system"))
}

func TestLoadProfiler(t *testing.T) {
	path := writeFile(t, `
[general]
frequency = 99
period = 30
debug = "terminal"

[pyroscope]
enabled = true
upstream = "pyroscope:4040"

[kafka]
enabled = true
zk_servers = ["zk1:2181"]
zk_path = "/brokers"
topic = "stack-samples"
`)

	cfg, err := LoadProfiler(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(99), cfg.General.Frequency)
	assert.Equal(t, 30*time.Second, cfg.General.Period())
	assert.Equal(t, "terminal", cfg.General.Debug)
	assert.True(t, cfg.Pyroscope.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Pyroscope.BatchTime())
	assert.Equal(t, "kafka-tls", cfg.Kafka.EndpointName())
}

func TestProfilerFrequencyCap(t *testing.T) {
	path := writeFile(t, `
[general]
frequency = 500
`)
	_, err := LoadProfiler(path)
	require.Error(t, err)
}
