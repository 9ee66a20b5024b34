package exposition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfwatch/perfwatch/internal/stats"
)

func newTestRegistry(t *testing.T) *stats.Registry {
	t.Helper()
	r := stats.NewRegistry()

	counter := stats.Statistic{Name: "cpu/usage/user", Source: stats.Counter}
	r.Register(counter, nil)
	r.AddOutput(counter, stats.ReadingOutput())
	require.NoError(t, r.IncrementCounter(counter, 42))

	dist := stats.Statistic{Name: "tcp/connect/latency", Source: stats.Distribution}
	summary := stats.HeatmapSummary(1_000_000_000, 2, 60*time.Second, time.Second)
	r.Register(dist, &summary)
	r.AddOutput(dist, stats.PercentileOutput(50))
	r.AddOutput(dist, stats.PercentileOutput(99))

	now := time.Now()
	for i := 0; i < 90; i++ {
		require.NoError(t, r.RecordBucket(dist, now, 1000, 1))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordBucket(dist, now, 1_000_000, 1))
	}
	return r
}

func startServer(t *testing.T, r *stats.Registry) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", r, clock.New(), "", zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusRendering(t *testing.T) {
	s := startServer(t, newTestRegistry(t))
	body := get(t, fmt.Sprintf("http://%s/metrics", s.Addr()))

	assert.Contains(t, body, "cpu_usage_user 42")
	assert.Contains(t, body, `tcp_connect_latency{percentile="50"}`)
	assert.Contains(t, body, `tcp_connect_latency{percentile="99"}`)
	assert.NotContains(t, body, "/")
}

func TestJSONRendering(t *testing.T) {
	s := startServer(t, newTestRegistry(t))

	for _, path := range []string{"/metrics.json", "/vars.json", "/admin/metrics.json"} {
		body := get(t, fmt.Sprintf("http://%s%s", s.Addr(), path))

		var flat map[string]uint64
		require.NoError(t, json.Unmarshal([]byte(body), &flat), path)

		assert.Equal(t, uint64(42), flat["cpu/usage/user"], path)
		assert.InDelta(t, 1000, flat["tcp/connect/latency/p50"], 20, path)
		assert.InDelta(t, 1_000_000, flat["tcp/connect/latency/p99"], 20_000, path)
	}
}

func TestHumanRendering(t *testing.T) {
	s := startServer(t, newTestRegistry(t))
	body := get(t, fmt.Sprintf("http://%s/vars", s.Addr()))

	assert.Contains(t, body, "cpu/usage/user: 42\n")
	assert.Contains(t, body, "tcp/connect/latency/p50: ")
}

func TestIndexPage(t *testing.T) {
	s := startServer(t, newTestRegistry(t))
	body := get(t, fmt.Sprintf("http://%s/", s.Addr()))
	assert.Contains(t, body, "perfwatch")
	assert.Contains(t, body, "Version:")
}

func TestSnapshotCaching(t *testing.T) {
	mock := clock.NewMock()
	r := stats.NewRegistry()
	counter := stats.Statistic{Name: "x", Source: stats.Counter}
	r.Register(counter, nil)
	r.AddOutput(counter, stats.ReadingOutput())
	require.NoError(t, r.IncrementCounter(counter, 1))

	cache := newSnapshotCache(r, mock)
	first := cache.get()
	require.Len(t, first, 1)
	assert.Equal(t, uint64(1), first[0].Value)

	// the cache holds until 500ms have passed
	require.NoError(t, r.IncrementCounter(counter, 1))
	assert.Equal(t, uint64(1), cache.get()[0].Value)

	mock.Add(499 * time.Millisecond)
	assert.Equal(t, uint64(1), cache.get()[0].Value)

	mock.Add(time.Millisecond)
	assert.Equal(t, uint64(2), cache.get()[0].Value)
}

func TestFormatPercentile(t *testing.T) {
	tests := map[float64]string{
		1:     "01",
		5:     "05",
		50:    "50",
		99:    "99",
		99.9:  "99.9",
		99.99: "99.99",
		0.1:   "00.1",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatPercentile(in), "p=%v", in)
	}
}

func TestPromName(t *testing.T) {
	assert.Equal(t, "cpu_usage_user",
		promName("cpu/usage/user", stats.ReadingOutput()))
	// heatmap names drop the trailing /histogram component
	assert.Equal(t, "scheduler_runqueue_latency",
		promName("scheduler/runqueue/latency/histogram", stats.PercentileOutput(99)))
	assert.Equal(t, "scheduler_runqueue_latency_histogram",
		promName("scheduler/runqueue/latency/histogram", stats.ReadingOutput()))
}
