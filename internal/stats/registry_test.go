package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heatmap60s() *Summary {
	s := HeatmapSummary(1_000_000_000, 2, 60*time.Second, time.Second)
	return &s
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "x", Source: Counter}

	r.Register(stat, heatmap60s())
	require.NoError(t, r.RecordCounter(stat, time.Unix(1, 0), 0))
	require.NoError(t, r.RecordCounter(stat, time.Unix(2, 0), 100))

	// re-registering must not clear the existing summary
	r.Register(stat, nil)

	p, err := r.Percentile(stat, 50.0)
	require.NoError(t, err)
	assert.InDelta(t, 100, p, 1)
}

func TestCounterRate(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "x", Source: Counter}
	r.Register(stat, heatmap60s())

	// first observation only initializes
	require.NoError(t, r.RecordCounter(stat, time.Unix(0, 1_000_000_000), 0))
	_, err := r.Percentile(stat, 50.0)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, r.RecordCounter(stat, time.Unix(0, 2_000_000_000), 100))
	p, err := r.Percentile(stat, 50.0)
	require.NoError(t, err)
	assert.InDelta(t, 100, p, 1)

	v, err := r.Reading(stat)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)
}

func TestOutOfOrderDropped(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "x", Source: Counter}
	r.Register(stat, nil)

	require.NoError(t, r.RecordCounter(stat, time.Unix(2, 0), 5))
	require.NoError(t, r.RecordCounter(stat, time.Unix(1, 0), 999))

	v, err := r.Reading(stat)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	// equal timestamp is also dropped
	require.NoError(t, r.RecordCounter(stat, time.Unix(2, 0), 999))
	v, _ = r.Reading(stat)
	assert.Equal(t, uint64(5), v)
}

func TestGaugeSummary(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "g", Source: Gauge}
	s := StreamSummary(16)
	r.Register(stat, &s)

	for i := 1; i <= 10; i++ {
		require.NoError(t, r.RecordGauge(stat, time.Unix(int64(i), 0), uint64(i*10)))
	}
	p, err := r.Percentile(stat, 100.0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), p)
	p, err = r.Percentile(stat, 50.0)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), p)
}

func TestSourceMismatch(t *testing.T) {
	r := NewRegistry()
	counter := Statistic{Name: "c", Source: Counter}
	dist := Statistic{Name: "d", Source: Distribution}
	r.Register(counter, nil)
	r.Register(dist, heatmap60s())

	assert.ErrorIs(t, r.RecordBucket(counter, time.Now(), 1, 1), ErrSourceMismatch)
	assert.ErrorIs(t, r.RecordCounter(dist, time.Now(), 1), ErrSourceMismatch)
	assert.ErrorIs(t, r.RecordGauge(dist, time.Now(), 1), ErrSourceMismatch)
	assert.ErrorIs(t, r.IncrementCounter(dist, 1), ErrSourceMismatch)
}

func TestNotRegistered(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "missing", Source: Counter}

	assert.ErrorIs(t, r.RecordCounter(stat, time.Now(), 1), ErrNotRegistered)
	_, err := r.Reading(stat)
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = r.Percentile(stat, 50.0)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestNoSummary(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "c", Source: Counter}
	r.Register(stat, nil)

	_, err := r.Percentile(stat, 50.0)
	assert.ErrorIs(t, err, ErrNoSummary)
}

func TestIncrementCounterMonotonic(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "c", Source: Counter}
	r.Register(stat, nil)

	var prev uint64
	for i := 0; i < 100; i++ {
		require.NoError(t, r.IncrementCounter(stat, 3))
		v, err := r.Reading(stat)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
	assert.Equal(t, uint64(300), prev)
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	counter := Statistic{Name: "cpu/usage/user", Source: Counter}
	dist := Statistic{Name: "tcp/connect/latency", Source: Distribution}

	r.Register(counter, nil)
	r.AddOutput(counter, ReadingOutput())
	r.Register(dist, heatmap60s())
	r.AddOutput(dist, PercentileOutput(50))
	r.AddOutput(dist, PercentileOutput(99))

	require.NoError(t, r.IncrementCounter(counter, 42))
	now := time.Now()
	for i := 0; i < 90; i++ {
		require.NoError(t, r.RecordBucket(dist, now, 1000, 1))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordBucket(dist, now, 1_000_000, 1))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)

	values := make(map[string]map[Output]uint64)
	for _, m := range snap {
		if values[m.Statistic.Name] == nil {
			values[m.Statistic.Name] = make(map[Output]uint64)
		}
		values[m.Statistic.Name][m.Output] = m.Value
	}
	assert.Equal(t, uint64(42), values["cpu/usage/user"][ReadingOutput()])
	assert.InDelta(t, 1000, values["tcp/connect/latency"][PercentileOutput(50)], 20)
	assert.InDelta(t, 1_000_000, values["tcp/connect/latency"][PercentileOutput(99)], 20000)
}

func TestSnapshotSkipsEmptyChannels(t *testing.T) {
	r := NewRegistry()
	stat := Statistic{Name: "never/written", Source: Gauge}
	r.AddOutput(stat, ReadingOutput())

	assert.Empty(t, r.Snapshot())
}
