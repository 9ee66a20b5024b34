package samplers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestProcessTickConversion(t *testing.T) {
	// 100 Hz scheduler ticks
	assert.Equal(t, uint64(10_000_000), nanosPerTick)
}

func TestProcessSample(t *testing.T) {
	ctx, _ := testContext(t)
	p, err := NewProcess(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, p.Sample(context.Background()))

	// utime 250 ticks, stime 150 ticks, at 10ms per tick
	assert.Equal(t, uint64(2_500_000_000), reading(t, ctx, "process/cpu/user", stats.Counter))
	assert.Equal(t, uint64(1_500_000_000), reading(t, ctx, "process/cpu/system", stats.Counter))
	// vsize is bytes, rss is pages
	assert.Equal(t, uint64(104_857_600), reading(t, ctx, "process/memory/virtual", stats.Gauge))
	assert.Equal(t, uint64(2560*4096), reading(t, ctx, "process/memory/resident", stats.Gauge))
}
