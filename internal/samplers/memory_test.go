package samplers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestNormalizeMemKey(t *testing.T) {
	tests := map[string]string{
		"MemTotal":        "mem_total",
		"MemFree":         "mem_free",
		"Active(anon)":    "active_anon",
		"HugePages_Total": "huge_pages_total",
		"Slab":            "slab",
		"SReclaimable":    "sreclaimable",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeMemKey(in), in)
	}
}

func TestMemorySample(t *testing.T) {
	ctx, _ := testContext(t)
	m, err := NewMemory(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, m.Sample(context.Background()))

	// meminfo kB converted to bytes
	assert.Equal(t, uint64(16384000*1024), reading(t, ctx, "memory/mem_total", stats.Gauge))
	assert.Equal(t, uint64(8192000*1024), reading(t, ctx, "memory/mem_free", stats.Gauge))
	assert.Equal(t, uint64(512000*1024), reading(t, ctx, "memory/active_anon", stats.Gauge))
	// unitless fields pass through
	assert.Equal(t, uint64(0), reading(t, ctx, "memory/huge_pages_total", stats.Gauge))

	// vmstat fields unscaled
	assert.Equal(t, uint64(123456789), reading(t, ctx, "memory/vmstat/numa_hit", stats.Gauge))
	assert.Equal(t, uint64(1000), reading(t, ctx, "memory/vmstat/thp_fault_alloc", stats.Gauge))
	assert.Equal(t, uint64(7), reading(t, ctx, "memory/vmstat/compact_stall", stats.Gauge))
}
