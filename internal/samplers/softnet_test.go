package samplers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestParseSoftnet(t *testing.T) {
	input := "0000000a 00000001 00000002 00000000 00000000 00000000\n" +
		"00000014 00000003 00000004 00000001 00000000 00000000\n"
	totals, err := parseSoftnet(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x0a+0x14), totals["processed"])
	assert.Equal(t, uint64(4), totals["dropped"])
	assert.Equal(t, uint64(6), totals["time_squeezed"])
	assert.Equal(t, uint64(1), totals["cpu_collision"])
}

func TestParseSoftnetBadInput(t *testing.T) {
	_, err := parseSoftnet(strings.NewReader("zzzz\n"))
	require.Error(t, err)
}

func TestSoftnetSample(t *testing.T) {
	ctx, _ := testContext(t)
	s, err := NewSoftnet(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Sample(context.Background()))

	// 0x272d + 0x34d2
	assert.Equal(t, uint64(0x272d+0x34d2), reading(t, ctx, "softnet/processed", stats.Counter))
	assert.Equal(t, uint64(2), reading(t, ctx, "softnet/dropped", stats.Counter))
	assert.Equal(t, uint64(4), reading(t, ctx, "softnet/time_squeezed", stats.Counter))
}
