package samplers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestNetworkSample(t *testing.T) {
	ctx, _ := testContext(t)
	n, err := NewNetwork(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, n.Sample(context.Background()))

	// eth0 + eth1; loopback excluded
	assert.Equal(t, uint64(6_000_000_000), reading(t, ctx, "network/receive/bytes", stats.Counter))
	assert.Equal(t, uint64(5_000_000), reading(t, ctx, "network/receive/packets", stats.Counter))
	assert.Equal(t, uint64(1), reading(t, ctx, "network/receive/errors", stats.Counter))
	assert.Equal(t, uint64(3), reading(t, ctx, "network/receive/drops", stats.Counter))
	assert.Equal(t, uint64(5_000_000_000), reading(t, ctx, "network/transmit/bytes", stats.Counter))
	assert.Equal(t, uint64(3_500_000), reading(t, ctx, "network/transmit/packets", stats.Counter))
	assert.Equal(t, uint64(4), reading(t, ctx, "network/transmit/errors", stats.Counter))
	assert.Equal(t, uint64(4), reading(t, ctx, "network/transmit/drops", stats.Counter))
}
