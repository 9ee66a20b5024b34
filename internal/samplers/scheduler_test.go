package samplers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestSchedulerSample(t *testing.T) {
	ctx, _ := testContext(t)
	s, err := NewScheduler(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Sample(context.Background()))

	assert.Equal(t, uint64(123456), reading(t, ctx, "scheduler/context_switches", stats.Counter))
	assert.Equal(t, uint64(9999), reading(t, ctx, "scheduler/processes/created", stats.Counter))
	assert.Equal(t, uint64(3), reading(t, ctx, "scheduler/processes/running", stats.Gauge))
	assert.Equal(t, uint64(1), reading(t, ctx, "scheduler/processes/blocked", stats.Gauge))
}
