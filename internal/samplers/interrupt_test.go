package samplers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func TestClassifyInterrupt(t *testing.T) {
	assert.Equal(t, "nmi", classifyInterrupt("NMI", "Non-maskable interrupts"))
	assert.Equal(t, "local_timer", classifyInterrupt("LOC", "Local timer interrupts"))
	assert.Equal(t, "timer", classifyInterrupt("0", "IO-APIC 2-edge timer"))
	assert.Equal(t, "rtc", classifyInterrupt("8", "IO-APIC 8-edge rtc0"))
	assert.Equal(t, "nvme", classifyInterrupt("24", "PCI-MSI 1048576-edge nvme0q0"))
	assert.Equal(t, "network", classifyInterrupt("25", "PCI-MSI 524288-edge eth0-TxRx-0"))
	assert.Equal(t, "", classifyInterrupt("42", "PCI-MSI 99-edge xhci_hcd"))
}

func TestInterruptSample(t *testing.T) {
	ctx, _ := testContext(t)
	s, err := NewInterrupt(ctx, config.Common{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Sample(context.Background()))

	// NMI row: 5+6+7+8 total, first half 5+6, second half 7+8
	assert.Equal(t, uint64(26), reading(t, ctx, "interrupt/nmi", stats.Counter))
	assert.Equal(t, uint64(11), reading(t, ctx, "interrupt/node0/nmi", stats.Counter))
	assert.Equal(t, uint64(15), reading(t, ctx, "interrupt/node1/nmi", stats.Counter))

	assert.Equal(t, uint64(100), reading(t, ctx, "interrupt/timer", stats.Counter))
	assert.Equal(t, uint64(10), reading(t, ctx, "interrupt/rtc", stats.Counter))
	assert.Equal(t, uint64(1000), reading(t, ctx, "interrupt/nvme", stats.Counter))
	assert.Equal(t, uint64(10000), reading(t, ctx, "interrupt/network", stats.Counter))

	// every row contributes to the totals
	assert.Equal(t, uint64(26+50+90+130+100+1000+10000+10), reading(t, ctx, "interrupt/total", stats.Counter))
}
