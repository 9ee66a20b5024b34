// Package samplers holds the concrete metric sources. Each sampler owns
// its statistics, registers them with summaries and outputs on
// construction, and refreshes them on every pass. One file per sampler.
package samplers

import (
	"time"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// nanosPerTick converts scheduler ticks (USER_HZ) to nanoseconds. The
// kernel reports 100 ticks per second through procfs regardless of the
// build-time HZ.
const nanosPerTick = uint64(time.Second) / 100

const pageSize = 4096

// base carries what every sampler shares: identity, collaborators, and
// the common config block.
type base struct {
	name string
	ctx  sampler.Context
	cfg  config.Common
}

func newBase(name string, ctx sampler.Context, cfg config.Common) base {
	return base{name: name, ctx: ctx, cfg: cfg}
}

func (b *base) Name() string            { return b.name }
func (b *base) Enabled() bool           { return b.cfg.Enabled }
func (b *base) Interval() time.Duration { return b.cfg.Interval() }

// streamCapacity sizes rate reservoirs to roughly one entry per second
// of the window.
func (b *base) streamCapacity() int {
	n := int(b.ctx.Window / time.Second)
	if n < 1 {
		n = 1
	}
	return n
}

// registerCounter tracks a counter with a stream summary of secondly
// rates, a reading output, and one percentile output per configured
// percentile.
func (b *base) registerCounter(name string) stats.Statistic {
	st := stats.Statistic{Name: name, Source: stats.Counter}
	s := stats.StreamSummary(b.streamCapacity())
	b.ctx.Registry.Register(st, &s)
	b.addOutputs(st, true)
	return st
}

// registerGauge tracks a gauge with a stream summary of raw readings.
func (b *base) registerGauge(name string) stats.Statistic {
	st := stats.Statistic{Name: name, Source: stats.Gauge}
	s := stats.StreamSummary(b.streamCapacity())
	b.ctx.Registry.Register(st, &s)
	b.addOutputs(st, true)
	return st
}

// registerDistribution tracks a latency or size distribution with a
// heatmap summary spanning the window.
func (b *base) registerDistribution(name string, max uint64) stats.Statistic {
	st := stats.Statistic{Name: name, Source: stats.Distribution}
	s := stats.HeatmapSummary(max, 2, b.ctx.Window, time.Second)
	b.ctx.Registry.Register(st, &s)
	b.addOutputs(st, false)
	return st
}

func (b *base) addOutputs(st stats.Statistic, reading bool) {
	if reading {
		b.ctx.Registry.AddOutput(st, stats.ReadingOutput())
	}
	for _, p := range b.cfg.Percentileset() {
		b.ctx.Registry.AddOutput(st, stats.PercentileOutput(p))
	}
}

// bpfDue gates BPF table reads to the window cadence rather than the
// sampler interval, amortizing the per-read cost.
func (b *base) bpfDue(last *time.Time) bool {
	now := b.ctx.Clock.Now()
	if !last.IsZero() && now.Sub(*last) < b.ctx.Window {
		return false
	}
	*last = now
	return true
}

// recordHistogram feeds a decoded BPF histogram into a distribution.
func (b *base) recordHistogram(st stats.Statistic, table map[uint64]uint64) {
	now := b.ctx.Clock.Now()
	for value, count := range table {
		_ = b.ctx.Registry.RecordBucket(st, now, value, count)
	}
}
