package samplers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// NTP surfaces the kernel clock discipline's error estimates from
// adjtimex as gauges in nanoseconds.
type NTP struct {
	base
	maxError stats.Statistic
	estError stats.Statistic
}

// NewNTP constructs the sampler and registers its statistics.
func NewNTP(ctx sampler.Context, cfg config.Common) (*NTP, error) {
	n := &NTP{base: newBase("ntp", ctx, cfg)}
	n.maxError = n.registerGauge("ntp/maxerror")
	n.estError = n.registerGauge("ntp/esterror")
	return n, nil
}

func (n *NTP) Sample(ctx context.Context) error {
	var tx unix.Timex
	if _, err := unix.Adjtimex(&tx); err != nil {
		return fmt.Errorf("adjtimex: %w", err)
	}

	now := n.ctx.Clock.Now()
	// adjtimex reports microseconds
	_ = n.ctx.Registry.RecordGauge(n.maxError, now, uint64(tx.Maxerror)*uint64(time.Microsecond))
	_ = n.ctx.Registry.RecordGauge(n.estError, now, uint64(tx.Esterror)*uint64(time.Microsecond))
	return nil
}
