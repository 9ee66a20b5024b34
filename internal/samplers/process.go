package samplers

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// Process reports the agent's own CPU and memory consumption from
// /proc/self.
type Process struct {
	base

	fs procfs.FS

	cpuUser   stats.Statistic
	cpuSystem stats.Statistic
	vsize     stats.Statistic
	rss       stats.Statistic
}

// NewProcess constructs the sampler and registers its statistics.
func NewProcess(ctx sampler.Context, cfg config.Common) (*Process, error) {
	fs, err := procfs.NewFS(ctx.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	p := &Process{base: newBase("process", ctx, cfg), fs: fs}
	p.cpuUser = p.registerCounter("process/cpu/user")
	p.cpuSystem = p.registerCounter("process/cpu/system")
	p.vsize = p.registerGauge("process/memory/virtual")
	p.rss = p.registerGauge("process/memory/resident")
	return p, nil
}

func (p *Process) Sample(ctx context.Context) error {
	proc, err := p.fs.Self()
	if err != nil {
		return fmt.Errorf("open self: %w", err)
	}
	st, err := proc.Stat()
	if err != nil {
		return fmt.Errorf("read self stat: %w", err)
	}

	now := p.ctx.Clock.Now()
	_ = p.ctx.Registry.RecordCounter(p.cpuUser, now, uint64(st.UTime)*nanosPerTick)
	_ = p.ctx.Registry.RecordCounter(p.cpuSystem, now, uint64(st.STime)*nanosPerTick)
	_ = p.ctx.Registry.RecordGauge(p.vsize, now, uint64(st.VSize))
	_ = p.ctx.Registry.RecordGauge(p.rss, now, uint64(st.RSS)*pageSize)
	return nil
}
