package samplers

import (
	"context"
	"fmt"
	"time"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/ebpf"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// PageCache derives hit and miss counters from four kprobe counters.
// Arithmetic wraps so individual counter rollover does not corrupt the
// derived values.
type PageCache struct {
	base

	prog *ebpf.Program

	hit  stats.Statistic
	miss stats.Statistic

	lastBPF time.Time
}

// NewPageCache constructs the sampler and attaches its probes.
func NewPageCache(ctx sampler.Context, cfg config.Common) (*PageCache, error) {
	if !cfg.BPF {
		return nil, fmt.Errorf("page_cache sampler requires bpf")
	}
	if !ebpf.Detect().Usable() {
		return nil, fmt.Errorf("bpf not supported on this host")
	}

	prog, err := ebpf.Load(cfg.BPFPath)
	if err != nil {
		return nil, err
	}
	for _, a := range []struct{ symbol, prog string }{
		{"mark_page_accessed", "trace_accessed"},
		{"mark_buffer_dirty", "trace_buffer_dirty"},
		{"add_to_page_cache_lru", "trace_lru_add"},
		{"account_page_dirtied", "trace_page_dirtied"},
	} {
		if err := prog.AttachKprobe(a.symbol, a.prog); err != nil {
			prog.Close()
			return nil, err
		}
	}

	p := &PageCache{base: newBase("page_cache", ctx, cfg), prog: prog}
	p.hit = p.registerCounter("page_cache/hit")
	p.miss = p.registerCounter("page_cache/miss")
	return p, nil
}

// Close detaches the probes.
func (p *PageCache) Close() error {
	if p.prog != nil {
		return p.prog.Close()
	}
	return nil
}

func (p *PageCache) Sample(ctx context.Context) error {
	if !p.bpfDue(&p.lastBPF) {
		return nil
	}

	read := func(key string) uint64 {
		v, _ := p.prog.ReadHashChar("counts", key, hashKeySize)
		return v
	}
	accessed := read("mark_page_accessed")
	bufferDirty := read("mark_buffer_dirty")
	lruAdd := read("add_to_page_cache_lru")
	pageDirtied := read("account_page_dirtied")

	hit, miss := pageCacheCounts(accessed, bufferDirty, lruAdd, pageDirtied)

	now := p.ctx.Clock.Now()
	_ = p.ctx.Registry.RecordCounter(p.hit, now, hit)
	_ = p.ctx.Registry.RecordCounter(p.miss, now, miss)
	return nil
}

// pageCacheCounts computes hit = total - miss where total is accesses
// net of buffer dirtying and miss is LRU insertions net of page
// dirtying. Wrapping subtraction tolerates counter wrap.
func pageCacheCounts(accessed, bufferDirty, lruAdd, pageDirtied uint64) (hit, miss uint64) {
	total := accessed - bufferDirty
	miss = lruAdd - pageDirtied
	hit = total - miss
	return hit, miss
}
