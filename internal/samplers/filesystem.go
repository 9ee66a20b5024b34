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

// fsProbe names the entry/return pair feeding one operation's latency
// table.
type fsProbe struct {
	op     string
	symbol string
}

// Filesystem is the shared shape of the ext4 and xfs samplers: BPF
// kprobe+kretprobe pairs at the VFS entry points producing
// read/write/open/fsync latency distributions.
type Filesystem struct {
	base

	prog    *ebpf.Program
	dists   map[string]stats.Statistic // op -> distribution
	lastBPF time.Time
}

func newFilesystem(name string, ctx sampler.Context, cfg config.Common, probes []fsProbe) (*Filesystem, error) {
	f := &Filesystem{
		base:  newBase(name, ctx, cfg),
		dists: make(map[string]stats.Statistic),
	}

	if !cfg.BPF {
		// this sampler is all BPF; without it there is nothing to read
		return f, nil
	}
	if !ebpf.Detect().Usable() {
		return nil, fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(cfg.BPFPath)
	if err != nil {
		return nil, err
	}
	for _, p := range probes {
		if err := prog.AttachKprobe(p.symbol, "trace_entry"); err != nil {
			prog.Close()
			return nil, err
		}
		if err := prog.AttachKretprobe(p.symbol, "trace_"+p.op+"_return"); err != nil {
			prog.Close()
			return nil, err
		}
		statName := name + "/" + p.op + "/latency"
		if f.cfg.Wants(statName) {
			f.dists[p.op] = f.registerDistribution(statName, 1_000_000_000)
		}
	}
	f.prog = prog
	return f, nil
}

// NewExt4 builds the ext4 latency sampler.
func NewExt4(ctx sampler.Context, cfg config.Common) (*Filesystem, error) {
	return newFilesystem("ext4", ctx, cfg, []fsProbe{
		{"read", "generic_file_read_iter"},
		{"write", "ext4_file_write_iter"},
		{"open", "ext4_file_open"},
		{"fsync", "ext4_sync_file"},
	})
}

// NewXFS builds the xfs latency sampler.
func NewXFS(ctx sampler.Context, cfg config.Common) (*Filesystem, error) {
	return newFilesystem("xfs", ctx, cfg, []fsProbe{
		{"read", "xfs_file_read_iter"},
		{"write", "xfs_file_write_iter"},
		{"open", "xfs_file_open"},
		{"fsync", "xfs_file_fsync"},
	})
}

// Close detaches the BPF arm.
func (f *Filesystem) Close() error {
	if f.prog != nil {
		return f.prog.Close()
	}
	return nil
}

func (f *Filesystem) Sample(ctx context.Context) error {
	if f.prog == nil || !f.bpfDue(&f.lastBPF) {
		return nil
	}
	for op, st := range f.dists {
		hist, err := f.prog.ReadHistogram(op)
		if err != nil {
			continue
		}
		f.recordHistogram(st, hist)
	}
	return nil
}
