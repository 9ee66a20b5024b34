package samplers

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/ebpf"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// Scheduler samples context switches and process counts from /proc/stat.
// The BPF arm traces task switches and wakeups to produce a
// runqueue-latency distribution.
type Scheduler struct {
	base

	fs procfs.FS

	ctxSwitches  stats.Statistic
	procsCreated stats.Statistic
	procsRunning stats.Statistic
	procsBlocked stats.Statistic

	prog       *ebpf.Program
	runqueue   stats.Statistic
	hasRunq    bool
	lastBPF    time.Time
}

// NewScheduler constructs the sampler and registers its statistics.
func NewScheduler(ctx sampler.Context, cfg config.Common) (*Scheduler, error) {
	fs, err := procfs.NewFS(ctx.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	s := &Scheduler{base: newBase("scheduler", ctx, cfg), fs: fs}
	s.ctxSwitches = s.registerCounter("scheduler/context_switches")
	s.procsCreated = s.registerCounter("scheduler/processes/created")
	s.procsRunning = s.registerGauge("scheduler/processes/running")
	s.procsBlocked = s.registerGauge("scheduler/processes/blocked")

	if cfg.BPF {
		if err := s.initBPF(); err != nil {
			return nil, fmt.Errorf("scheduler bpf init: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) initBPF() error {
	if !ebpf.Detect().Usable() {
		return fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(s.cfg.BPFPath)
	if err != nil {
		return err
	}
	for _, a := range []struct{ symbol, prog string }{
		{"finish_task_switch", "trace_run"},
		{"ttwu_do_wakeup", "trace_ttwu"},
		{"wake_up_new_task", "trace_wake_new"},
	} {
		if err := prog.AttachKprobe(a.symbol, a.prog); err != nil {
			prog.Close()
			return err
		}
	}
	if s.cfg.Wants("scheduler/runqueue/latency") {
		s.runqueue = s.registerDistribution("scheduler/runqueue/latency", 1_000_000_000)
		s.hasRunq = true
	}
	s.prog = prog
	return nil
}

// Close detaches the BPF arm.
func (s *Scheduler) Close() error {
	if s.prog != nil {
		return s.prog.Close()
	}
	return nil
}

func (s *Scheduler) Sample(ctx context.Context) error {
	st, err := s.fs.Stat()
	if err != nil {
		return fmt.Errorf("read stat: %w", err)
	}

	now := s.ctx.Clock.Now()
	_ = s.ctx.Registry.RecordCounter(s.ctxSwitches, now, st.ContextSwitches)
	_ = s.ctx.Registry.RecordCounter(s.procsCreated, now, st.ProcessCreated)
	_ = s.ctx.Registry.RecordGauge(s.procsRunning, now, st.ProcessesRunning)
	_ = s.ctx.Registry.RecordGauge(s.procsBlocked, now, st.ProcessesBlocked)

	if s.prog != nil && s.hasRunq && s.bpfDue(&s.lastBPF) {
		if hist, err := s.prog.ReadHistogram("runqlat"); err == nil {
			s.recordHistogram(s.runqueue, hist)
		}
	}
	return nil
}
