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

// hashKeySize is the fixed char-array key width of the BPF count tables.
const hashKeySize = 64

// UserCall attaches uprobes to named symbols in a configured binary or
// library and maintains per-symbol call counters in BPF hash tables.
type UserCall struct {
	base
	path    string
	symbols []string

	prog     *ebpf.Program
	counters map[string]stats.Statistic // symbol -> counter
	lastBPF  time.Time
}

// NewUserCall constructs the sampler and attaches its uprobes.
func NewUserCall(ctx sampler.Context, cfg config.UserCall) (*UserCall, error) {
	return newUserCall("usercall", ctx, cfg, "usercall/", "counts")
}

// NewKrb5kdc is the krb5kdc preset: it counts post-auth error codes at
// the request-processing return sites.
func NewKrb5kdc(ctx sampler.Context, cfg config.UserCall) (*UserCall, error) {
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"finish_process_as_req", "finish_dispatch_cache", "process_tgs_req"}
	}
	return newUserCall("krb5kdc", ctx, cfg, "krb5kdc/", "counts")
}

func newUserCall(name string, ctx sampler.Context, cfg config.UserCall, prefix, tablePrefix string) (*UserCall, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%s sampler requires a binary path", name)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%s sampler requires symbols", name)
	}
	if !ebpf.Detect().Usable() {
		return nil, fmt.Errorf("bpf not supported on this host")
	}

	prog, err := ebpf.Load(cfg.BPFPath)
	if err != nil {
		return nil, err
	}

	u := &UserCall{
		base:     newBase(name, ctx, cfg.Common),
		path:     cfg.Path,
		symbols:  cfg.Symbols,
		counters: make(map[string]stats.Statistic),
	}
	for _, symbol := range cfg.Symbols {
		// return probes so error codes are observable on exit
		if err := prog.AttachUretprobe(cfg.Path, symbol, "count_"+symbol); err != nil {
			prog.Close()
			return nil, err
		}
		u.counters[symbol] = u.registerCounter(prefix + "counts/" + symbol)
	}
	u.prog = prog
	return u, nil
}

// Close detaches the uprobes.
func (u *UserCall) Close() error {
	if u.prog != nil {
		return u.prog.Close()
	}
	return nil
}

func (u *UserCall) Sample(ctx context.Context) error {
	if !u.bpfDue(&u.lastBPF) {
		return nil
	}
	now := u.ctx.Clock.Now()
	for symbol, st := range u.counters {
		v, err := u.prog.ReadHashChar("counts", symbol, hashKeySize)
		if err != nil {
			continue
		}
		_ = u.ctx.Registry.RecordCounter(st, now, v)
	}
	return nil
}
