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

// Network sums per-interface counters from /proc/net/dev. The BPF arm
// attaches at the net_dev_queue and netif_rx tracepoints to produce
// packet-size distributions for each direction.
type Network struct {
	base

	fs procfs.FS

	counters map[string]stats.Statistic

	prog    *ebpf.Program
	dists   map[string]stats.Statistic
	lastBPF time.Time
}

// NewNetwork constructs the sampler and registers its statistics.
func NewNetwork(ctx sampler.Context, cfg config.Common) (*Network, error) {
	fs, err := procfs.NewFS(ctx.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	n := &Network{
		base:     newBase("network", ctx, cfg),
		fs:       fs,
		counters: make(map[string]stats.Statistic),
		dists:    make(map[string]stats.Statistic),
	}

	for _, name := range []string{
		"network/receive/bytes", "network/receive/packets", "network/receive/errors", "network/receive/drops",
		"network/transmit/bytes", "network/transmit/packets", "network/transmit/errors", "network/transmit/drops",
	} {
		if n.cfg.Wants(name) {
			n.counters[name] = n.registerCounter(name)
		}
	}

	if cfg.BPF {
		if err := n.initBPF(); err != nil {
			return nil, fmt.Errorf("network bpf init: %w", err)
		}
	}
	return n, nil
}

func (n *Network) initBPF() error {
	if !ebpf.Detect().Usable() {
		return fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(n.cfg.BPFPath)
	if err != nil {
		return err
	}
	if err := prog.AttachTracepoint("net", "net_dev_queue", "trace_transmit"); err != nil {
		prog.Close()
		return err
	}
	if err := prog.AttachTracepoint("net", "netif_rx", "trace_receive"); err != nil {
		prog.Close()
		return err
	}

	for table, name := range map[string]string{
		"rx_size": "network/receive/size",
		"tx_size": "network/transmit/size",
	} {
		if n.cfg.Wants(name) {
			n.dists[table] = n.registerDistribution(name, 1_000_000_000)
		}
	}

	n.prog = prog
	return nil
}

// Close detaches the BPF arm.
func (n *Network) Close() error {
	if n.prog != nil {
		return n.prog.Close()
	}
	return nil
}

func (n *Network) Sample(ctx context.Context) error {
	dev, err := n.fs.NetDev()
	if err != nil {
		return fmt.Errorf("read net/dev: %w", err)
	}

	totals := map[string]uint64{}
	for _, line := range dev {
		if line.Name == "lo" {
			continue
		}
		totals["network/receive/bytes"] += line.RxBytes
		totals["network/receive/packets"] += line.RxPackets
		totals["network/receive/errors"] += line.RxErrors
		totals["network/receive/drops"] += line.RxDropped
		totals["network/transmit/bytes"] += line.TxBytes
		totals["network/transmit/packets"] += line.TxPackets
		totals["network/transmit/errors"] += line.TxErrors
		totals["network/transmit/drops"] += line.TxDropped
	}

	now := n.ctx.Clock.Now()
	for name, st := range n.counters {
		_ = n.ctx.Registry.RecordCounter(st, now, totals[name])
	}

	n.sampleBPF()
	return nil
}

func (n *Network) sampleBPF() {
	if n.prog == nil || !n.bpfDue(&n.lastBPF) {
		return
	}
	for table, st := range n.dists {
		hist, err := n.prog.ReadHistogram(table)
		if err != nil {
			continue
		}
		n.recordHistogram(st, hist)
	}
}
