package samplers

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/prometheus/procfs/blockdevice"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/ebpf"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// diskDeviceRe matches whole devices, excluding partitions: sda, hdb,
// nvme0n1.
var diskDeviceRe = regexp.MustCompile(`^(sd[a-z]+|hd[a-z]+|nvme\d+n\d+)$`)

const sectorSize = 512

// Disk sums /proc/diskstats over whole devices. The BPF arm attaches at
// the block layer to produce total/device/queue latency and I/O size
// distributions split by direction.
type Disk struct {
	base

	fs blockdevice.FS

	bandwidth  map[string]stats.Statistic // read/write/discard
	operations map[string]stats.Statistic

	prog    *ebpf.Program
	dists   map[string]stats.Statistic
	lastBPF time.Time
}

// NewDisk constructs the sampler and registers its statistics.
func NewDisk(ctx sampler.Context, cfg config.Common) (*Disk, error) {
	fs, err := blockdevice.NewFS(ctx.ProcRoot, ctx.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	d := &Disk{
		base:       newBase("disk", ctx, cfg),
		fs:         fs,
		bandwidth:  make(map[string]stats.Statistic),
		operations: make(map[string]stats.Statistic),
		dists:      make(map[string]stats.Statistic),
	}

	for _, dir := range []string{"read", "write", "discard"} {
		if name := "disk/bandwidth/" + dir; d.cfg.Wants(name) {
			d.bandwidth[dir] = d.registerCounter(name)
		}
		if name := "disk/operations/" + dir; d.cfg.Wants(name) {
			d.operations[dir] = d.registerCounter(name)
		}
	}

	if cfg.BPF {
		if err := d.initBPF(); err != nil {
			return nil, fmt.Errorf("disk bpf init: %w", err)
		}
	}
	return d, nil
}

func (d *Disk) initBPF() error {
	if !ebpf.Detect().Usable() {
		return fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(d.cfg.BPFPath)
	if err != nil {
		return err
	}

	attachments := []struct {
		symbol string
		prog   string
	}{
		{"blk_account_io_start", "trace_io_start"},
		{"blk_mq_start_request", "trace_mq_start"},
	}
	for _, a := range attachments {
		if err := prog.AttachKprobe(a.symbol, a.prog); err != nil {
			prog.Close()
			return err
		}
	}
	// completion hook renamed between kernel versions
	if err := prog.AttachKprobe("blk_account_io_done", "trace_io_done"); err != nil {
		if err := prog.AttachKprobe("blk_account_io_completion", "trace_io_done"); err != nil {
			prog.Close()
			return err
		}
	}

	for table, name := range map[string]string{
		"latency_read":         "disk/latency/read",
		"latency_write":        "disk/latency/write",
		"device_latency_read":  "disk/device_latency/read",
		"device_latency_write": "disk/device_latency/write",
		"queue_latency_read":   "disk/queue_latency/read",
		"queue_latency_write":  "disk/queue_latency/write",
		"io_size_read":         "disk/io_size/read",
		"io_size_write":        "disk/io_size/write",
	} {
		if d.cfg.Wants(name) {
			d.dists[table] = d.registerDistribution(name, 1_000_000_000)
		}
	}

	d.prog = prog
	return nil
}

// Close detaches the BPF arm.
func (d *Disk) Close() error {
	if d.prog != nil {
		return d.prog.Close()
	}
	return nil
}

func (d *Disk) Sample(ctx context.Context) error {
	if err := d.sampleDiskstats(); err != nil {
		return err
	}
	d.sampleBPF()
	return nil
}

func (d *Disk) sampleDiskstats() error {
	devices, err := d.fs.ProcDiskstats()
	if err != nil {
		return fmt.Errorf("read diskstats: %w", err)
	}

	var (
		readOps, readBytes       uint64
		writeOps, writeBytes     uint64
		discardOps, discardBytes uint64
	)
	for _, dev := range devices {
		if !diskDeviceRe.MatchString(dev.DeviceName) {
			continue
		}
		readOps += dev.ReadIOs
		readBytes += dev.ReadSectors * sectorSize
		writeOps += dev.WriteIOs
		writeBytes += dev.WriteSectors * sectorSize
		discardOps += dev.DiscardIOs
		discardBytes += dev.DiscardSectors * sectorSize
	}

	now := d.ctx.Clock.Now()
	record := func(m map[string]stats.Statistic, dir string, v uint64) {
		if st, ok := m[dir]; ok {
			_ = d.ctx.Registry.RecordCounter(st, now, v)
		}
	}
	record(d.operations, "read", readOps)
	record(d.operations, "write", writeOps)
	record(d.operations, "discard", discardOps)
	record(d.bandwidth, "read", readBytes)
	record(d.bandwidth, "write", writeBytes)
	record(d.bandwidth, "discard", discardBytes)
	return nil
}

func (d *Disk) sampleBPF() {
	if d.prog == nil || !d.bpfDue(&d.lastBPF) {
		return
	}
	for table, st := range d.dists {
		hist, err := d.prog.ReadHistogram(table)
		if err != nil {
			continue
		}
		d.recordHistogram(st, hist)
	}
}
