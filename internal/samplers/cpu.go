package samplers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/ebpf"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

var cpuDirRe = regexp.MustCompile(`^cpu\d+$`)
var cstateDirRe = regexp.MustCompile(`^state\d+$`)

// perfCounter ties a hardware event to its statistic and per-CPU table.
type perfCounter struct {
	stat  stats.Statistic
	table string
	event ebpf.Event
}

// CPU samples aggregate usage ticks from /proc/stat, per-core frequency
// from /proc/cpuinfo, C-state residency from sysfs cpuidle, and, when
// perf events are enabled, hardware counters accumulated by a BPF
// program driven by a clock event.
type CPU struct {
	base
	cpuCfg config.CPU

	fs procfs.FS

	usage     map[string]stats.Statistic
	frequency stats.Statistic
	cstates   map[string]stats.Statistic

	// cpu dir -> cpuidle state dir -> state name, discovered lazily
	stateNames map[string]map[string]string

	prog     *ebpf.Program
	counters []perfCounter
	lastBPF  time.Time
}

// NewCPU constructs the sampler and registers its statistics.
func NewCPU(ctx sampler.Context, cfg config.CPU) (*CPU, error) {
	fs, err := procfs.NewFS(ctx.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	c := &CPU{
		base:       newBase("cpu", ctx, cfg.Common),
		cpuCfg:     cfg,
		fs:         fs,
		usage:      make(map[string]stats.Statistic),
		cstates:    make(map[string]stats.Statistic),
		stateNames: make(map[string]map[string]string),
	}

	for _, field := range []string{"user", "nice", "system", "idle", "irq", "softirq", "steal", "guest", "guestnice"} {
		name := "cpu/usage/" + field
		if c.cfg.Wants(name) {
			c.usage[field] = c.registerCounter(name)
		}
	}
	if c.cfg.Wants("cpu/frequency") {
		c.frequency = c.registerGauge("cpu/frequency")
	}

	for _, state := range []string{"c0", "c1", "c1e", "c2", "c3", "c6", "c7", "c8"} {
		name := "cpu/cstate/" + state + "/time"
		if c.cfg.Wants(name) {
			c.cstates[state] = c.registerCounter(name)
		}
	}

	if cfg.PerfEvents && cfg.BPF {
		if err := c.initPerf(); err != nil {
			return nil, fmt.Errorf("cpu perf init: %w", err)
		}
	}
	return c, nil
}

func (c *CPU) initPerf() error {
	if !ebpf.Detect().Usable() {
		return fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(c.cfg.BPFPath)
	if err != nil {
		return err
	}

	counters := []struct {
		name  string
		table string
		event ebpf.Event
	}{
		{"cpu/bpu/branches", "branch_instructions", ebpf.BranchInstructions},
		{"cpu/bpu/misses", "branch_misses", ebpf.BranchMisses},
		{"cpu/cache/references", "cache_references", ebpf.CacheReferences},
		{"cpu/cache/misses", "cache_misses", ebpf.CacheMisses},
		{"cpu/cycles", "cycles", ebpf.Cycles},
		{"cpu/instructions", "instructions", ebpf.Instructions},
		{"cpu/reference_cycles", "reference_cycles", ebpf.ReferenceCycles},
		{"cpu/dtlb/load/access", "dtlb_load_access", ebpf.DtlbLoadAccess},
		{"cpu/dtlb/load/miss", "dtlb_load_miss", ebpf.DtlbLoadMiss},
		{"cpu/dtlb/store/access", "dtlb_store_access", ebpf.DtlbStoreAccess},
		{"cpu/dtlb/store/miss", "dtlb_store_miss", ebpf.DtlbStoreMiss},
	}
	for _, pc := range counters {
		if !c.cfg.Wants(pc.name) {
			continue
		}
		// counter fds land in the event array; the clock program reads
		// them into the per-CPU result table
		if err := prog.OpenPerfCounterArray(pc.event, pc.table+"_array"); err != nil {
			prog.Close()
			return err
		}
		c.counters = append(c.counters, perfCounter{
			stat:  c.registerCounter(pc.name),
			table: pc.table,
			event: pc.event,
		})
	}

	// a software clock event drives the periodic accumulation
	interval := uint64(c.Interval() / time.Millisecond)
	if interval == 0 {
		interval = uint64(time.Second / time.Millisecond)
	}
	if err := prog.AttachPerfEvent(ebpf.CPUClock, ebpf.SampleFrequency(interval), "do_count"); err != nil {
		prog.Close()
		return err
	}

	c.prog = prog
	return nil
}

// Close detaches the perf BPF arm.
func (c *CPU) Close() error {
	if c.prog != nil {
		return c.prog.Close()
	}
	return nil
}

func (c *CPU) Sample(ctx context.Context) error {
	// perf counters first: their accumulation is time critical
	if c.prog != nil {
		c.samplePerfCounters()
	}
	if err := c.sampleUsage(); err != nil {
		return err
	}
	if err := c.sampleFrequency(); err != nil {
		return err
	}
	return c.sampleCstates()
}

func (c *CPU) sampleUsage() error {
	st, err := c.fs.Stat()
	if err != nil {
		return fmt.Errorf("read stat: %w", err)
	}
	now := c.ctx.Clock.Now()

	seconds := map[string]float64{
		"user":      st.CPUTotal.User,
		"nice":      st.CPUTotal.Nice,
		"system":    st.CPUTotal.System,
		"idle":      st.CPUTotal.Idle,
		"irq":       st.CPUTotal.IRQ,
		"softirq":   st.CPUTotal.SoftIRQ,
		"steal":     st.CPUTotal.Steal,
		"guest":     st.CPUTotal.Guest,
		"guestnice": st.CPUTotal.GuestNice,
	}
	for field, stat := range c.usage {
		_ = c.ctx.Registry.RecordCounter(stat, now, uint64(seconds[field]*float64(time.Second)))
	}
	return nil
}

func (c *CPU) sampleFrequency() error {
	f, err := os.Open(filepath.Join(c.ctx.ProcRoot, "cpuinfo"))
	if err != nil {
		return fmt.Errorf("read cpuinfo: %w", err)
	}
	defer f.Close()

	var sum float64
	var cores int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if hz, ok := parseFrequency(scanner.Text()); ok {
			sum += hz
			cores++
		}
	}
	if cores > 0 && c.frequency.Name != "" {
		_ = c.ctx.Registry.RecordGauge(c.frequency, c.ctx.Clock.Now(), uint64(sum/float64(cores)))
	}
	return scanner.Err()
}

// parseFrequency extracts a "cpu MHz : ..." line as Hz.
func parseFrequency(line string) (float64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "cpu" || fields[1] != "MHz" {
		return 0, false
	}
	mhz, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, false
	}
	return mhz * 1_000_000, true
}

func (c *CPU) sampleCstates() error {
	cpuRoot := filepath.Join(c.ctx.SysRoot, "devices", "system", "cpu")
	dirs, err := os.ReadDir(cpuRoot)
	if err != nil {
		return fmt.Errorf("read cpu sysfs: %w", err)
	}

	totals := make(map[string]uint64)
	for _, dir := range dirs {
		if !cpuDirRe.MatchString(dir.Name()) {
			continue
		}
		names, err := c.cstateNames(cpuRoot, dir.Name())
		if err != nil {
			continue
		}
		for stateDir, state := range names {
			raw, err := os.ReadFile(filepath.Join(cpuRoot, dir.Name(), "cpuidle", stateDir, "time"))
			if err != nil {
				continue
			}
			us, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
			if err != nil {
				continue
			}
			totals[state] += us * uint64(time.Microsecond)
		}
	}

	now := c.ctx.Clock.Now()
	for state, stat := range c.cstates {
		if v, ok := totals[state]; ok {
			_ = c.ctx.Registry.RecordCounter(stat, now, v)
		}
	}
	return nil
}

// cstateNames discovers and caches the state-dir -> state-name mapping
// for one cpu. Names like "C1E-HSW" classify as "c1e".
func (c *CPU) cstateNames(cpuRoot, cpu string) (map[string]string, error) {
	if names, ok := c.stateNames[cpu]; ok {
		return names, nil
	}
	idle := filepath.Join(cpuRoot, cpu, "cpuidle")
	dirs, err := os.ReadDir(idle)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	for _, dir := range dirs {
		if !cstateDirRe.MatchString(dir.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(idle, dir.Name(), "name"))
		if err != nil {
			continue
		}
		state := classifyCstate(string(raw))
		if state != "" {
			names[dir.Name()] = state
		}
	}
	c.stateNames[cpu] = names
	return names, nil
}

// classifyCstate maps a cpuidle state name (POLL, C1, C1E-HSW, ...) to
// the tracked C-state label.
func classifyCstate(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return ""
	}
	if name == "POLL" {
		return "c0"
	}
	name = strings.ToLower(name)
	if idx := strings.IndexAny(name, "-_"); idx >= 0 {
		name = name[:idx]
	}
	switch name {
	case "c0", "c1", "c1e", "c2", "c3", "c6", "c7", "c8":
		return name
	}
	return ""
}

func (c *CPU) samplePerfCounters() {
	if !c.bpfDue(&c.lastBPF) {
		return
	}
	now := c.ctx.Clock.Now()
	for _, pc := range c.counters {
		v, err := c.prog.ReadPerCPUSum(pc.table, 0)
		if err != nil {
			continue
		}
		_ = c.ctx.Registry.RecordCounter(pc.stat, now, v)
	}
}
