package samplers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// Interrupt classifies /proc/interrupts rows into named counters. CPU
// columns are split into two numa halves summed independently to
// produce node0/node1 counters.
type Interrupt struct {
	base
	counters map[string]stats.Statistic
}

// interruptShortLabels maps short row labels to statistic suffixes. Rows
// without a short label are classified by substrings of their
// description in classifyInterrupt.
var interruptShortLabels = map[string]string{
	"NMI": "nmi",
	"LOC": "local_timer",
	"SPU": "spurious",
	"PMI": "performance_monitoring",
	"RES": "rescheduling",
	"TLB": "tlb_shootdowns",
	"TRM": "thermal",
	"MCE": "machine_check",
}

// classifyInterrupt maps a row to its statistic suffix, or "" to skip.
func classifyInterrupt(label, description string) string {
	if s, ok := interruptShortLabels[label]; ok {
		return s
	}
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "timer"):
		return "timer"
	case strings.Contains(desc, "rtc"):
		return "rtc"
	case strings.Contains(desc, "vmd"):
		return "vmd"
	case strings.Contains(desc, "nvme"):
		return "nvme"
	case strings.Contains(desc, "eth"), strings.Contains(desc, "mlx"), strings.Contains(desc, "ena"), strings.Contains(desc, "enp"):
		return "network"
	}
	return ""
}

// NewInterrupt constructs the sampler and registers its statistics.
func NewInterrupt(ctx sampler.Context, cfg config.Common) (*Interrupt, error) {
	i := &Interrupt{
		base:     newBase("interrupt", ctx, cfg),
		counters: make(map[string]stats.Statistic),
	}

	suffixes := []string{"nmi", "local_timer", "spurious", "performance_monitoring",
		"rescheduling", "tlb_shootdowns", "thermal", "machine_check",
		"timer", "rtc", "vmd", "nvme", "network", "total"}
	for _, suffix := range suffixes {
		for _, node := range []string{"node0", "node1"} {
			name := "interrupt/" + node + "/" + suffix
			if i.cfg.Wants(name) {
				i.counters[node+"/"+suffix] = i.registerCounter(name)
			}
		}
		name := "interrupt/" + suffix
		if i.cfg.Wants(name) {
			i.counters[suffix] = i.registerCounter(name)
		}
	}
	return i, nil
}

func (i *Interrupt) Sample(ctx context.Context) error {
	f, err := os.Open(filepath.Join(i.ctx.ProcRoot, "interrupts"))
	if err != nil {
		return fmt.Errorf("open interrupts: %w", err)
	}
	defer f.Close()

	totals, err := parseInterrupts(f)
	if err != nil {
		return fmt.Errorf("parse interrupts: %w", err)
	}

	now := i.ctx.Clock.Now()
	for key, st := range i.counters {
		if v, ok := totals[key]; ok {
			_ = i.ctx.Registry.RecordCounter(st, now, v)
		}
	}
	return nil
}

// parseInterrupts reads the column-formatted table. The first numa half
// of the CPU columns accumulates into node0, the second into node1.
func parseInterrupts(r io.Reader) (map[string]uint64, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	cpus := len(strings.Fields(scanner.Text()))
	if cpus == 0 {
		return nil, fmt.Errorf("no cpu columns in header")
	}
	half := cpus / 2

	totals := make(map[string]uint64)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		label := strings.TrimSuffix(fields[0], ":")
		if label == fields[0] {
			continue
		}

		var node0, node1, total uint64
		n := len(fields) - 1
		if n > cpus {
			n = cpus
		}
		for col := 0; col < n; col++ {
			v, err := strconv.ParseUint(fields[col+1], 10, 64)
			if err != nil {
				break
			}
			total += v
			if half > 0 && col >= half {
				node1 += v
			} else {
				node0 += v
			}
		}

		description := ""
		if len(fields) > cpus+1 {
			description = strings.Join(fields[cpus+1:], " ")
		}
		class := classifyInterrupt(label, description)
		if class != "" {
			totals[class] += total
			totals["node0/"+class] += node0
			totals["node1/"+class] += node1
		}
		totals["total"] += total
		totals["node0/total"] += node0
		totals["node1/total"] += node1
	}
	return totals, scanner.Err()
}
