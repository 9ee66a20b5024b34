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

// Memory records every field of /proc/meminfo and /proc/vmstat as a
// gauge. Meminfo kB quantities are converted to bytes; vmstat event
// counts pass through unscaled.
type Memory struct {
	base

	// statistics are registered lazily as fields appear
	known map[string]stats.Statistic
}

// NewMemory constructs the sampler.
func NewMemory(ctx sampler.Context, cfg config.Common) (*Memory, error) {
	return &Memory{
		base:  newBase("memory", ctx, cfg),
		known: make(map[string]stats.Statistic),
	}, nil
}

func (m *Memory) Sample(ctx context.Context) error {
	if err := m.sampleMeminfo(); err != nil {
		return err
	}
	return m.sampleVmstat()
}

func (m *Memory) sampleMeminfo() error {
	f, err := os.Open(filepath.Join(m.ctx.ProcRoot, "meminfo"))
	if err != nil {
		return fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	fields, err := parseMeminfo(f)
	if err != nil {
		return fmt.Errorf("parse meminfo: %w", err)
	}
	m.record("memory/", fields)
	return nil
}

func (m *Memory) sampleVmstat() error {
	f, err := os.Open(filepath.Join(m.ctx.ProcRoot, "vmstat"))
	if err != nil {
		return fmt.Errorf("open vmstat: %w", err)
	}
	defer f.Close()

	fields, err := parseVmstat(f)
	if err != nil {
		return fmt.Errorf("parse vmstat: %w", err)
	}
	m.record("memory/vmstat/", fields)
	return nil
}

func (m *Memory) record(prefix string, fields map[string]uint64) {
	now := m.ctx.Clock.Now()
	for key, value := range fields {
		name := prefix + key
		if !m.cfg.Wants(name) {
			continue
		}
		st, ok := m.known[name]
		if !ok {
			st = m.registerGauge(name)
			m.known[name] = st
		}
		_ = m.ctx.Registry.RecordGauge(st, now, value)
	}
}

// parseMeminfo reads "MemTotal:   16384 kB" style lines into normalized
// snake_case keys with byte values.
func parseMeminfo(r io.Reader) (map[string]uint64, error) {
	out := make(map[string]uint64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) >= 3 && fields[2] == "kB" {
			v *= 1024
		}
		out[normalizeMemKey(key)] = v
	}
	return out, scanner.Err()
}

// parseVmstat reads "pgfault 12345" style lines.
func parseVmstat(r io.Reader) (map[string]uint64, error) {
	out := make(map[string]uint64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, scanner.Err()
}

// normalizeMemKey converts meminfo's CamelCase and parenthesized keys to
// snake_case: "MemTotal" -> "mem_total", "Active(anon)" -> "active_anon".
func normalizeMemKey(key string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
		case r == '(':
			b.WriteByte('_')
			prevLower = false
		case r == ')':
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		}
	}
	return b.String()
}
