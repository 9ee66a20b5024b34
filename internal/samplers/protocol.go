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
	"time"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/ebpf"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// snmpEntry addresses one value in the doubly-keyed snmp/netstat tables:
// file -> protocol row -> column key.
type snmpEntry struct {
	file  string // "snmp" or "netstat"
	proto string
	key   string
}

// parseProtoTable reads a /proc/net/{snmp,netstat} style table: header
// and value lines come in pairs sharing a "Proto:" prefix.
func parseProtoTable(r io.Reader) (map[string]map[string]uint64, error) {
	out := make(map[string]map[string]uint64)
	scanner := bufio.NewScanner(r)

	var headerProto string
	var headerKeys []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		proto := strings.TrimSuffix(fields[0], ":")
		if proto == fields[0] {
			continue
		}
		if proto != headerProto {
			headerProto = proto
			headerKeys = fields[1:]
			continue
		}
		row := out[proto]
		if row == nil {
			row = make(map[string]uint64)
			out[proto] = row
		}
		for i, raw := range fields[1:] {
			if i >= len(headerKeys) {
				break
			}
			// netstat counters can be negative on some kernels; clamp
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				continue
			}
			row[headerKeys[i]] = uint64(v)
		}
		headerProto = ""
	}
	return out, scanner.Err()
}

// protocolSampler covers the shared snmp+netstat machinery for TCP and
// UDP.
type protocolSampler struct {
	base
	entries map[string]snmpEntry // statistic name -> table address
	statmap map[string]stats.Statistic
}

func newProtocolSampler(name string, ctx sampler.Context, cfg config.Common, entries map[string]snmpEntry) *protocolSampler {
	p := &protocolSampler{
		base:    newBase(name, ctx, cfg),
		entries: entries,
		statmap: make(map[string]stats.Statistic),
	}
	for statName := range entries {
		if p.cfg.Wants(statName) {
			p.statmap[statName] = p.registerCounter(statName)
		}
	}
	return p
}

func (p *protocolSampler) sampleTables() error {
	tables := make(map[string]map[string]map[string]uint64)
	for _, file := range []string{"snmp", "netstat"} {
		f, err := os.Open(filepath.Join(p.ctx.ProcRoot, "net", file))
		if err != nil {
			return fmt.Errorf("open net/%s: %w", file, err)
		}
		table, err := parseProtoTable(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("parse net/%s: %w", file, err)
		}
		tables[file] = table
	}

	now := p.ctx.Clock.Now()
	for name, st := range p.statmap {
		entry := p.entries[name]
		row, ok := tables[entry.file][entry.proto]
		if !ok {
			continue
		}
		v, ok := row[entry.key]
		if !ok {
			continue
		}
		_ = p.ctx.Registry.RecordCounter(st, now, v)
	}
	return nil
}

// TCP samples /proc/net/snmp and /proc/net/netstat TCP counters, plus an
// active-connect latency distribution from a BPF arm at tcp_v4_connect,
// tcp_v6_connect, and tcp_rcv_state_process.
type TCP struct {
	*protocolSampler

	prog           *ebpf.Program
	connectLatency stats.Statistic
	hasLatency     bool
	lastBPF        time.Time
}

// NewTCP constructs the sampler and registers its statistics.
func NewTCP(ctx sampler.Context, cfg config.Common) (*TCP, error) {
	entries := map[string]snmpEntry{
		"tcp/connection/initiated":      {"snmp", "Tcp", "ActiveOpens"},
		"tcp/connection/accepted":       {"snmp", "Tcp", "PassiveOpens"},
		"tcp/connection/errors":         {"snmp", "Tcp", "AttemptFails"},
		"tcp/reset/established":         {"snmp", "Tcp", "EstabResets"},
		"tcp/receive/segments":          {"snmp", "Tcp", "InSegs"},
		"tcp/transmit/segments":         {"snmp", "Tcp", "OutSegs"},
		"tcp/transmit/retransmits":      {"snmp", "Tcp", "RetransSegs"},
		"tcp/receive/errors":            {"snmp", "Tcp", "InErrs"},
		"tcp/transmit/resets":           {"snmp", "Tcp", "OutRsts"},
		"tcp/receive/listen_drops":      {"netstat", "TcpExt", "ListenDrops"},
		"tcp/receive/listen_overflows":  {"netstat", "TcpExt", "ListenOverflows"},
		"tcp/syncookies/sent":           {"netstat", "TcpExt", "SyncookiesSent"},
		"tcp/syncookies/received":       {"netstat", "TcpExt", "SyncookiesRecv"},
		"tcp/syncookies/failed":         {"netstat", "TcpExt", "SyncookiesFailed"},
		"tcp/abort/on_timeout":          {"netstat", "TcpExt", "TCPAbortOnTimeout"},
		"tcp/abort/on_memory":           {"netstat", "TcpExt", "TCPAbortOnMemory"},
		"tcp/receive/collapsed":         {"netstat", "TcpExt", "TCPRcvCollapsed"},
		"tcp/receive/pruned":            {"netstat", "TcpExt", "PruneCalled"},
		"tcp/receive/ofo_pruned":        {"netstat", "TcpExt", "OfoPruned"},
	}

	t := &TCP{protocolSampler: newProtocolSampler("tcp", ctx, cfg, entries)}
	if cfg.BPF {
		if err := t.initBPF(); err != nil {
			return nil, fmt.Errorf("tcp bpf init: %w", err)
		}
	}
	return t, nil
}

func (t *TCP) initBPF() error {
	if !ebpf.Detect().Usable() {
		return fmt.Errorf("bpf not supported on this host")
	}
	prog, err := ebpf.Load(t.cfg.BPFPath)
	if err != nil {
		return err
	}
	for _, a := range []struct{ symbol, prog string }{
		{"tcp_v4_connect", "trace_connect"},
		{"tcp_v6_connect", "trace_connect"},
		{"tcp_rcv_state_process", "trace_state"},
	} {
		if err := prog.AttachKprobe(a.symbol, a.prog); err != nil {
			prog.Close()
			return err
		}
	}
	if t.cfg.Wants("tcp/connect/latency") {
		t.connectLatency = t.registerDistribution("tcp/connect/latency", 1_000_000_000)
		t.hasLatency = true
	}
	t.prog = prog
	return nil
}

// Close detaches the BPF arm.
func (t *TCP) Close() error {
	if t.prog != nil {
		return t.prog.Close()
	}
	return nil
}

func (t *TCP) Sample(ctx context.Context) error {
	if err := t.sampleTables(); err != nil {
		return err
	}
	if t.prog != nil && t.hasLatency && t.bpfDue(&t.lastBPF) {
		if hist, err := t.prog.ReadHistogram("connlat"); err == nil {
			t.recordHistogram(t.connectLatency, hist)
		}
	}
	return nil
}

// UDP samples /proc/net/snmp UDP counters.
type UDP struct {
	*protocolSampler
}

// NewUDP constructs the sampler and registers its statistics.
func NewUDP(ctx sampler.Context, cfg config.Common) (*UDP, error) {
	entries := map[string]snmpEntry{
		"udp/receive/datagrams":  {"snmp", "Udp", "InDatagrams"},
		"udp/transmit/datagrams": {"snmp", "Udp", "OutDatagrams"},
		"udp/receive/errors":     {"snmp", "Udp", "InErrors"},
		"udp/receive/overflows":  {"snmp", "Udp", "RcvbufErrors"},
		"udp/transmit/overflows": {"snmp", "Udp", "SndbufErrors"},
	}
	return &UDP{newProtocolSampler("udp", ctx, cfg, entries)}, nil
}

func (u *UDP) Sample(ctx context.Context) error {
	return u.sampleTables()
}
