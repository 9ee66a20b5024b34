package samplers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// memcacheCounters are the high-interest keys tracked with rate
// summaries; everything else numeric passes through as a gauge.
var memcacheCounters = map[string]bool{
	"cmd_get":              true,
	"cmd_set":              true,
	"cmd_flush":            true,
	"cmd_touch":            true,
	"get_hits":             true,
	"get_misses":           true,
	"delete_hits":          true,
	"delete_misses":        true,
	"incr_hits":            true,
	"incr_misses":          true,
	"decr_hits":            true,
	"decr_misses":          true,
	"evictions":            true,
	"expired_unfetched":    true,
	"evicted_unfetched":    true,
	"bytes_read":           true,
	"bytes_written":        true,
	"total_connections":    true,
	"total_items":          true,
	"conn_yields":          true,
}

// Memcache keeps a persistent connection to a memcached endpoint and
// issues the stats command each tick, classifying returned keys.
type Memcache struct {
	base
	endpoint string

	conn net.Conn

	counters map[string]stats.Statistic
	gauges   map[string]stats.Statistic
}

// NewMemcache constructs the sampler.
func NewMemcache(ctx sampler.Context, cfg config.Memcache) (*Memcache, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("memcache sampler requires an endpoint")
	}
	return &Memcache{
		base:     newBase("memcache", ctx, cfg.Common),
		endpoint: cfg.Endpoint,
		counters: make(map[string]stats.Statistic),
		gauges:   make(map[string]stats.Statistic),
	}, nil
}

// Close drops the connection.
func (m *Memcache) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

func (m *Memcache) Sample(ctx context.Context) error {
	if m.conn == nil {
		conn, err := net.DialTimeout("tcp", m.endpoint, 10*time.Second)
		if err != nil {
			return fmt.Errorf("connect %s: %w", m.endpoint, err)
		}
		m.conn = conn
	}

	values, err := m.fetchStats()
	if err != nil {
		// drop the connection so the next tick redials
		m.conn.Close()
		m.conn = nil
		return fmt.Errorf("stats from %s: %w", m.endpoint, err)
	}

	now := m.ctx.Clock.Now()
	for key, value := range values {
		if memcacheCounters[key] {
			st, ok := m.counters[key]
			if !ok {
				st = m.registerCounter("memcache/" + key)
				m.counters[key] = st
			}
			_ = m.ctx.Registry.RecordCounter(st, now, value)
		} else {
			st, ok := m.gauges[key]
			if !ok {
				st = m.registerGauge("memcache/" + key)
				m.gauges[key] = st
			}
			_ = m.ctx.Registry.RecordGauge(st, now, value)
		}
	}
	return nil
}

// fetchStats issues `stats` and reads "STAT key value" lines until the
// END terminator.
func (m *Memcache) fetchStats() (map[string]uint64, error) {
	m.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := m.conn.Write([]byte("stats\r\n")); err != nil {
		return nil, err
	}

	out := make(map[string]uint64)
	reader := bufio.NewReader(m.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "END" {
			return out, nil
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "STAT" {
			continue
		}
		if v, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
			out[fields[1]] = v
		}
	}
}
