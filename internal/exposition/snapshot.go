// Package exposition serves registry snapshots over HTTP and optionally
// pushes them to kafka.
package exposition

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/perfwatch/perfwatch/internal/stats"
)

// snapshotCache refreshes at most every 500ms so concurrent scrapes do
// not recompute percentiles.
type snapshotCache struct {
	registry *stats.Registry
	clock    clock.Clock
	maxAge   time.Duration

	mu        sync.Mutex
	current   []stats.Measurement
	refreshed time.Time
}

func newSnapshotCache(registry *stats.Registry, c clock.Clock) *snapshotCache {
	return &snapshotCache{
		registry: registry,
		clock:    c,
		maxAge:   500 * time.Millisecond,
	}
}

func (s *snapshotCache) get() []stats.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.refreshed.IsZero() || now.Sub(s.refreshed) >= s.maxAge {
		s.current = s.registry.Snapshot()
		s.refreshed = now
	}
	return s.current
}

// formatPercentile renders a percentile the way the output surfaces
// label it: at least two integer digits, fractional digits kept.
func formatPercentile(p float64) string {
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", p), "0"), ".")
	if dot := strings.IndexByte(s, '.'); dot == 1 || (dot < 0 && len(s) == 1) {
		s = "0" + s
	}
	return s
}

// jsonKey renders a measurement's flat-map key: the channel name, with
// percentile outputs suffixed as /pXX and readings optionally suffixed
// with the configured label.
func jsonKey(m stats.Measurement, readingSuffix string) string {
	switch m.Output.Kind {
	case stats.Percentile:
		return m.Statistic.Name + "/p" + formatPercentile(m.Output.Percentile)
	default:
		if readingSuffix != "" {
			return m.Statistic.Name + "/" + readingSuffix
		}
		return m.Statistic.Name
	}
}

// sortedKeys materializes the snapshot as sorted key/value pairs.
func sortedKeys(measurements []stats.Measurement, readingSuffix string) []struct {
	Key   string
	Value uint64
} {
	out := make([]struct {
		Key   string
		Value uint64
	}, 0, len(measurements))
	for _, m := range measurements {
		out = append(out, struct {
			Key   string
			Value uint64
		}{jsonKey(m, readingSuffix), m.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
