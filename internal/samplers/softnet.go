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

// softnetColumns names the leading columns of /proc/net/softnet_stat in
// kernel order.
var softnetColumns = []string{
	"processed",
	"dropped",
	"time_squeezed",
	"cpu_collision",
	"received_rps",
	"flow_limit_count",
}

// Softnet sums each hexadecimal column of /proc/net/softnet_stat across
// CPUs.
type Softnet struct {
	base
	counters map[string]stats.Statistic
}

// NewSoftnet constructs the sampler and registers its statistics.
func NewSoftnet(ctx sampler.Context, cfg config.Common) (*Softnet, error) {
	s := &Softnet{
		base:     newBase("softnet", ctx, cfg),
		counters: make(map[string]stats.Statistic),
	}
	for _, col := range softnetColumns {
		name := "softnet/" + col
		if s.cfg.Wants(name) {
			s.counters[col] = s.registerCounter(name)
		}
	}
	return s, nil
}

func (s *Softnet) Sample(ctx context.Context) error {
	f, err := os.Open(filepath.Join(s.ctx.ProcRoot, "net", "softnet_stat"))
	if err != nil {
		return fmt.Errorf("open softnet_stat: %w", err)
	}
	defer f.Close()

	totals, err := parseSoftnet(f)
	if err != nil {
		return fmt.Errorf("parse softnet_stat: %w", err)
	}

	now := s.ctx.Clock.Now()
	for col, st := range s.counters {
		_ = s.ctx.Registry.RecordCounter(st, now, totals[col])
	}
	return nil
}

// parseSoftnet sums the per-CPU rows. Only the leading six columns are
// summed; later columns are ignored.
func parseSoftnet(r io.Reader) (map[string]uint64, error) {
	totals := make(map[string]uint64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		for i, col := range softnetColumns {
			if i >= len(fields) {
				break
			}
			v, err := strconv.ParseUint(fields[i], 16, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			totals[col] += v
		}
	}
	return totals, scanner.Err()
}
