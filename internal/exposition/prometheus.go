package exposition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perfwatch/perfwatch/internal/stats"
)

// promName sanitizes a channel name for Prometheus exposition: slashes
// become underscores, and percentile outputs drop a trailing /histogram
// component before labeling.
func promName(name string, output stats.Output) string {
	if output.Kind == stats.Percentile {
		name = strings.TrimSuffix(name, "/histogram")
	}
	return strings.ReplaceAll(name, "/", "_")
}

// renderPrometheus produces the exposition text for one snapshot. Every
// value is typed gauge: readings are point-in-time by construction and
// percentile outputs are not cumulative.
func renderPrometheus(measurements []stats.Measurement) string {
	lines := make([]string, 0, len(measurements))
	for _, m := range measurements {
		name := promName(m.Statistic.Name, m.Output)
		switch m.Output.Kind {
		case stats.Percentile:
			lines = append(lines, fmt.Sprintf("# TYPE %s gauge\n%s{percentile=\"%s\"} %d",
				name, name, formatPercentile(m.Output.Percentile), m.Value))
		default:
			lines = append(lines, fmt.Sprintf("# TYPE %s gauge\n%s %d", name, name, m.Value))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}
