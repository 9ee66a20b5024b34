package stats

import "time"

// Summary configures the aggregation structure attached to a channel.
// Heatmaps suit latency distributions; streams suit rate-summarized
// counters and gauges.
type Summary struct {
	heatmap *heatmapConfig
	stream  int
}

type heatmapConfig struct {
	max        uint64
	precision  int
	span       time.Duration
	resolution time.Duration
}

// HeatmapSummary configures a heatmap with the given maximum tracked
// value, significant-figure precision, window span, and slice resolution.
func HeatmapSummary(max uint64, precision int, span, resolution time.Duration) Summary {
	return Summary{heatmap: &heatmapConfig{max: max, precision: precision, span: span, resolution: resolution}}
}

// StreamSummary configures a reservoir of the given capacity.
func StreamSummary(samples int) Summary {
	return Summary{stream: samples}
}

// summary is a built Summary owned by a channel.
type summary struct {
	heatmap *Heatmap
	stream  *Stream
}

func (s Summary) build() *summary {
	if s.heatmap != nil {
		h := s.heatmap
		return &summary{heatmap: NewHeatmap(h.max, h.precision, h.span, h.resolution)}
	}
	if s.stream > 0 {
		return &summary{stream: NewStream(s.stream)}
	}
	return nil
}

func (s *summary) increment(t time.Time, value, count uint64) error {
	if s.heatmap != nil {
		return s.heatmap.Increment(t, value, count)
	}
	s.stream.Insert(value)
	return nil
}

func (s *summary) percentile(p float64) (uint64, error) {
	if s.heatmap != nil {
		return s.heatmap.Percentile(p)
	}
	return s.stream.Percentile(p)
}
