package stats

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Heatmap is a sliding time-windowed histogram. Values land in the slice
// covering their timestamp; slices older than the span are evicted as
// time advances. Percentile queries merge the live slices.
type Heatmap struct {
	max        uint64
	precision  int
	span       time.Duration
	resolution time.Duration

	mu     sync.Mutex
	slices []heatmapSlice
}

type heatmapSlice struct {
	begin time.Time
	hist  *hdrhistogram.Histogram
}

// NewHeatmap creates a heatmap tracking values in [0, max] with the given
// relative precision (significant figures), total window span, and
// per-slice resolution.
func NewHeatmap(max uint64, precision int, span, resolution time.Duration) *Heatmap {
	if resolution <= 0 {
		resolution = time.Second
	}
	if span < resolution {
		span = resolution
	}
	return &Heatmap{
		max:        max,
		precision:  precision,
		span:       span,
		resolution: resolution,
	}
}

// Increment adds count observations of value at the given time.
func (h *Heatmap) Increment(t time.Time, value uint64, count uint64) error {
	if value > h.max {
		return ErrOutOfRange
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.evict(t)
	s := h.slice(t)
	if s == nil {
		// timestamp precedes the live window entirely
		return nil
	}
	return s.hist.RecordValues(int64(value), int64(count))
}

// Percentile returns the value at percentile p across the live window.
func (h *Heatmap) Percentile(p float64) (uint64, error) {
	if p <= 0.0 || p > 100.0 {
		return 0, ErrInvalidPercentile
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	merged := hdrhistogram.New(1, int64(h.max), h.precision)
	var total int64
	for i := range h.slices {
		merged.Merge(h.slices[i].hist)
		total += h.slices[i].hist.TotalCount()
	}
	if total == 0 {
		return 0, ErrEmpty
	}
	// below one sample's share the quantile rank rounds to zero; clamp so
	// the lowest recorded value is returned
	if floor := 100.0 / float64(total); p < floor {
		p = floor
	}
	return uint64(merged.ValueAtQuantile(p)), nil
}

// slice returns the slice covering t, appending a new one if t is beyond
// the newest slice.
func (h *Heatmap) slice(t time.Time) *heatmapSlice {
	for i := range h.slices {
		begin := h.slices[i].begin
		if !t.Before(begin) && t.Before(begin.Add(h.resolution)) {
			return &h.slices[i]
		}
	}
	if n := len(h.slices); n > 0 && t.Before(h.slices[n-1].begin) {
		return nil
	}
	begin := t.Truncate(h.resolution)
	h.slices = append(h.slices, heatmapSlice{
		begin: begin,
		hist:  hdrhistogram.New(1, int64(h.max), h.precision),
	})
	return &h.slices[len(h.slices)-1]
}

// evict drops slices that have fallen out of the window ending at t.
func (h *Heatmap) evict(t time.Time) {
	cutoff := t.Add(-h.span)
	keep := h.slices[:0]
	for i := range h.slices {
		if h.slices[i].begin.Add(h.resolution).After(cutoff) {
			keep = append(keep, h.slices[i])
		}
	}
	h.slices = keep
}
