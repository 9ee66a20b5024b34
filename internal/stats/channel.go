package stats

import (
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// channel is the per-statistic record: the latest reading, the refresh
// timestamp guarding out-of-order updates, an optional summary, and the
// declared outputs.
type channel struct {
	statistic Statistic

	empty     atomic.Bool
	reading   atomic.Uint64
	refreshed atomic.Int64 // unix nanos of the last accepted observation

	mu      sync.Mutex // serializes record* paths and summary swaps
	summary *summary

	outMu   sync.Mutex
	outputs map[Output]struct{}
}

func newChannel(statistic Statistic, s *Summary) *channel {
	c := &channel{
		statistic: statistic,
		outputs:   make(map[Output]struct{}),
	}
	c.empty.Store(true)
	if s != nil {
		c.summary = s.build()
	}
	return c
}

func (c *channel) setSummary(s Summary) {
	c.mu.Lock()
	c.summary = s.build()
	c.mu.Unlock()
}

// recordCounter stores a new counter observation. Observations not
// strictly after the stored refresh timestamp are dropped. From the
// second observation on, the secondly rate of change feeds the summary.
func (c *channel) recordCounter(t time.Time, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t0 := c.refreshed.Load()
	if !c.empty.Load() && t.UnixNano() <= t0 {
		return
	}
	if c.empty.Load() {
		c.reading.Store(value)
		c.empty.Store(false)
		c.refreshed.Store(t.UnixNano())
		return
	}
	if c.summary != nil {
		v0 := c.reading.Load()
		dt := float64(t.UnixNano()-t0) / float64(time.Second)
		rate := math.Ceil(float64(value-v0) / dt)
		_ = c.summary.increment(t, uint64(rate), 1)
	}
	c.reading.Store(value)
	c.refreshed.Store(t.UnixNano())
}

// incrementCounter is a lock-free fetch-add on the reading. No summary
// update: out-of-order semantics are undefined for free-running
// increments.
func (c *channel) incrementCounter(delta uint64) {
	c.empty.Store(false)
	c.reading.Add(delta)
}

// recordGauge overwrites the reading and feeds the raw value into the
// summary, subject to the same out-of-order guard.
func (c *channel) recordGauge(t time.Time, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.empty.Load() && t.UnixNano() <= c.refreshed.Load() {
		return
	}
	if c.summary != nil {
		_ = c.summary.increment(t, value, 1)
	}
	c.reading.Store(value)
	c.empty.Store(false)
	c.refreshed.Store(t.UnixNano())
}

func (c *channel) recordBucket(t time.Time, value, count uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.summary == nil {
		return ErrNoSummary
	}
	return c.summary.increment(t, value, count)
}

func (c *channel) percentile(p float64) (uint64, error) {
	c.mu.Lock()
	s := c.summary
	c.mu.Unlock()
	if s == nil {
		return 0, ErrNoSummary
	}
	return s.percentile(p)
}

func (c *channel) currentReading() (uint64, error) {
	if c.empty.Load() {
		return 0, ErrEmpty
	}
	return c.reading.Load(), nil
}

func (c *channel) addOutput(o Output) {
	c.outMu.Lock()
	c.outputs[o] = struct{}{}
	c.outMu.Unlock()
}

func (c *channel) removeOutput(o Output) {
	c.outMu.Lock()
	delete(c.outputs, o)
	c.outMu.Unlock()
}

func (c *channel) declaredOutputs() []Output {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	out := make([]Output, 0, len(c.outputs))
	for o := range c.outputs {
		out = append(out, o)
	}
	return out
}
