package stats

import (
	"sync"
	"time"
)

// Registry is the process-wide keyed store of channels. Channels are
// keyed by statistic name; readers and writers coexist without a global
// lock on the observation paths.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel)}
}

// Register begins tracking a statistic. Idempotent: re-registering an
// existing channel keeps its summary and outputs.
func (r *Registry) Register(statistic Statistic, summary *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[statistic.Name]; ok {
		return
	}
	r.channels[statistic.Name] = newChannel(statistic, summary)
}

// SetSummary replaces the summary of an already registered statistic.
func (r *Registry) SetSummary(statistic Statistic, summary Summary) {
	if c := r.channel(statistic.Name); c != nil {
		c.setSummary(summary)
	}
}

// Deregister removes the channel and all its outputs.
func (r *Registry) Deregister(statistic Statistic) {
	r.mu.Lock()
	delete(r.channels, statistic.Name)
	r.mu.Unlock()
}

// AddOutput declares an output for the statistic, registering it first
// if needed.
func (r *Registry) AddOutput(statistic Statistic, output Output) {
	r.Register(statistic, nil)
	if c := r.channel(statistic.Name); c != nil {
		c.addOutput(output)
	}
}

// RemoveOutput removes a declared output. The channel itself remains.
func (r *Registry) RemoveOutput(statistic Statistic, output Output) {
	if c := r.channel(statistic.Name); c != nil {
		c.removeOutput(output)
	}
}

// RecordCounter stores a counter observation taken at time t.
func (r *Registry) RecordCounter(statistic Statistic, t time.Time, value uint64) error {
	if statistic.Source != Counter {
		return ErrSourceMismatch
	}
	c := r.channel(statistic.Name)
	if c == nil {
		return ErrNotRegistered
	}
	c.recordCounter(t, value)
	return nil
}

// IncrementCounter adds delta to the reading. Wraps on overflow.
func (r *Registry) IncrementCounter(statistic Statistic, delta uint64) error {
	if statistic.Source != Counter {
		return ErrSourceMismatch
	}
	c := r.channel(statistic.Name)
	if c == nil {
		return ErrNotRegistered
	}
	c.incrementCounter(delta)
	return nil
}

// RecordGauge stores a gauge observation taken at time t.
func (r *Registry) RecordGauge(statistic Statistic, t time.Time, value uint64) error {
	if statistic.Source != Gauge {
		return ErrSourceMismatch
	}
	c := r.channel(statistic.Name)
	if c == nil {
		return ErrNotRegistered
	}
	c.recordGauge(t, value)
	return nil
}

// RecordBucket increments the heatmap bucket for value by count at time
// t. Only valid for Distribution statistics.
func (r *Registry) RecordBucket(statistic Statistic, t time.Time, value, count uint64) error {
	if statistic.Source != Distribution {
		return ErrSourceMismatch
	}
	c := r.channel(statistic.Name)
	if c == nil {
		return ErrNotRegistered
	}
	return c.recordBucket(t, value, count)
}

// Percentile returns percentile p from the statistic's summary.
func (r *Registry) Percentile(statistic Statistic, p float64) (uint64, error) {
	c := r.channel(statistic.Name)
	if c == nil {
		return 0, ErrNotRegistered
	}
	return c.percentile(p)
}

// Reading returns the current reading of the statistic.
func (r *Registry) Reading(statistic Statistic) (uint64, error) {
	c := r.channel(statistic.Name)
	if c == nil {
		return 0, ErrNotRegistered
	}
	return c.currentReading()
}

// Snapshot materializes every (channel, output) pair. Channels that fail
// to produce a value (empty, no summary) are skipped.
func (r *Registry) Snapshot() []Measurement {
	r.mu.RLock()
	channels := make([]*channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.RUnlock()

	var out []Measurement
	for _, c := range channels {
		for _, o := range c.declaredOutputs() {
			var (
				v   uint64
				err error
			)
			switch o.Kind {
			case Reading:
				v, err = c.currentReading()
			case Percentile:
				v, err = c.percentile(o.Percentile)
			}
			if err != nil {
				continue
			}
			out = append(out, Measurement{Statistic: c.statistic, Output: o, Value: v})
		}
	}
	return out
}

func (r *Registry) channel(name string) *channel {
	r.mu.RLock()
	c := r.channels[name]
	r.mu.RUnlock()
	return c
}
