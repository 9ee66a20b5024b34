package emit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// profileBuilder accumulates samples into a pprof profile, interning
// locations and functions.
type profileBuilder struct {
	prof *profile.Profile

	locations map[locationKey]*profile.Location
	functions map[functionKey]*profile.Function

	start time.Time
	last  time.Time
}

type locationKey struct {
	ip       uint64
	function string
}

type functionKey struct {
	name string
}

func newProfileBuilder() *profileBuilder {
	return &profileBuilder{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "wall", Unit: "microseconds"},
			// sample weights are microseconds, so the period is 1µs
			Period: 1,
		},
		locations: make(map[locationKey]*profile.Location),
		functions: make(map[functionKey]*profile.Function),
	}
}

// add appends one sample with its context labels. Frame order is
// preserved: location 0 is the leaf.
func (b *profileBuilder) add(sample *pipeline.Sample) {
	if b.start.IsZero() {
		b.start = sample.Time
	}
	b.last = sample.Time

	s := &profile.Sample{
		Value:    []int64{int64(sample.Weight / 1000)},
		Label:    make(map[string][]string),
		NumLabel: make(map[string][]int64),
		NumUnit:  make(map[string][]string),
	}

	s.NumLabel["timestamp"] = []int64{sample.Time.UnixMicro()}
	s.NumUnit["timestamp"] = []string{"microseconds"}

	addLabel := func(key, value string) {
		if value != "" {
			s.Label[key] = []string{value}
		}
	}
	addLabel("hostname", sample.Hostname)
	addLabel("command", sample.Command)
	addLabel("thread_name", sample.ThreadName)

	var source string
	if c := sample.Container; c != nil {
		addLabel("job", c.Service)
		if c.Instance != nil {
			addLabel("instance_id", strconv.FormatUint(uint64(*c.Instance), 10))
		}
		source = c.Source
	}
	if sd := sample.Systemd; sd != nil {
		addLabel("systemd.unit", sd.Unit)
		addLabel("systemd.slice", sd.Slice)
		if source == "" {
			source = sd.Unit
		}
	}
	addLabel("source", source)

	for _, frame := range sample.Frames {
		s.Location = append(s.Location, b.location(frame))
	}

	b.prof.Sample = append(b.prof.Sample, s)
}

func (b *profileBuilder) location(frame pipeline.Frame) *profile.Location {
	name := ""
	if frame.Symbol != nil {
		name = frame.Symbol.Demangled
		if name == "" {
			name = frame.Symbol.Mangled
		}
	}
	key := locationKey{ip: frame.IP, function: name}
	if loc, ok := b.locations[key]; ok {
		return loc
	}

	loc := &profile.Location{
		ID:      uint64(len(b.prof.Location) + 1),
		Address: frame.IP,
	}
	if name != "" {
		loc.Line = []profile.Line{{Function: b.function(frame.Symbol)}}
	}
	b.prof.Location = append(b.prof.Location, loc)
	b.locations[key] = loc
	return loc
}

func (b *profileBuilder) function(symbol *pipeline.SymbolInfo) *profile.Function {
	key := functionKey{name: symbol.Demangled}
	if fn, ok := b.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.prof.Function) + 1),
		Name:       symbol.Demangled,
		SystemName: symbol.Mangled,
		Filename:   symbol.File,
	}
	b.prof.Function = append(b.prof.Function, fn)
	b.functions[key] = fn
	return fn
}

// build finalizes the profile.
func (b *profileBuilder) build() *profile.Profile {
	b.prof.TimeNanos = b.start.UnixNano()
	b.prof.DurationNanos = b.last.Sub(b.start).Nanoseconds()
	return b.prof
}

// Pyroscope batches samples for a configured duration and POSTs each
// closed batch as a pprof profile to the /ingest endpoint. Upstream
// errors drop the batch and the emitter continues.
type Pyroscope struct {
	log    *zap.Logger
	cfg    config.Pyroscope
	client *http.Client

	mu         sync.Mutex
	builder    *profileBuilder
	batchStart time.Time
}

// NewPyroscope builds the emitter.
func NewPyroscope(cfg config.Pyroscope, log *zap.Logger) (*Pyroscope, error) {
	if cfg.Upstream == "" {
		return nil, fmt.Errorf("pyroscope emitter requires an upstream")
	}
	return &Pyroscope{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *Pyroscope) Emit(ctx context.Context, sample *pipeline.Sample) error {
	prof := p.addToBatch(sample)
	if prof == nil {
		return nil
	}

	if err := p.post(ctx, prof); err != nil {
		// drop the batch, keep the pipeline alive
		postFailures.Inc()
		p.log.Error("failed to upload profile", zap.Error(err))
	} else {
		postSuccesses.Inc()
	}
	return nil
}

// addToBatch buffers the sample, returning a finished profile when the
// batch duration has elapsed.
func (p *Pyroscope) addToBatch(sample *pipeline.Sample) *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.builder == nil {
		p.builder = newProfileBuilder()
		p.batchStart = sample.Time
	}
	p.builder.add(sample)

	if sample.Time.Sub(p.batchStart) < p.cfg.BatchTime() {
		return nil
	}
	prof := p.builder.build()
	p.builder = nil
	return prof
}

func (p *Pyroscope) post(ctx context.Context, prof *profile.Profile) error {
	var body bytes.Buffer
	if err := prof.Write(&body); err != nil {
		return fmt.Errorf("serialize profile: %w", err)
	}

	from := prof.TimeNanos / int64(time.Second)
	until := (prof.TimeNanos + prof.DurationNanos) / int64(time.Second)

	query := url.Values{}
	query.Set("name", p.cfg.Name)
	query.Set("format", "pprof")
	query.Set("spyName", p.cfg.SpyName)
	query.Set("from", strconv.FormatInt(from, 10))
	query.Set("until", strconv.FormatInt(until, 10))

	ingest := fmt.Sprintf("http://%s/ingest?%s", p.cfg.Upstream, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ingest, &body)
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", ingest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Close drops any partial batch.
func (p *Pyroscope) Close() error {
	p.mu.Lock()
	p.builder = nil
	p.mu.Unlock()
	return nil
}
