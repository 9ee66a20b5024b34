package samplers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// HTTPScrape polls a JSON endpoint and records recognized top-level
// numeric fields as configured counters or gauges. With passthrough set,
// unrecognized numeric fields become gauges named after the field.
type HTTPScrape struct {
	base
	httpCfg config.HTTP

	client *http.Client

	counters map[string]stats.Statistic // response field -> statistic
	gauges   map[string]stats.Statistic
	passthru map[string]stats.Statistic
}

// NewHTTPScrape constructs the sampler and registers the configured
// statistics.
func NewHTTPScrape(ctx sampler.Context, cfg config.HTTP) (*HTTPScrape, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http sampler requires a url")
	}

	h := &HTTPScrape{
		base:     newBase("http", ctx, cfg.Common),
		httpCfg:  cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		counters: make(map[string]stats.Statistic),
		gauges:   make(map[string]stats.Statistic),
		passthru: make(map[string]stats.Statistic),
	}
	for field, name := range cfg.Counters {
		h.counters[field] = h.registerCounter(name)
	}
	for field, name := range cfg.Gauges {
		h.gauges[field] = h.registerGauge(name)
	}
	return h, nil
}

func (h *HTTPScrape) Sample(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.httpCfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", h.httpCfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrape %s: unexpected status %d", h.httpCfg.URL, resp.StatusCode)
	}

	var body map[string]any
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return fmt.Errorf("decode %s: %w", h.httpCfg.URL, err)
	}

	now := h.ctx.Clock.Now()
	for field, rawAny := range body {
		raw, ok := rawAny.(json.Number)
		if !ok {
			continue
		}
		value, err := numberToU64(raw)
		if err != nil {
			continue
		}
		if st, ok := h.counters[field]; ok {
			_ = h.ctx.Registry.RecordCounter(st, now, value)
			continue
		}
		if st, ok := h.gauges[field]; ok {
			_ = h.ctx.Registry.RecordGauge(st, now, value)
			continue
		}
		if h.httpCfg.Passthrough {
			st, ok := h.passthru[field]
			if !ok {
				st = h.registerGauge("http/" + field)
				h.passthru[field] = st
			}
			_ = h.ctx.Registry.RecordGauge(st, now, value)
		}
	}
	return nil
}

func numberToU64(n json.Number) (uint64, error) {
	if i, err := n.Int64(); err == nil && i >= 0 {
		return uint64(i), nil
	}
	f, err := n.Float64()
	if err != nil || f < 0 {
		return 0, fmt.Errorf("not a non-negative number: %s", n)
	}
	return uint64(f), nil
}
