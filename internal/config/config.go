// Package config holds the TOML configuration for both daemons. Files
// are read once at startup; CLI flags override file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the metrics daemon configuration.
type Config struct {
	General    General    `toml:"general"`
	Samplers   Samplers   `toml:"samplers"`
	Exposition Exposition `toml:"exposition"`
}

// General covers the daemon-wide knobs.
type General struct {
	Listen string `toml:"listen"`
	// IntervalMS is the default sampling interval in milliseconds.
	IntervalMS int `toml:"interval"`
	// WindowS is the summary span in seconds. BPF tables are read at
	// this cadence.
	WindowS       int  `toml:"window"`
	FaultTolerant bool `toml:"fault_tolerant"`
	Threads       int  `toml:"threads"`
	// ReadingSuffix is appended to reading keys in human/JSON output
	// when set (e.g. "count").
	ReadingSuffix string `toml:"reading_suffix"`
}

func (g General) Interval() time.Duration { return time.Duration(g.IntervalMS) * time.Millisecond }
func (g General) Window() time.Duration   { return time.Duration(g.WindowS) * time.Second }

// Common is the per-sampler configuration shared by every sampler kind.
type Common struct {
	Enabled bool `toml:"enabled"`
	// IntervalMS overrides the global interval when nonzero.
	IntervalMS  int       `toml:"interval"`
	Percentiles []float64 `toml:"percentiles"`
	// Statistics restricts the sampler to a subset of its statistics.
	// Empty means all.
	Statistics []string `toml:"statistics"`
	// BPF enables the sampler's BPF arm where it has one.
	BPF bool `toml:"bpf"`
	// BPFPath locates the sampler's compiled BPF object.
	BPFPath string `toml:"bpf_path"`
}

func (c Common) Interval() time.Duration { return time.Duration(c.IntervalMS) * time.Millisecond }

// Percentileset returns the configured percentiles, defaulted.
func (c Common) Percentileset() []float64 {
	if len(c.Percentiles) == 0 {
		return []float64{1, 10, 50, 90, 99}
	}
	return c.Percentiles
}

// Wants reports whether the named statistic is in the configured subset.
func (c Common) Wants(name string) bool {
	if len(c.Statistics) == 0 {
		return true
	}
	for _, s := range c.Statistics {
		if s == name {
			return true
		}
	}
	return false
}

// Samplers collects every sampler section.
type Samplers struct {
	CPU        CPU       `toml:"cpu"`
	Disk       Common    `toml:"disk"`
	Ext4       Common    `toml:"ext4"`
	XFS        Common    `toml:"xfs"`
	HTTP       HTTP      `toml:"http"`
	Interrupt  Common    `toml:"interrupt"`
	Krb5kdc    UserCall  `toml:"krb5kdc"`
	Memcache   Memcache  `toml:"memcache"`
	Memory     Common    `toml:"memory"`
	Network    Common    `toml:"network"`
	NTP        Common    `toml:"ntp"`
	Nvidia     Common    `toml:"nvidia"`
	PageCache  Common    `toml:"page_cache"`
	Process    Common    `toml:"process"`
	Scheduler  Common    `toml:"scheduler"`
	Softnet    Common    `toml:"softnet"`
	TCP        Common    `toml:"tcp"`
	UDP        Common    `toml:"udp"`
	UserCall   UserCall  `toml:"usercall"`
}

// CPU adds the perf-events switch to the common config.
type CPU struct {
	Common
	PerfEvents bool `toml:"perf_events"`
}

// HTTP configures the JSON scrape sampler.
type HTTP struct {
	Common
	URL string `toml:"url"`
	// Counters and Gauges map response fields to statistic names.
	Counters map[string]string `toml:"counters"`
	Gauges   map[string]string `toml:"gauges"`
	// Passthrough records unrecognized numeric fields as gauges.
	Passthrough bool `toml:"passthrough"`
}

// Memcache configures the memcache stats sampler.
type Memcache struct {
	Common
	Endpoint string `toml:"endpoint"`
}

// UserCall configures uprobe counting against a binary or library.
type UserCall struct {
	Common
	Path    string   `toml:"path"`
	Symbols []string `toml:"symbols"`
}

// Exposition covers the optional push outputs.
type Exposition struct {
	Kafka KafkaPush `toml:"kafka"`
}

// KafkaPush configures periodic snapshot publication to kafka.
type KafkaPush struct {
	Enabled    bool     `toml:"enabled"`
	Hosts      []string `toml:"hosts"`
	Topic      string   `toml:"topic"`
	IntervalMS int      `toml:"interval"`
}

func (k KafkaPush) Interval() time.Duration {
	if k.IntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(k.IntervalMS) * time.Millisecond
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		General: General{
			Listen:        "0.0.0.0:4242",
			IntervalMS:    1000,
			WindowS:       60,
			FaultTolerant: true,
			Threads:       4,
		},
		Samplers: Samplers{
			CPU:       CPU{Common: Common{Enabled: true}},
			Disk:      Common{Enabled: true},
			Interrupt: Common{Enabled: true},
			Memory:    Common{Enabled: true},
			Network:   Common{Enabled: true},
			NTP:       Common{Enabled: true},
			Process:   Common{Enabled: true},
			Scheduler: Common{Enabled: true},
			Softnet:   Common{Enabled: true},
			TCP:       Common{Enabled: true},
			UDP:       Common{Enabled: true},
		},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.General.IntervalMS <= 0 {
		cfg.General.IntervalMS = 1000
	}
	if cfg.General.WindowS <= 0 {
		cfg.General.WindowS = 60
	}
	return cfg, nil
}
