package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ProfilerConfig is the stack-sample daemon configuration.
type ProfilerConfig struct {
	General   ProfilerGeneral `toml:"general"`
	Metrics   MetricsListen   `toml:"metrics"`
	Pyroscope Pyroscope       `toml:"pyroscope"`
	Kafka     Kafka           `toml:"kafka"`
	Container Container       `toml:"container"`
}

// ProfilerGeneral covers the perf collector knobs.
type ProfilerGeneral struct {
	// Frequency is the per-core sampling frequency in Hz. Capped at 100
	// to bound overhead.
	Frequency uint32 `toml:"frequency"`
	// PeriodS is the perf.data rotation period in seconds.
	PeriodS int `toml:"period"`
	// Debug selects the output mode: "prod" (default), "terminal", "quiet".
	Debug string `toml:"debug"`
}

func (g ProfilerGeneral) Period() time.Duration { return time.Duration(g.PeriodS) * time.Second }

// MetricsListen is the profiler's own admin/metrics endpoint.
type MetricsListen struct {
	Addr string `toml:"addr"`
	Port uint16 `toml:"port"`
}

func (m MetricsListen) Address() string { return fmt.Sprintf("%s:%d", m.Addr, m.Port) }

// Pyroscope configures the pprof-over-HTTP emitter.
type Pyroscope struct {
	Enabled  bool   `toml:"enabled"`
	Upstream string `toml:"upstream"`
	// BatchS is how long samples accumulate before a profile is posted.
	BatchS  int    `toml:"batch_time"`
	Name    string `toml:"name"`
	SpyName string `toml:"spy_name"`
}

func (p Pyroscope) BatchTime() time.Duration {
	if p.BatchS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.BatchS) * time.Second
}

// Kafka configures the sample emitter with ZooKeeper broker discovery.
type Kafka struct {
	Enabled bool `toml:"enabled"`

	ZKServers      []string `toml:"zk_servers"`
	ZKPath         string   `toml:"zk_path"`
	ZKEndpointName string   `toml:"zk_endpoint_name"`

	Topic string `toml:"topic"`

	// CABundles are concatenated into the TLS root pool.
	CABundles []string `toml:"ca_bundles"`

	SASLUser     string `toml:"sasl_user"`
	SASLPassword string `toml:"sasl_password"`
}

// EndpointName defaults to the kafka-tls endpoint used by broker znodes.
func (k Kafka) EndpointName() string {
	if k.ZKEndpointName == "" {
		return "kafka-tls"
	}
	return k.ZKEndpointName
}

// Container configures the orchestrator-state annotator.
type Container struct {
	// StateURL and ContainersURL are the orchestration agent's local
	// HTTP endpoints.
	StateURL      string `toml:"state_url"`
	ContainersURL string `toml:"containers_url"`
	// CgroupRoot is the CPU cgroup directory holding per-container
	// subdirectories with cgroup.procs files.
	CgroupRoot string `toml:"cgroup_root"`
}

// DefaultProfiler returns the configuration used when fields are absent.
func DefaultProfiler() *ProfilerConfig {
	return &ProfilerConfig{
		General: ProfilerGeneral{Frequency: 49, PeriodS: 60, Debug: "prod"},
		Metrics: MetricsListen{Addr: "0.0.0.0", Port: 4243},
		Pyroscope: Pyroscope{
			BatchS:  10,
			Name:    "perfwatch",
			SpyName: "perfwatch",
		},
		Container: Container{
			StateURL:      "http://localhost:5051/state",
			ContainersURL: "http://localhost:5051/containers",
			CgroupRoot:    "/sys/fs/cgroup/cpu/mesos",
		},
	}
}

// LoadProfiler reads the profiler TOML config.
func LoadProfiler(path string) (*ProfilerConfig, error) {
	cfg := DefaultProfiler()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.General.Frequency == 0 {
		cfg.General.Frequency = 49
	}
	if cfg.General.Frequency > 100 {
		return nil, fmt.Errorf("sampling frequency %d exceeds the 100 Hz limit", cfg.General.Frequency)
	}
	if cfg.General.PeriodS <= 0 {
		cfg.General.PeriodS = 60
	}
	return cfg, nil
}
