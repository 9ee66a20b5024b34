// perfwatch — always-on metrics daemon for Linux hosts.
//
// Drives procfs, sysfs, BPF, and remote samplers on per-source
// intervals, aggregates their observations into a shared registry, and
// exposes snapshots over HTTP and optionally kafka.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/exposition"
	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/samplers"
	"github.com/perfwatch/perfwatch/internal/stats"
)

func main() {
	var (
		listen     string
		verbose    bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:     "perfwatch",
		Short:   "Fleet-wide metrics and telemetry daemon",
		Version: exposition.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.General.Listen = listen
			}
			applySamplerFlags(cmd, cfg)

			log, err := buildLogger(verbose)
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer log.Sync()

			return run(cfg, log)
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVarP(&listen, "listen", "l", "0.0.0.0:4242", "stats listen address (IP:PORT)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to TOML config")
	registerSamplerFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// samplerFlags maps the per-subsystem enable flags onto config fields.
func samplerFlags(cfg *config.Config) map[string]*bool {
	s := &cfg.Samplers
	return map[string]*bool{
		"cpu":        &s.CPU.Enabled,
		"disk":       &s.Disk.Enabled,
		"ext4":       &s.Ext4.Enabled,
		"xfs":        &s.XFS.Enabled,
		"http":       &s.HTTP.Enabled,
		"interrupt":  &s.Interrupt.Enabled,
		"krb5kdc":    &s.Krb5kdc.Enabled,
		"memcache":   &s.Memcache.Enabled,
		"memory":     &s.Memory.Enabled,
		"network":    &s.Network.Enabled,
		"ntp":        &s.NTP.Enabled,
		"nvidia":     &s.Nvidia.Enabled,
		"page-cache": &s.PageCache.Enabled,
		"process":    &s.Process.Enabled,
		"scheduler":  &s.Scheduler.Enabled,
		"softnet":    &s.Softnet.Enabled,
		"tcp":        &s.TCP.Enabled,
		"udp":        &s.UDP.Enabled,
		"usercall":   &s.UserCall.Enabled,
	}
}

func registerSamplerFlags(cmd *cobra.Command) {
	var dummy config.Config
	for name := range samplerFlags(&dummy) {
		cmd.Flags().Bool(name, false, fmt.Sprintf("enable the %s sampler", name))
	}
}

func applySamplerFlags(cmd *cobra.Command, cfg *config.Config) {
	for name, target := range samplerFlags(cfg) {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetBool(name)
			*target = v
		}
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting perfwatch",
		zap.String("version", exposition.Version),
		zap.String("listen", cfg.General.Listen))

	if cfg.General.Threads > 0 {
		runtime.GOMAXPROCS(cfg.General.Threads)
	}

	registry := stats.NewRegistry()
	wall := clock.New()

	runner := sampler.NewRunner(wall, log, cfg.General.Interval(), cfg.General.FaultTolerant)
	defer runner.Close()

	sctx := sampler.NewContext(registry, log, cfg.General.Window())
	if err := samplers.SpawnAll(sctx, cfg, runner); err != nil {
		return fmt.Errorf("spawn samplers: %w", err)
	}

	server, err := exposition.NewServer(cfg.General.Listen, registry, wall, cfg.General.ReadingSuffix, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Exposition.Kafka.Enabled {
		push, err := exposition.NewKafkaPush(cfg.Exposition.Kafka, registry, wall, log)
		if err != nil {
			return fmt.Errorf("kafka stats push: %w", err)
		}
		go push.Run(ctx)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			log.Info("shutting down", zap.String("signal", sig.String()))
		case <-runner.Done():
			if err := runner.Err(); err != nil {
				log.Error("sampler failed in strict mode", zap.Error(err))
			}
		}
		// background tasks stop first; the stats server is last
		runner.Close()
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		return err
	}
	return runner.Err()
}
