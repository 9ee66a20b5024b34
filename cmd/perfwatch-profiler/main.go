// perfwatch-profiler — whole-system stack-sampling daemon.
//
// Runs the host's perf profiler continuously, annotates every sample
// with process context, and ships the results to a pyroscope-compatible
// endpoint or a kafka topic.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/annotate"
	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/emit"
	"github.com/perfwatch/perfwatch/internal/exposition"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "perfwatch-profiler",
		Short:   "Whole-system profiling daemon",
		Version: exposition.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadProfiler(configPath)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer log.Sync()

			return run(cfg, log)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config")
	rootCmd.MarkFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// buildEmitters assembles the sample destinations for the configured
// debug mode. onLoss fires when broker discovery can no longer be
// trusted.
func buildEmitters(cfg *config.ProfilerConfig, log *zap.Logger, onLoss func()) ([]emit.Emitter, error) {
	switch cfg.General.Debug {
	case "terminal":
		return []emit.Emitter{emit.NewStdout(os.Stdout)}, nil
	case "quiet":
		return []emit.Emitter{emit.Discard{}}, nil
	}

	var emitters []emit.Emitter
	if cfg.Pyroscope.Enabled {
		pyroscope, err := emit.NewPyroscope(cfg.Pyroscope, log)
		if err != nil {
			return nil, fmt.Errorf("pyroscope emitter: %w", err)
		}
		emitters = append(emitters, pyroscope)
	}
	if cfg.Kafka.Enabled {
		kafka, err := emit.NewKafka(cfg.Kafka, emit.JSONEncoder{}, log, onLoss)
		if err != nil {
			return nil, fmt.Errorf("kafka emitter: %w", err)
		}
		emitters = append(emitters, kafka)
	}
	if len(emitters) == 0 {
		return nil, fmt.Errorf("no emitter enabled; set debug mode or enable pyroscope/kafka")
	}
	return emitters, nil
}

func buildChain(ctx context.Context, cfg *config.ProfilerConfig, log *zap.Logger) (annotate.Chain, func()) {
	chain := annotate.Chain{annotate.NewCommand("/proc")}
	cleanup := func() {}

	hostname, err := annotate.NewHostname()
	if err != nil {
		log.Error("hostname annotator unavailable", zap.Error(err))
	} else {
		chain = append(chain, hostname)
	}

	systemd, err := annotate.NewSystemd(ctx)
	if err != nil {
		log.Error("systemd annotator unavailable", zap.Error(err))
	} else {
		chain = append(chain, systemd)
	}

	container := annotate.NewContainer(cfg.Container, log)
	chain = append(chain, container)

	cleanup = func() {
		if systemd != nil {
			systemd.Close()
		}
		container.Close()
	}
	return chain, cleanup
}

func run(cfg *config.ProfilerConfig, log *zap.Logger) error {
	log.Info("starting perfwatch-profiler",
		zap.Uint32("frequency", cfg.General.Frequency),
		zap.Duration("period", cfg.General.Period()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// losing the broker-discovery watch is an external-dependency
	// failure: exit distinctly so supervisors restart us
	onLoss := func() {
		log.Error("zookeeper watcher lost")
		os.Exit(2)
	}

	emitters, err := buildEmitters(cfg, log, onLoss)
	if err != nil {
		return err
	}
	defer func() {
		for _, e := range emitters {
			e.Close()
		}
	}()

	chain, cleanupChain := buildChain(ctx, cfg, log)
	defer cleanupChain()

	collector, err := pipeline.NewCollector(cfg.General, log)
	if err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer collector.Close()

	go serveAdmin(cfg.Metrics.Address(), log)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	for {
		sample, err := collector.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("collect sample: %w", err)
		}

		// annotator tasks run in parallel; ordering across samples is
		// not guaranteed
		go func(sample *pipeline.Sample) {
			chain.Annotate(ctx, sample)
			for _, e := range emitters {
				if err := e.Emit(ctx, sample); err != nil {
					log.Warn("failed to emit sample", zap.Error(err))
				}
			}
		}(sample)
	}
}

// serveAdmin exposes the profiler's own telemetry.
func serveAdmin(address string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Welcome to perfwatch-profiler\nVersion: %s\n", exposition.Version)
	})
	mux.Handle("/metrics", promhttp.Handler())

	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error("admin server exited", zap.Error(err))
	}
}
