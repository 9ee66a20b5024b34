package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The collector's own telemetry, served by the profiler's admin
// endpoint.
var (
	scriptRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_perf_script_runs_total",
		Help: "Times the script formatter has been run.",
	})
	scriptSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_perf_script_successes_total",
		Help: "Times the script formatter exited successfully.",
	})
	scriptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_perf_script_failures_total",
		Help: "Times the script formatter exited with an error.",
	})
	samplesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_perf_samples_total",
		Help: "Stack samples collected from the profiler.",
	})
)
