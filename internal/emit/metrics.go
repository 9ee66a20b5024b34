package emit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emitter_pyroscope_post_successes_total",
		Help: "Profiles successfully posted to the ingest endpoint.",
	})
	postFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emitter_pyroscope_post_failures_total",
		Help: "Profile uploads dropped after an upstream error.",
	})
	kafkaBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emitter_kafka_tx_bytes_total",
		Help: "Payload bytes handed to the kafka producer, before compression.",
	})
)
