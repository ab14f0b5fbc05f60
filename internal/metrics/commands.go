package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(commandDuration, extractions) }

var (
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdeploy_remote_command_duration_seconds",
			Help:    "Provisioning CLI invocation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"op", "outcome"},
	)

	extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeploy_extractions_total",
			Help: "Table extractions, labeled by outcome.",
		},
		[]string{"outcome"}, // ok, not_running, auth_retry, failed
	)
)

func ObserveCommand(op, outcome string, d time.Duration) {
	commandDuration.WithLabelValues(norm(op), norm(outcome)).Observe(d.Seconds())
}

func IncExtraction(outcome string) {
	extractions.WithLabelValues(norm(outcome)).Inc()
}
