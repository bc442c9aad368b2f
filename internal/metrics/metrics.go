package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_commands_sent_total",
		Help: "Broker commands issued by the reconciler, by action.",
	}, []string{"symbol", "action"})

	CommandsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_commands_failed_total",
		Help: "Broker commands the order handler refused to submit.",
	}, []string{"symbol", "action"})

	Rejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_rejects_total",
		Help: "Broker rejects received.",
	}, []string{"symbol"})

	Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_fills_total",
		Help: "Physical fills applied.",
	}, []string{"symbol"})

	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_pass_duration_seconds",
		Help:    "Duration of one reconciliation pass.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	})

	SnapshotBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderstore_snapshot_bytes_total",
		Help: "Bytes of snapshot records written to disk.",
	})

	SnapshotWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderstore_snapshot_write_seconds",
		Help:    "Latency of writing one snapshot record.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	SnapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderstore_snapshot_write_errors_total",
		Help: "Failed snapshot write attempts.",
	})

	once sync.Once
)

func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(CommandsSent)
		prometheus.MustRegister(CommandsFailed)
		prometheus.MustRegister(Rejects)
		prometheus.MustRegister(Fills)
		prometheus.MustRegister(PassDuration)
		prometheus.MustRegister(SnapshotBytes)
		prometheus.MustRegister(SnapshotWriteLatency)
		prometheus.MustRegister(SnapshotErrors)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
