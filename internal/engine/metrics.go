package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "apply_update_seconds",
		Help:      "Time spent importing update buffers into documents.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"document"})

	importFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "import_failures_total",
		Help:      "Updates rejected by the document codec.",
	}, []string{"document"})

	pendingUpdates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "pending_updates",
		Help:      "Updates parked until their history arrives.",
	}, []string{"document"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "documents",
		Help:      "Number of documents loaded in memory.",
	})

	tracer = otel.Tracer("github.com/example/richtext-sync/engine")
)

func init() {
	prometheus.MustRegister(applyLatency, importFailures, pendingUpdates, documentCount)
}
