package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	submitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_total",
		Help:      "Client updates by outcome.",
	}, []string{"outcome"})

	documentLoads = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Name:      "document_load_seconds",
		Help:      "Time spent restoring a document from snapshot and log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	tracer = otel.Tracer("github.com/example/richtext-sync/collab")
)

func init() {
	prometheus.MustRegister(submitted, documentLoads)
}
