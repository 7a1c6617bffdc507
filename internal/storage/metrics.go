package storage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/example/richtext-sync/internal/types"
)

var (
	walAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "append_seconds",
		Help:      "Latency for appending updates to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walReplayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying log batches per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wal",
		Name:      "backlog_entries",
		Help:      "Log entries beyond the latest snapshot per document.",
	}, []string{"document"})

	walTracer = otel.Tracer("github.com/example/richtext-sync/wal")
)

func init() {
	prometheus.MustRegister(walAppendLatency, walReplayLatency, walBacklog)
}

// RecordBacklog publishes how many updates of docID sit beyond its latest
// snapshot and returns the count.
func RecordBacklog(ctx context.Context, log UpdateLog, docID types.DocumentID) (int64, error) {
	ref, err := log.LatestSnapshot(ctx, docID)
	if err != nil {
		return 0, err
	}
	count, err := log.OperationCountAfterLSN(ctx, docID, ref.LastLSN)
	if err != nil {
		return 0, err
	}
	walBacklog.WithLabelValues(string(docID)).Set(float64(count))
	return count, nil
}
