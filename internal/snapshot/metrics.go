package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "write_seconds",
		Help:      "Time spent encoding and uploading a snapshot.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	snapshotSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "size_bytes",
		Help:      "Encoded snapshot size.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(snapshotLatency, snapshotSize)
}
