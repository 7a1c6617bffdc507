package codec

import "github.com/prometheus/client_golang/prometheus"

var (
	encodedBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codec",
		Name:      "encoded_bytes",
		Help:      "Size of exported document buffers.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	}, []string{"mode"})

	encodeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codec",
		Name:      "encode_seconds",
		Help:      "Time spent exporting documents.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"mode"})

	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "codec",
		Name:      "decode_failures_total",
		Help:      "Buffers rejected during decoding.",
	})
)

func init() {
	prometheus.MustRegister(encodedBytes, encodeLatency, decodeFailures)
}
