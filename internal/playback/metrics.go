package playback

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_hits_total",
		Help:      "Playback requests served from a cached state.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_misses_total",
		Help:      "Playback requests that started from a stored snapshot.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}
