package compile

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_compile_queue_depth",
			Help: "Number of tasks waiting in the compile queue.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_compile_queue_wait_seconds",
			Help:    "Time tasks spend queued before a worker claims them, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueWait)
}
