package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	compilationsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_compilations_submitted_total",
			Help: "Total number of compilation tasks submitted.",
		},
	)

	compilationsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_compilations_finished_total",
			Help: "Total number of compilation tasks reaching a terminal state.",
		},
		[]string{"outcome"},
	)

	compileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_compile_seconds",
			Help:    "Backend compilation duration, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	installedUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_installed_units",
			Help: "Number of units currently dispatching through compiled code.",
		},
	)

	invalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_invalidations_total",
			Help: "Total number of installed artifacts evicted by invalidation.",
		},
	)
)

func init() {
	prometheus.MustRegister(compilationsSubmitted)
	prometheus.MustRegister(compilationsFinished)
	prometheus.MustRegister(compileDuration)
	prometheus.MustRegister(installedUnits)
	prometheus.MustRegister(invalidations)
}
