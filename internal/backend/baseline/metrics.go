package baseline

import "github.com/prometheus/client_golang/prometheus"

var (
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_baseline_phase_seconds",
			Help:    "Duration of each baseline compilation phase, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	compilesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_baseline_compiles_in_flight",
			Help: "Number of compilations currently inside the baseline compiler.",
		},
	)
)

func init() {
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(compilesInFlight)
}
