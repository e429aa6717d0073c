package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tuning trial metrics
	TuningTrialDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gemmtune_trial_duration_ms",
		Help:    "Duration of one candidate kernel trial in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10us to ~5s
	})

	TuningTrialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmtune_trials_total",
		Help: "Total number of tuning trials by candidate kernel",
	}, []string{"candidate"})

	TuningBestSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmtune_best_selected_total",
		Help: "Times a candidate was recorded as the fastest for a signature",
	}, []string{"candidate"})

	// Numerical validation metrics
	NumericalCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmtune_numerical_check_total",
		Help: "Numerical equivalence check verdicts by status",
	}, []string{"status"})

	// Trial isolation metrics
	TrialBytesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gemmtune_trial_bytes_allocated_total",
		Help: "Device bytes allocated for isolated benchmark trials",
	})

	TrialGFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gemmtune_trial_gflops",
		Help: "Performance of the last timed trial in GFLOPS",
	})
)
