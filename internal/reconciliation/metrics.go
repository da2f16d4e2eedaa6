package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "validations_total",
		Help:      "Validation outcomes by operation and verdict.",
	}, []string{"operation", "verdict"})

	verifyRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "verify_retries_total",
		Help:      "Verification retries after a PENDING verdict or chain outage.",
	})

	appliedTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "applied_transitions_total",
		Help:      "Booking transitions applied from verified chain evidence, by source.",
	}, []string{"to", "source"})

	reviewFlags = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "needs_review_total",
		Help:      "Attempts flagged for manual review (amount mismatches, paid-after-cancel).",
	})

	sweepOpenBookings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "sweep_open_bookings",
		Help:      "Non-terminal bookings checked in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "reconciliation",
		Name:      "sweep_errors_total",
		Help:      "Bookings whose sync failed during a sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		validationsTotal,
		verifyRetries,
		appliedTransitions,
		reviewFlags,
		sweepOpenBookings,
		sweepDuration,
		sweepErrors,
	)
}
