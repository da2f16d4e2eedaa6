package booking

import "github.com/prometheus/client_golang/prometheus"

var (
	bookingsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "booking",
		Name:      "created_total",
		Help:      "Bookings created and registered on the escrow contract.",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "booking",
		Name:      "transitions_total",
		Help:      "Applied booking status transitions.",
	}, []string{"from", "to"})

	compensationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "booking",
		Name:      "compensation_failures_total",
		Help:      "Escrow registrations that could not be cancelled after a failed create.",
	})

	paidCancels = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "booking",
		Name:      "paid_cancels_total",
		Help:      "Tenant cancels authorized before payment whose on-chain cancel refunded a payment.",
	})
)

func init() {
	prometheus.MustRegister(bookingsCreated, transitionsTotal, compensationFailures, paidCancels)
}
