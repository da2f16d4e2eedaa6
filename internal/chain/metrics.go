package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	chainRPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "chain",
		Name:      "rpc_errors_total",
		Help:      "Transport-level RPC failures by operation.",
	}, []string{"op"})

	chainTxSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "chain",
		Name:      "transactions_submitted_total",
		Help:      "Transactions sent to the escrow contract by method.",
	}, []string{"method"})

	chainReceiptWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rentescrow",
		Subsystem: "chain",
		Name:      "receipt_wait_seconds",
		Help:      "Time spent waiting for a confirmed receipt.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(chainRPCErrors, chainTxSubmitted, chainReceiptWait)
}
