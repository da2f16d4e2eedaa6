package verifier

import "github.com/prometheus/client_golang/prometheus"

var verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rentescrow",
	Subsystem: "verifier",
	Name:      "verdicts_total",
	Help:      "Verification verdicts by evidence type, verdict and kind.",
}, []string{"evidence", "verdict", "kind"})

func init() {
	prometheus.MustRegister(verdicts)
}

func observe(evidence string, r Result) {
	verdicts.WithLabelValues(evidence, string(r.Verdict), string(r.Kind)).Inc()
}
