package gateway

import "github.com/prometheus/client_golang/prometheus"

var invoicesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "gateway",
	Name:      "invoices_total",
	Help:      "Invoice creation attempts by provider and result.",
}, []string{"provider", "result"}) // "created", "failed", "circuit_open", "invalid"

func init() {
	prometheus.MustRegister(invoicesTotal)
}
