package sessions

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	active            *prometheus.GaugeVec
	created           *prometheus.CounterVec
	removed           *prometheus.CounterVec
	broadcastFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp_gateway",
			Name:      "active_sessions",
			Help:      "Live sessions by transport.",
		}, []string{"transport"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "sessions_created_total",
			Help:      "Sessions registered, by transport.",
		}, []string{"transport"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "sessions_removed_total",
			Help:      "Sessions removed, by transport.",
		}, []string{"transport"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "broadcast_failures_total",
			Help:      "Per-session notification deliveries that failed or timed out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.created, m.removed, m.broadcastFailures)
	}
	return m
}
