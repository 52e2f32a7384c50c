package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	acquires        prometheus.Counter
	acquireFailures *prometheus.CounterVec
	openConns       *prometheus.GaugeVec
	dialFailures    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		acquires: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "pool_acquires_total",
			Help:      "Connection acquisition attempts.",
		}),
		acquireFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "pool_acquire_failures_total",
			Help:      "Connection acquisitions that failed, by reason.",
		}, []string{"reason"}),
		openConns: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "casskit",
			Name:      "pool_open_connections",
			Help:      "Open connections per host.",
		}, []string{"host"}),
		dialFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "pool_dial_failures_total",
			Help:      "Failed connection dials per host.",
		}, []string{"host"}),
	}
}
