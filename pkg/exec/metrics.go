package exec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	queries               *prometheus.CounterVec
	queryDuration         prometheus.Histogram
	attempts              *prometheus.CounterVec
	attemptDuration       *prometheus.HistogramVec
	retries               *prometheus.CounterVec
	speculativeExecutions prometheus.Counter
	abortedAttempts       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "queries_total",
			Help:      "Total queries executed, by terminal outcome.",
		}, []string{"outcome"}),
		queryDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "casskit",
			Name:      "query_duration_seconds",
			Help:      "End to end query latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		attempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "attempts_total",
			Help:      "Total node attempts, split by speculative.",
		}, []string{"speculative"}),
		attemptDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casskit",
			Name:      "attempt_duration_seconds",
			Help:      "Single attempt latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "retries_total",
			Help:      "Retry decisions taken, by decision type.",
		}, []string{"decision"}),
		speculativeExecutions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "speculative_executions_total",
			Help:      "Speculative executions launched.",
		}),
		abortedAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "casskit",
			Name:      "aborted_attempts_total",
			Help:      "Attempts abandoned after the query already finalized.",
		}),
	}
}
