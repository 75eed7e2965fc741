package enrich

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for signal enrichment.
type Metrics struct {
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns enrichment metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_signal_queries_total",
			Help: "Total signal queries by signal and status.",
		}, []string{"signal", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aria_signal_query_duration_seconds",
			Help:    "Duration of signal queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"source"}),
	}

	reg.MustRegister(m.QueriesTotal, m.QueryDuration)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnQuery: func(e *QueryEvent) {
			status := "success"
			switch {
			case errors.Is(e.Err, ErrNoData):
				status = "no_data"
			case e.Err != nil:
				status = "error"
			}
			m.QueriesTotal.WithLabelValues(e.Signal, status).Inc()
			m.QueryDuration.WithLabelValues(e.Source).Observe(e.Duration)
		},
	}
}
