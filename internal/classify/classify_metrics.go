package classify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the classifier.
type Metrics struct {
	ClassificationsTotal *prometheus.CounterVec
	InvalidTotal         prometheus.Counter
	RuleMatchesTotal     *prometheus.CounterVec
	Score                *prometheus.HistogramVec
	Duration             prometheus.Histogram
}

// NewMetrics registers and returns classifier metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_classifications_total",
			Help: "Total classifications by category, severity and action.",
		}, []string{"category", "severity", "action"}),
		InvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aria_classifications_invalid_total",
			Help: "Total reports rejected by the classifier as invalid input.",
		}),
		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_rule_matches_total",
			Help: "Total rule matches by rule id.",
		}, []string{"rule"}),
		Score: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aria_classification_score",
			Help:    "Risk score per classification.",
			Buckets: prometheus.LinearBuckets(10, 10, 10), // 10 .. 100
		}, []string{"category"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aria_classification_duration_seconds",
			Help:    "Duration of rule evaluation in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us .. ~160ms
		}),
	}

	reg.MustRegister(
		m.ClassificationsTotal,
		m.InvalidTotal,
		m.RuleMatchesTotal,
		m.Score,
		m.Duration,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnClassify: func(e *Event) {
			m.ClassificationsTotal.WithLabelValues(string(e.Category), string(e.Severity), string(e.Action)).Inc()
			m.Score.WithLabelValues(string(e.Category)).Observe(float64(e.Score))
			m.Duration.Observe(e.Duration)
			for _, id := range e.Rules {
				m.RuleMatchesTotal.WithLabelValues(id).Inc()
			}
		},
		OnInvalid: func() {
			m.InvalidTotal.Inc()
		},
	}
}
