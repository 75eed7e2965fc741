package triage

import "github.com/prometheus/client_golang/prometheus"

// CompleteEvent is passed to Hooks.OnComplete when processing finishes.
type CompleteEvent struct {
	Status   Status
	Category string
	Severity string
	Action   string
	Duration float64 // seconds
}

// Hooks are optional callbacks invoked by the Service. Nil funcs are skipped.
type Hooks struct {
	OnSubmit   func(result string)
	OnComplete func(e *CompleteEvent)
	OnNotify   func(err error)
	OnFeedback func(fb *Feedback)
	OnBusy     func(delta int)
}

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	IncidentsTotal     *prometheus.CounterVec
	ProcessDuration    *prometheus.HistogramVec
	NotificationsTotal *prometheus.CounterVec
	FeedbackTotal      *prometheus.CounterVec
	FeedbackRating     prometheus.Histogram
	WorkersBusy        prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_submits_total",
			Help: "Total incident submissions by result.",
		}, []string{"result"}),
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_incidents_processed_total",
			Help: "Total processed incidents by final status, severity and action.",
		}, []string{"status", "severity", "action"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aria_processing_duration_seconds",
			Help:    "Duration of incident processing (enrichment and classification) in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}, []string{"status"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_notifications_total",
			Help: "Total escalation notifications by status.",
		}, []string{"status"}),
		FeedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aria_feedback_total",
			Help: "Total analyst feedback submissions by helpfulness.",
		}, []string{"helpful"}),
		FeedbackRating: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aria_feedback_rating",
			Help:    "Analyst ratings of assessments.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aria_workers_busy",
			Help: "Number of workers currently processing incidents.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.IncidentsTotal,
		m.ProcessDuration,
		m.NotificationsTotal,
		m.FeedbackTotal,
		m.FeedbackRating,
		m.WorkersBusy,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.IncidentsTotal.WithLabelValues(string(e.Status), e.Severity, e.Action).Inc()
			m.ProcessDuration.WithLabelValues(string(e.Status)).Observe(e.Duration)
		},
		OnNotify: func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.NotificationsTotal.WithLabelValues(status).Inc()
		},
		OnFeedback: func(fb *Feedback) {
			helpful := "unset"
			if fb.Helpful != nil {
				if *fb.Helpful {
					helpful = "true"
				} else {
					helpful = "false"
				}
			}
			m.FeedbackTotal.WithLabelValues(helpful).Inc()
			if fb.Rating > 0 {
				m.FeedbackRating.Observe(float64(fb.Rating))
			}
		},
		OnBusy: func(delta int) {
			m.WorkersBusy.Add(float64(delta))
		},
	}
}
