package uring

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts ring activity per source.
type Metrics struct {
	submissions   *prometheus.CounterVec
	completions   *prometheus.CounterVec
	pendingWrites prometheus.Gauge
	failures      prometheus.Counter
}

// NewMetrics creates the ring collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwm_ring_submissions_total",
				Help: "Total number of submitted ring operations",
			},
			[]string{"source"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwm_ring_completions_total",
				Help: "Total number of processed ring completions",
			},
			[]string{"source"},
		),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwm_ring_pending_writes",
			Help: "Writes submitted and not yet completed",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwm_ring_failures_total",
			Help: "Fatal ring errors",
		}),
	}

	for _, c := range []prometheus.Collector{m.submissions, m.completions, m.pendingWrites, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
