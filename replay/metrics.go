package replay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports replay measurements.
type Metrics struct {
	latency  *prometheus.HistogramVec
	duration *prometheus.GaugeVec
}

// NewMetrics creates the replay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwm_replay_latency_seconds",
				Help:    "Time from a write being issued to the following read completing",
				Buckets: prometheus.ExponentialBuckets(10e-6, 2, 18),
			},
			[]string{"phase"},
		),
		duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwm_replay_phase_duration_seconds",
				Help: "Wall-clock duration of the last replayed phase",
			},
			[]string{"phase"},
		),
	}

	for _, c := range []prometheus.Collector{m.latency, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) phase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(phase).Set(d.Seconds())
}
