package custody

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes reconciliation counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	transitions    *prometheus.CounterVec
	anchorDuration prometheus.Histogram
	backlog        prometheus.Gauge
	anomalies      prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "transitions_total",
			Help:      "Transition attempts by type and outcome.",
		}, []string{"transition", "outcome"}),
		anchorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "anchor_duration_seconds",
			Help:      "Time from anchor submission to confirmation or failure.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aegis",
			Name:      "unconsumed_events",
			Help:      "Unconsumed tracking events seen by the last cycle.",
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "anomalies_detected_total",
			Help:      "Transit-time anomalies detected.",
		}),
	}

	for _, c := range []prometheus.Collector{m.cycles, m.cycleDuration, m.transitions, m.anchorDuration, m.backlog, m.anomalies} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCycle(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) observeTransition(t Transition, outcome Outcome) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(t), string(outcome)).Inc()
}

func (m *Metrics) observeAnchor(d time.Duration) {
	if m == nil {
		return
	}
	m.anchorDuration.Observe(d.Seconds())
}

func (m *Metrics) setBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *Metrics) addAnomalies(n int) {
	if m == nil || n == 0 {
		return
	}
	m.anomalies.Add(float64(n))
}
