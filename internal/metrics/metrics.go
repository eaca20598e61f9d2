// Package metrics exposes the Prometheus collectors the subscription
// core reports into (SPEC_FULL.md §4.10). The core itself only calls
// the narrow Recorder interface and never imports Prometheus directly;
// since Recorder and Noop live in this package, importing core/sub
// still links in client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the narrow interface core/sub and core/conn report
// through. A nil Recorder is never passed around; callers use Noop.
type Recorder interface {
	SetPending(subject string, n int)
	IncDelivered(subject string)
	IncSlowConsumer(subject string)
	SetActive(subject string, active bool)
}

// Metrics is the Prometheus-backed Recorder, using collectors
// registered against a caller-supplied registerer.
type Metrics struct {
	pending      *prometheus.GaugeVec
	delivered    *prometheus.CounterVec
	slowConsumer *prometheus.CounterVec
	active       *prometheus.GaugeVec
}

// New registers the collectors against reg and returns a Recorder.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "natscore",
			Subsystem: "subscription",
			Name:      "pending_messages",
			Help:      "Number of messages currently buffered for a subscription.",
		}, []string{"subject"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natscore",
			Subsystem: "subscription",
			Name:      "delivered_total",
			Help:      "Total number of messages delivered to a subscriber.",
		}, []string{"subject"}),
		slowConsumer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natscore",
			Subsystem: "subscription",
			Name:      "slow_consumer_total",
			Help:      "Total number of times a subscription hit its pending-message bound.",
		}, []string{"subject"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "natscore",
			Subsystem: "subscription",
			Name:      "active",
			Help:      "1 if the subscription is open, 0 once closed.",
		}, []string{"subject"}),
	}

	reg.MustRegister(m.pending, m.delivered, m.slowConsumer, m.active)

	return m
}

func (m *Metrics) SetPending(subject string, n int) {
	m.pending.WithLabelValues(subject).Set(float64(n))
}

func (m *Metrics) IncDelivered(subject string) {
	m.delivered.WithLabelValues(subject).Inc()
}

func (m *Metrics) IncSlowConsumer(subject string) {
	m.slowConsumer.WithLabelValues(subject).Inc()
}

func (m *Metrics) SetActive(subject string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.active.WithLabelValues(subject).Set(v)
}

// Noop discards every observation. Used when a caller doesn't want
// metrics wired up.
var Noop Recorder = noopRecorder{}

type noopRecorder struct{}

func (noopRecorder) SetPending(string, int) {}
func (noopRecorder) IncDelivered(string)    {}
func (noopRecorder) IncSlowConsumer(string) {}
func (noopRecorder) SetActive(string, bool) {}
