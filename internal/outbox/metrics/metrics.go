package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the outbox publisher and idempotent consumers.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	Backlog         prometheus.Gauge
	Consumed        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_outbox_published_total",
			Help: "Outbox events delivered to the transport and marked published",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_outbox_publish_failures_total",
			Help: "Transport errors that stopped a publish batch",
		}),
		Backlog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "payguard_outbox_unpublished",
			Help: "Outbox rows waiting to be published",
		}),
		Consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_consumer_events_total",
			Help: "Events seen by idempotent consumers by outcome (applied, duplicate, failed, malformed, dead_lettered)",
		}, []string{"processor", "outcome"}),
	}
}

func (m *Metrics) AddPublished(n int) {
	m.Published.Add(float64(n))
}

func (m *Metrics) IncPublishFailure() {
	m.PublishFailures.Inc()
}

func (m *Metrics) SetBacklog(n int) {
	m.Backlog.Set(float64(n))
}

func (m *Metrics) IncConsumed(processor, outcome string) {
	m.Consumed.WithLabelValues(processor, outcome).Inc()
}
