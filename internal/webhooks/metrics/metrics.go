package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for webhook ingestion and the retry drain.
type Metrics struct {
	Received          *prometheus.CounterVec
	Duplicates        prometheus.Counter
	SignatureFailures *prometheus.CounterVec
	Attempts          *prometheus.CounterVec
	DeadLettered      *prometheus.CounterVec
	Replays           prometheus.Counter
	DrainClaimed      prometheus.Counter
	HandlerDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_webhooks_received_total",
			Help: "Verified webhooks stored for processing by event type",
		}, []string{"event_type"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_webhooks_duplicates_total",
			Help: "Redelivered webhooks acknowledged without processing",
		}),
		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_webhooks_signature_failures_total",
			Help: "Webhooks rejected before storage by reason",
		}, []string{"reason"}),
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_webhook_attempts_total",
			Help: "Handler invocations by outcome and error class",
		}, []string{"outcome", "class"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_webhooks_dead_lettered_total",
			Help: "Webhooks that stopped retrying by error class",
		}, []string{"class"}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_webhooks_replayed_total",
			Help: "Operator-initiated webhook replays",
		}),
		DrainClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_webhooks_drain_claimed_total",
			Help: "Rows claimed by the retry drain",
		}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payguard_webhook_handler_duration_seconds",
			Help:    "Handler latency by event type",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
}

func (m *Metrics) IncReceived(eventType string) {
	m.Received.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDuplicate() {
	m.Duplicates.Inc()
}

func (m *Metrics) IncSignatureFailure(reason string) {
	m.SignatureFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAttempt(outcome, class string) {
	m.Attempts.WithLabelValues(outcome, class).Inc()
}

func (m *Metrics) IncDeadLettered(class string) {
	m.DeadLettered.WithLabelValues(class).Inc()
}

func (m *Metrics) IncReplay() {
	m.Replays.Inc()
}

func (m *Metrics) AddDrainClaimed(n int) {
	m.DrainClaimed.Add(float64(n))
}

func (m *Metrics) ObserveHandler(eventType string, seconds float64) {
	m.HandlerDuration.WithLabelValues(eventType).Observe(seconds)
}
