package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the payment operation guard and processor calls.
type Metrics struct {
	Completed        *prometheus.CounterVec
	Replays          *prometheus.CounterVec
	InsertRaces      prometheus.Counter
	ProcessorLatency *prometheus.HistogramVec
	AmbiguousResults *prometheus.CounterVec
	Reconciled       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_operations_completed_total",
			Help: "Operations moved out of pending by kind and terminal status",
		}, []string{"kind", "status"}),
		Replays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_operations_replayed_total",
			Help: "Requests answered from an existing operation without calling the processor",
		}, []string{"kind", "status"}),
		InsertRaces: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_operations_insert_races_total",
			Help: "Concurrent first requests that lost the reference id insert",
		}),
		ProcessorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payguard_processor_call_duration_seconds",
			Help:    "Processor call latency by kind and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		AmbiguousResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_processor_ambiguous_total",
			Help: "Processor calls whose remote outcome is unknown",
		}, []string{"kind"}),
		Reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_operations_reconciled_total",
			Help: "Pending operations completed from processor webhooks",
		}, []string{"kind", "status"}),
	}
}

func (m *Metrics) IncCompleted(kind, status string) {
	m.Completed.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncReplay(kind, status string) {
	m.Replays.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncInsertRace() {
	m.InsertRaces.Inc()
}

func (m *Metrics) ObserveProcessorCall(kind, outcome string, elapsed time.Duration) {
	m.ProcessorLatency.WithLabelValues(kind, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) IncAmbiguous(kind string) {
	m.AmbiguousResults.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncReconciled(kind, status string) {
	m.Reconciled.WithLabelValues(kind, status).Inc()
}
