package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for request-level idempotency.
type Metrics struct {
	Replays       prometheus.Counter
	Conflicts     prometheus.Counter
	Stored        prometheus.Counter
	StoreFailures prometheus.Counter
	Purged        prometheus.Counter
}

// New registers the idempotency metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_idempotency_replays_total",
			Help: "Requests answered from a cached idempotent response",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_idempotency_conflicts_total",
			Help: "Idempotency keys reused with a different request body",
		}),
		Stored: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_idempotency_stored_total",
			Help: "Terminal responses cached under an idempotency key",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_idempotency_store_failures_total",
			Help: "Responses that could not be cached",
		}),
		Purged: factory.NewCounter(prometheus.CounterOpts{
			Name: "payguard_idempotency_purged_total",
			Help: "Expired idempotency records removed by the purge worker",
		}),
	}
}

func (m *Metrics) IncReplay()       { m.Replays.Inc() }
func (m *Metrics) IncConflict()     { m.Conflicts.Inc() }
func (m *Metrics) IncStored()       { m.Stored.Inc() }
func (m *Metrics) IncStoreFailure() { m.StoreFailures.Inc() }

func (m *Metrics) AddPurged(n int) {
	m.Purged.Add(float64(n))
}
