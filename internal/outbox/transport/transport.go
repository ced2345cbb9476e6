// Package transport delivers outbox events to a broker.
package transport

import (
	"context"
	"log/slog"
	"sync"

	"payguard/internal/outbox/models"
	"payguard/internal/platform/kafka"
)

// Publisher is the minimal producer surface KafkaTransport needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Kafka publishes each event to "<prefix>.<aggregate_type>" keyed by
// aggregate id, so events for one aggregate stay ordered within a partition.
type Kafka struct {
	producer    Publisher
	topicPrefix string
}

func NewKafka(producer Publisher, topicPrefix string) *Kafka {
	return &Kafka{producer: producer, topicPrefix: topicPrefix}
}

func (k *Kafka) Publish(ctx context.Context, event *models.Event) error {
	return k.producer.Publish(ctx,
		kafka.TopicName(k.topicPrefix, event.AggregateType),
		[]byte(event.AggregateID),
		event.Payload,
		map[string]string{
			"event_id":   event.EventID.String(),
			"event_type": event.EventType,
			"tenant_id":  event.TenantID.String(),
		},
	)
}

// Memory keeps published events in process. Used in tests and when no
// broker is configured; Fail injects publish errors.
type Memory struct {
	mu        sync.Mutex
	published []*models.Event
	logger    *slog.Logger
	Fail      func(event *models.Event) error
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{logger: logger}
}

func (m *Memory) Publish(ctx context.Context, event *models.Event) error {
	if m.Fail != nil {
		if err := m.Fail(event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.published = append(m.published, &cp)
	m.logger.DebugContext(ctx, "outbox event published",
		"event_id", event.EventID.String(),
		"event_type", event.EventType,
		"tenant_id", event.TenantID.String(),
	)
	return nil
}

// Published returns a snapshot of everything delivered so far.
func (m *Memory) Published() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Event(nil), m.published...)
}
