//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"payguard/internal/outbox/models"
	"payguard/internal/platform/kafka"
	"payguard/internal/platform/kafka/producer"
	"payguard/pkg/testutil/containers"
)

func TestKafkaPublishAgainstBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rp := containers.GetManager().GetRedpanda(t)
	topic := kafka.TopicName("payguard-it", "payment")
	require.NoError(t, kafka.EnsureTopics(ctx, rp.Brokers, 1, 1, topic))

	prod, err := producer.New(rp.Brokers)
	require.NoError(t, err)
	defer prod.Close()

	ev, err := models.NewEvent("tenant-a", "payment.charge.succeeded", "payment", "order-7",
		models.Source{Module: "payments", Version: "v1"}, models.Meta{}, map[string]int{"amount": 500}, time.Now())
	require.NoError(t, err)
	require.NoError(t, NewKafka(prod, "payguard-it").Publish(ctx, ev))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer client.Close()

	var got *kgo.Record
	for got == nil {
		fetches := client.PollFetches(ctx)
		require.Empty(t, fetches.Errors())
		fetches.EachRecord(func(r *kgo.Record) {
			if got == nil {
				got = r
			}
		})
	}

	assert.Equal(t, "order-7", string(got.Key))
	headers := make(map[string]string, len(got.Headers))
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, ev.EventID.String(), headers["event_id"])
	assert.Equal(t, "payment.charge.succeeded", headers["event_type"])

	env, err := models.DecodeEnvelope(got.Value)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, env.EventID)
}
