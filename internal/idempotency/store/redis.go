package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"payguard/internal/idempotency/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

const keyPrefix = "idem:"

// RedisStore keeps idempotency records in Redis with native key expiry.
// SET NX gives the same first-writer-wins contract as the Postgres unique key.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

type redisRecord struct {
	RequestHash string    `json:"request_hash"`
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func redisKey(tenantID id.TenantID, key string) string {
	return keyPrefix + tenantID.String() + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, tenantID id.TenantID, key string) (*models.Record, error) {
	raw, err := s.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &models.Record{
		TenantID:    tenantID,
		Key:         key,
		RequestHash: rr.RequestHash,
		StatusCode:  rr.StatusCode,
		Body:        rr.Body,
		ContentType: rr.ContentType,
		CreatedAt:   rr.CreatedAt,
		ExpiresAt:   rr.ExpiresAt,
	}, nil
}

func (s *RedisStore) Insert(ctx context.Context, rec *models.Record) error {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("idempotency record already expired")
	}
	raw, err := json.Marshal(redisRecord{
		RequestHash: rec.RequestHash,
		StatusCode:  rec.StatusCode,
		Body:        rec.Body,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisKey(rec.TenantID, rec.Key), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if !ok {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts keys when their TTL lapses.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
