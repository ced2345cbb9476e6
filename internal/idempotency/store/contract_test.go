package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"payguard/internal/idempotency/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

// recordStore is the contract every backend honours.
type recordStore interface {
	Get(ctx context.Context, tenantID id.TenantID, key string) (*models.Record, error)
	Insert(ctx context.Context, rec *models.Record) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type StoreContractSuite struct {
	suite.Suite
	newStore func() recordStore
	store    recordStore
	ctx      context.Context
	now      time.Time
}

func (s *StoreContractSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *StoreContractSuite) record(tenant id.TenantID, key, hash string) *models.Record {
	return &models.Record{
		TenantID:    tenant,
		Key:         key,
		RequestHash: hash,
		StatusCode:  201,
		Body:        []byte(`{"status":"succeeded"}`),
		ContentType: "application/json",
		CreatedAt:   s.now,
		ExpiresAt:   s.now.Add(time.Hour),
	}
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func() recordStore { return NewInMemory() }})
}

func TestRedisStoreSuite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	suite.Run(t, &StoreContractSuite{newStore: func() recordStore {
		mr.FlushAll()
		return NewRedis(client)
	}})
}

// =============================================================================
// Insert / Get Tests
// =============================================================================

func (s *StoreContractSuite) TestInsertAndGet() {
	s.Run("round trips a record", func() {
		rec := s.record("tenant-a", "key-1", "hash-1")
		s.Require().NoError(s.store.Insert(s.ctx, rec))

		got, err := s.store.Get(s.ctx, "tenant-a", "key-1")
		s.Require().NoError(err)
		s.Equal("hash-1", got.RequestHash)
		s.Equal(201, got.StatusCode)
		s.Equal(rec.Body, got.Body)
		s.Equal("application/json", got.ContentType)
		s.True(rec.ExpiresAt.Equal(got.ExpiresAt))
	})

	s.Run("missing key returns ErrNotFound", func() {
		_, err := s.store.Get(s.ctx, "tenant-a", "absent")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("keys are tenant scoped", func() {
		s.Require().NoError(s.store.Insert(s.ctx, s.record("tenant-a", "shared", "h")))
		s.Require().NoError(s.store.Insert(s.ctx, s.record("tenant-b", "shared", "h")))

		_, err := s.store.Get(s.ctx, "tenant-c", "shared")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// =============================================================================
// Uniqueness Tests
// =============================================================================

func (s *StoreContractSuite) TestFirstWriterWins() {
	s.Run("second insert is rejected and first record kept", func() {
		s.Require().NoError(s.store.Insert(s.ctx, s.record("tenant-a", "dup", "first")))
		err := s.store.Insert(s.ctx, s.record("tenant-a", "dup", "second"))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)

		got, err := s.store.Get(s.ctx, "tenant-a", "dup")
		s.Require().NoError(err)
		s.Equal("first", got.RequestHash)
	})

	s.Run("concurrent inserts produce exactly one winner", func() {
		const writers = 20
		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.store.Insert(s.ctx, s.record("tenant-a", "race", "h")); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		s.Equal(int32(1), wins.Load())
	})
}
