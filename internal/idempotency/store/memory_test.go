package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payguard/internal/idempotency/models"
)

func TestInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemory()

	old := &models.Record{TenantID: "tenant-a", Key: "k", RequestHash: "old", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	live := &models.Record{TenantID: "tenant-a", Key: "live", RequestHash: "live", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Insert(ctx, old))
	require.NoError(t, s.Insert(ctx, live))

	t.Run("expired record can be replaced before purge", func(t *testing.T) {
		fresh := &models.Record{TenantID: "tenant-a", Key: "k", RequestHash: "new", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.Insert(ctx, fresh))
		got, err := s.Get(ctx, "tenant-a", "k")
		require.NoError(t, err)
		assert.Equal(t, "new", got.RequestHash)
	})

	t.Run("purge deletes only expired records", func(t *testing.T) {
		deleted, err := s.DeleteExpired(ctx, now.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})
}
