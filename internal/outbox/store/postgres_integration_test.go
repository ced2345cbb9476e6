//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"payguard/pkg/testutil/containers"
)

func TestPostgresOutboxStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	suite.Run(t, &OutboxStoreSuite{newStores: func() (outboxStore, processedStore, failedStore) {
		if err := pg.TruncateTables(context.Background(), "outbox", "processed_events", "failed_events"); err != nil {
			t.Fatalf("truncate outbox: %v", err)
		}
		return NewPostgres(pg.DB), NewPostgresProcessed(pg.DB), NewPostgresFailed(pg.DB)
	}})
}
