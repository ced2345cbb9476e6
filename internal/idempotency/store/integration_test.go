//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"payguard/pkg/testutil/containers"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	suite.Run(t, &StoreContractSuite{newStore: func() recordStore {
		if err := pg.TruncateTables(context.Background(), "idempotency_records"); err != nil {
			t.Fatalf("truncate idempotency_records: %v", err)
		}
		return NewPostgres(pg.DB)
	}})
}

func TestRedisContainerStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	suite.Run(t, &StoreContractSuite{newStore: func() recordStore {
		if err := rc.FlushAll(context.Background()); err != nil {
			t.Fatalf("flush redis: %v", err)
		}
		return NewRedis(rc.Client)
	}})
}
