package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "payguard/pkg/domain-errors"
)

func TestNewPendingOperation(t *testing.T) {
	now := time.Now()

	t.Run("valid intent starts pending", func(t *testing.T) {
		op, err := NewPendingOperation("tenant-a", "ref-1", Intent{Kind: KindCharge, Amount: 500, Currency: "usd"}, now)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, int64(500), op.Amount)
		assert.Equal(t, now, op.CreatedAt)
	})

	t.Run("rejects broken invariants", func(t *testing.T) {
		_, err := NewPendingOperation("", "ref-1", Intent{Kind: KindCharge}, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		_, err = NewPendingOperation("tenant-a", "ref-1", Intent{Kind: "wire"}, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		_, err = NewPendingOperation("tenant-a", "ref-1", Intent{Kind: KindRefund, Amount: -1}, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	newOp := func() *Operation {
		op, err := NewPendingOperation("tenant-a", "ref-1", Intent{Kind: KindCharge, Amount: 1}, now)
		require.NoError(t, err)
		return op
	}

	t.Run("pending can succeed once", func(t *testing.T) {
		op := newOp()
		require.NoError(t, op.Succeed("pi_123", now))
		assert.Equal(t, "pi_123", op.ProcessorID)
		assert.Error(t, op.Succeed("pi_456", now))
		assert.Error(t, op.Fail("card_declined", "declined", now))
	})

	t.Run("failed is terminal", func(t *testing.T) {
		op := newOp()
		require.NoError(t, op.Fail("card_declined", "Your card was declined.", now))
		assert.True(t, op.IsFailed())
		assert.Error(t, op.Succeed("pi_123", now))
	})
}
