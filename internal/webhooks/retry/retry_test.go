package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCalculateNextAttempt(t *testing.T) {
	want := map[int]time.Duration{
		1: 30 * time.Second,
		2: 2 * time.Minute,
		3: 15 * time.Minute,
		4: time.Hour,
	}
	for attempt, d := range want {
		next := CalculateNextAttempt(now, attempt)
		require.NotNil(t, next, "attempt %d", attempt)
		assert.Equal(t, now.Add(d), *next, "attempt %d", attempt)
	}
	assert.Nil(t, CalculateNextAttempt(now, 5), "fifth failure is dead-lettered")
	assert.Nil(t, CalculateNextAttempt(now, 6))
	assert.Nil(t, CalculateNextAttempt(now, 0))
}

func TestPolicy(t *testing.T) {
	t.Run("non-retryable classes dead-letter on first failure", func(t *testing.T) {
		p := DefaultPolicy()
		for _, c := range []Class{ClassSignatureInvalid, ClassUnknownEventType, ClassValidation} {
			assert.Nil(t, p.Next(now, 1, c), c)
		}
		for _, c := range []Class{ClassDatabase, ClassHandlerNotFound, ClassHandler} {
			assert.NotNil(t, p.Next(now, 1, c), c)
		}
	})

	t.Run("longer policies reach the last step and stay there", func(t *testing.T) {
		p := Policy{MaxAttempts: 8}
		assert.Equal(t, now.Add(4*time.Hour), *p.Next(now, 5, ClassHandler))
		assert.Equal(t, now.Add(4*time.Hour), *p.Next(now, 7, ClassHandler))
		assert.Nil(t, p.Next(now, 8, ClassHandler))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		low := Policy{MaxAttempts: 5, Jitter: DefaultJitter, Rand: func() float64 { return 0 }}
		high := Policy{MaxAttempts: 5, Jitter: DefaultJitter, Rand: func() float64 { return 0.999999 }}
		assert.Equal(t, now.Add(27*time.Second), *low.Next(now, 1, ClassHandler))
		assert.WithinDuration(t, now.Add(33*time.Second), *high.Next(now, 1, ClassHandler), time.Millisecond)

		random := Policy{MaxAttempts: 5, Jitter: DefaultJitter}
		for range 100 {
			next := random.Next(now, 2, ClassHandler)
			assert.WithinDuration(t, now.Add(2*time.Minute), *next, 12*time.Second)
		}
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassUnknownEventType, Classify(NewError(ClassUnknownEventType, errors.New("x"))))
	assert.Equal(t, ClassValidation, Classify(fmt.Errorf("wrapped: %w", NewError(ClassValidation, nil))))
	assert.Equal(t, ClassDatabase, Classify(fmt.Errorf("store: %w", sentinel.ErrUnavailable)))
	assert.Equal(t, ClassDatabase, Classify(dErrors.New(dErrors.CodeDatabase, "down")))
	assert.Equal(t, ClassValidation, Classify(dErrors.New(dErrors.CodeValidation, "bad")))
	assert.Equal(t, ClassHandler, Classify(errors.New("boom")))
}
