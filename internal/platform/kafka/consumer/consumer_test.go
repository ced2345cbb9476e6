package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedDeadLetter struct {
	msg      *Message
	attempts int
	cause    error
}

type deadLetterRecorder struct {
	got []recordedDeadLetter
	err error
}

func (r *deadLetterRecorder) DeadLetter(_ context.Context, msg *Message, attempts int, cause error) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, recordedDeadLetter{msg: msg, attempts: attempts, cause: cause})
	return nil
}

func failingHandler(failures int, calls *int) Handler {
	return HandlerFunc(func(context.Context, *Message) error {
		*calls++
		if *calls <= failures {
			return errors.New("downstream unavailable")
		}
		return nil
	})
}

func TestHandleWithRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	msg := &Message{Topic: "payguard.payment", Partition: 2, Offset: 41, Value: []byte(`{}`)}
	fast := WithRetryDelay(time.Millisecond, 2*time.Millisecond)

	t.Run("transient failure recovers within the bound", func(t *testing.T) {
		calls := 0
		dl := &deadLetterRecorder{}
		c := newConsumer(failingHandler(2, &calls), WithLogger(logger), fast, WithDeadLetter(dl))

		require.NoError(t, c.handleWithRetry(context.Background(), msg))
		assert.Equal(t, 3, calls)
		assert.Empty(t, dl.got)
	})

	t.Run("exhausted message is dead-lettered after the default bound", func(t *testing.T) {
		calls := 0
		dl := &deadLetterRecorder{}
		c := newConsumer(failingHandler(100, &calls), WithLogger(logger), fast, WithDeadLetter(dl))

		require.NoError(t, c.handleWithRetry(context.Background(), msg), "a stored dead letter lets the offset advance")
		assert.Equal(t, DefaultMaxAttempts, calls)
		require.Len(t, dl.got, 1)
		assert.Same(t, msg, dl.got[0].msg)
		assert.Equal(t, DefaultMaxAttempts, dl.got[0].attempts)
		assert.EqualError(t, dl.got[0].cause, "downstream unavailable")
	})

	t.Run("max attempts is configurable", func(t *testing.T) {
		calls := 0
		dl := &deadLetterRecorder{}
		c := newConsumer(failingHandler(100, &calls), WithLogger(logger), fast, WithDeadLetter(dl), WithMaxAttempts(1))

		require.NoError(t, c.handleWithRetry(context.Background(), msg))
		assert.Equal(t, 1, calls)
		require.Len(t, dl.got, 1)
		assert.Equal(t, 1, dl.got[0].attempts)
	})

	t.Run("without a sink the message is not committed", func(t *testing.T) {
		calls := 0
		c := newConsumer(failingHandler(100, &calls), WithLogger(logger), fast)

		err := c.handleWithRetry(context.Background(), msg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "downstream unavailable")
		assert.Equal(t, DefaultMaxAttempts, calls)
	})

	t.Run("failed dead-letter write is an error", func(t *testing.T) {
		calls := 0
		sinkErr := errors.New("db down")
		c := newConsumer(failingHandler(100, &calls), WithLogger(logger), fast, WithDeadLetter(&deadLetterRecorder{err: sinkErr}))

		assert.ErrorIs(t, c.handleWithRetry(context.Background(), msg), sinkErr)
	})

	t.Run("cancellation stops retrying without dead-lettering", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		dl := &deadLetterRecorder{}
		handler := HandlerFunc(func(context.Context, *Message) error {
			cancel()
			return errors.New("shutting down")
		})
		c := newConsumer(handler, WithLogger(logger), WithRetryDelay(time.Hour, time.Hour), WithDeadLetter(dl))

		assert.ErrorIs(t, c.handleWithRetry(ctx, msg), context.Canceled)
		assert.Empty(t, dl.got)
	})
}
