package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("dispatches by topic", func(t *testing.T) {
		var got string
		r := NewRouter(logger, nil)
		r.Register("payguard.payment", HandlerFunc(func(_ context.Context, msg *Message) error {
			got = string(msg.Key)
			return nil
		}))

		err := r.Handle(context.Background(), &Message{Topic: "payguard.payment", Key: []byte("op-1")})
		assert.NoError(t, err)
		assert.Equal(t, "op-1", got)
		assert.Equal(t, []string{"payguard.payment"}, r.Topics())
	})

	t.Run("unknown topic without fallback is skipped", func(t *testing.T) {
		r := NewRouter(logger, nil)
		assert.NoError(t, r.Handle(context.Background(), &Message{Topic: "other"}))
	})

	t.Run("unknown topic uses fallback", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewRouter(logger, HandlerFunc(func(context.Context, *Message) error { return boom }))
		assert.ErrorIs(t, r.Handle(context.Background(), &Message{Topic: "other"}), boom)
	})
}
