package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payguard/internal/platform/config"
)

func TestNew(t *testing.T) {
	t.Run("empty url means not configured", func(t *testing.T) {
		c, err := New(context.Background(), config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("connects and reports health", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := New(context.Background(), config.RedisConfig{
			URL:          "redis://" + mr.Addr(),
			PoolSize:     2,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		require.NoError(t, err)
		defer c.Close()
		assert.NoError(t, c.Health(context.Background()))
	})

	t.Run("zero pool settings keep client defaults", func(t *testing.T) {
		opts, err := options(config.RedisConfig{URL: "redis://localhost:6379/2"})
		require.NoError(t, err)
		assert.Equal(t, 2, opts.DB)
		assert.Zero(t, opts.PoolSize)

		opts, err = options(config.RedisConfig{URL: "redis://localhost:6379", PoolSize: 7})
		require.NoError(t, err)
		assert.Equal(t, 7, opts.PoolSize)
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		_, err := New(context.Background(), config.RedisConfig{URL: "::not-a-url"})
		assert.Error(t, err)
	})
}
