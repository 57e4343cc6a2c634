package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payhub/internal/token"
)

func newRedisNonceStore(t *testing.T) *token.RedisNonceStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return token.NewRedisNonceStore(client)
}

func TestRedisNonceStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should report zero for an unseen owner", func(t *testing.T) {
		s := newRedisNonceStore(t)

		got, err := s.Current(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got)
	})

	t.Run("should advance per owner", func(t *testing.T) {
		s := newRedisNonceStore(t)

		require.NoError(t, s.Advance(ctx, alice))
		require.NoError(t, s.Advance(ctx, alice))
		require.NoError(t, s.Advance(ctx, bob))

		got, err := s.Current(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got)

		got, err = s.Current(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got)
	})

	t.Run("should invalidate a permit signed before the advance", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { client.Close() })

		b := token.NewBank(custody, token.NewRedisNonceStore(client))
		b.Mint(usdx, alice, 1000)
		b.RegisterKey(alice, []byte("alice-key"))

		p := token.Permit{
			Owner:    alice,
			Spender:  custody,
			Token:    usdx,
			Value:    500,
			Deadline: time.Now().Add(time.Hour),
		}
		sig, err := b.SignPermit(ctx, p)
		require.NoError(t, err)
		p.Signature = sig

		require.NoError(t, b.ConsumeAuthorization(ctx, p))
		assert.Error(t, b.ConsumeAuthorization(ctx, p))
	})

	t.Run("should surface a lost backend", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { client.Close() })
		s := token.NewRedisNonceStore(client)

		srv.Close()

		_, err := s.Current(ctx, alice)
		assert.Error(t, err)
		assert.Error(t, s.Advance(ctx, alice))
	})
}
