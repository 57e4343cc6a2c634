package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// NonceStore tracks the current permit nonce per owner. Advance is called
// exactly once per consumed permit; a signature over an advanced nonce can
// never verify again.
type NonceStore interface {
	Current(ctx context.Context, owner Address) (uint64, error)
	Advance(ctx context.Context, owner Address) error
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[Address]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[Address]uint64)}
}

func (s *MemoryNonceStore) Current(ctx context.Context, owner Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[owner], nil
}

func (s *MemoryNonceStore) Advance(ctx context.Context, owner Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[owner]++
	return nil
}

// RedisNonceStore shares nonce state across instances through redis.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "payhub:nonce:"}
}

func (s *RedisNonceStore) Current(ctx context.Context, owner Address) (uint64, error) {
	val, err := s.client.Get(ctx, s.prefix+string(owner)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce: %w", err)
	}
	return val, nil
}

func (s *RedisNonceStore) Advance(ctx context.Context, owner Address) error {
	if err := s.client.Incr(ctx, s.prefix+string(owner)).Err(); err != nil {
		return fmt.Errorf("failed to advance nonce: %w", err)
	}
	return nil
}
