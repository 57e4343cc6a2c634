package balance

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/terminal-bench/payhub/internal/token"
)

// ErrOverflow is returned when a credit would wrap the stored balance.
var ErrOverflow = errors.New("balance overflow")

// Store is the claimable-balance ledger keyed by (seller, token).
// Entries are created implicitly at zero, increased by Credit, and reset
// only through ReadAndClear. Implementations guard their own state.
type Store interface {
	// Get returns the current balance with no side effects.
	Get(ctx context.Context, seller, tok token.Address) (uint64, error)
	// Credit increases the balance, failing with ErrOverflow rather than
	// wrapping.
	Credit(ctx context.Context, seller, tok token.Address, amount uint64) error
	// ReadAndClear returns the current balance and resets it to zero in
	// the same atomic step.
	ReadAndClear(ctx context.Context, seller, tok token.Address) (uint64, error)
}

type key struct {
	seller token.Address
	token  token.Address
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[key]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[key]uint64)}
}

func (s *MemoryStore) Get(ctx context.Context, seller, tok token.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[key{seller, tok}], nil
}

func (s *MemoryStore) Credit(ctx context.Context, seller, tok token.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{seller, tok}
	current := s.balances[k]
	if current > math.MaxUint64-amount {
		return ErrOverflow
	}
	s.balances[k] = current + amount
	return nil
}

func (s *MemoryStore) ReadAndClear(ctx context.Context, seller, tok token.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{seller, tok}
	current := s.balances[k]
	s.balances[k] = 0
	return current, nil
}
