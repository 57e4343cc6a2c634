package policy

import (
	"sync"

	"github.com/terminal-bench/payhub/internal/token"
)

// Commission rate bounds, in basis points.
const (
	DefaultCommissionBps uint64 = 500
	MaxCommissionBps     uint64 = 1000
)

// Store holds the mutable payment policy: the commission rate, the
// company payout address, and the administrative principal allowed to
// change them. Validation of new values lives in the engine; the store
// only guards access.
type Store struct {
	mu      sync.RWMutex
	admin   token.Address
	payout  token.Address
	rateBps uint64
}

// New creates a policy store with the default commission rate.
func New(admin, payout token.Address) *Store {
	return &Store{
		admin:   admin,
		payout:  payout,
		rateBps: DefaultCommissionBps,
	}
}

// IsAdmin reports whether the caller is the administrative principal.
func (s *Store) IsAdmin(caller token.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return caller == s.admin
}

func (s *Store) CommissionRate() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateBps
}

func (s *Store) PayoutAddress() token.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payout
}

// SetCommissionRate replaces the rate and returns the previous one.
func (s *Store) SetCommissionRate(rateBps uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.rateBps
	s.rateBps = rateBps
	return old
}

// SetPayoutAddress replaces the payout address and returns the previous one.
func (s *Store) SetPayoutAddress(payout token.Address) token.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.payout
	s.payout = payout
	return old
}
