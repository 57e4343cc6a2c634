package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownOwner          = errors.New("no signing key registered for owner")
	ErrBadSignature          = errors.New("permit signature verification failed")
	ErrExpiredPermit         = errors.New("permit deadline has passed")
)

// Bank is an in-memory multi-account token store used as the reference
// transfer/authorization collaborator. It keeps per-token balances,
// ERC20-style allowances, and per-owner HMAC signing keys for permits.
// The bank is bound to a custody address: TransferFrom spends the
// allowance granted to custody, Transfer moves out of custody.
type Bank struct {
	mu         sync.Mutex
	custody    Address
	balances   map[Address]map[Address]uint64            // token -> account -> amount
	allowances map[Address]map[Address]map[Address]uint64 // token -> owner -> spender -> amount
	keys       map[Address][]byte
	nonces     NonceStore
}

// NewBank creates a bank bound to the given custody address.
func NewBank(custody Address, nonces NonceStore) *Bank {
	return &Bank{
		custody:    custody,
		balances:   make(map[Address]map[Address]uint64),
		allowances: make(map[Address]map[Address]map[Address]uint64),
		keys:       make(map[Address][]byte),
		nonces:     nonces,
	}
}

// Mint credits freshly issued tokens to an account.
func (b *Bank) Mint(tok, to Address, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addBalance(tok, to, amount)
}

// BalanceOf returns the account's balance for a token.
func (b *Bank) BalanceOf(tok, account Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[tok][account]
}

// Approve sets the allowance an owner grants to a spender.
func (b *Bank) Approve(tok, owner, spender Address, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAllowance(tok, owner, spender, amount)
}

// Allowance returns the remaining allowance from owner to spender.
func (b *Bank) Allowance(tok, owner, spender Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowances[tok][owner][spender]
}

// RegisterKey installs the HMAC signing key for an owner's permits.
func (b *Bank) RegisterKey(owner Address, key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[owner] = key
}

// SignPermit produces the signature for a permit over the owner's current
// nonce. Used by clients (and tests) that hold the owner's key.
func (b *Bank) SignPermit(ctx context.Context, p Permit) ([]byte, error) {
	b.mu.Lock()
	key, ok := b.keys[p.Owner]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownOwner
	}
	nonce, err := b.nonces.Current(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	return permitMAC(key, p, nonce), nil
}

// ConsumeAuthorization verifies the permit against the owner's current
// nonce, advances the nonce, and grants the allowance. A consumed permit
// can never verify again because the nonce it was signed over is gone.
func (b *Bank) ConsumeAuthorization(ctx context.Context, p Permit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.keys[p.Owner]
	if !ok {
		return ErrUnknownOwner
	}
	if p.Deadline.Before(time.Now()) {
		return ErrExpiredPermit
	}

	nonce, err := b.nonces.Current(ctx, p.Owner)
	if err != nil {
		return err
	}
	if !hmac.Equal(p.Signature, permitMAC(key, p, nonce)) {
		return ErrBadSignature
	}
	if err := b.nonces.Advance(ctx, p.Owner); err != nil {
		return err
	}

	b.setAllowance(p.Token, p.Owner, p.Spender, p.Value)
	return nil
}

// TransferFrom moves tokens from an arbitrary account, spending the
// allowance that account granted to the bank's custody address.
func (b *Bank) TransferFrom(ctx context.Context, tok, from, to Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := b.allowances[tok][from][b.custody]
	if allowed < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientAllowance, allowed, amount)
	}
	if b.balances[tok][from] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, b.balances[tok][from], amount)
	}

	b.setAllowance(tok, from, b.custody, allowed-amount)
	b.balances[tok][from] -= amount
	b.addBalance(tok, to, amount)
	return nil
}

// Transfer moves tokens out of the custody account.
func (b *Bank) Transfer(ctx context.Context, tok, to Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.balances[tok][b.custody] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, b.balances[tok][b.custody], amount)
	}
	b.balances[tok][b.custody] -= amount
	b.addBalance(tok, to, amount)
	return nil
}

func (b *Bank) addBalance(tok, account Address, amount uint64) {
	if b.balances[tok] == nil {
		b.balances[tok] = make(map[Address]uint64)
	}
	b.balances[tok][account] += amount
}

func (b *Bank) setAllowance(tok, owner, spender Address, amount uint64) {
	if b.allowances[tok] == nil {
		b.allowances[tok] = make(map[Address]map[Address]uint64)
	}
	if b.allowances[tok][owner] == nil {
		b.allowances[tok][owner] = make(map[Address]uint64)
	}
	b.allowances[tok][owner][spender] = amount
}

func permitMAC(key []byte, p Permit, nonce uint64) []byte {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%d|%d", p.Owner, p.Spender, p.Token, p.Value, nonce, p.Deadline.Unix())
	return mac.Sum(nil)
}
