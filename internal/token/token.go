package token

import (
	"context"
	"time"
)

// Address identifies an account or a token on the ledger. The empty
// string is the zero address and is never a valid participant.
type Address string

// Zero is the zero address.
const Zero Address = ""

// IsZero reports whether the address is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Permit is a signed, time-bounded permission allowing a spender to move
// up to Value of the owner's tokens. It is consumed at most once: the
// signature covers the owner's current nonce, which advances on use.
type Permit struct {
	Owner     Address   `json:"owner"`
	Spender   Address   `json:"spender"`
	Token     Address   `json:"token"`
	Value     uint64    `json:"value"`
	Deadline  time.Time `json:"deadline"`
	Signature []byte    `json:"signature"`
}

// TransferAgent moves tokens on behalf of the engine. TransferFrom pulls
// from an arbitrary account into another (spending the engine's
// allowance); Transfer pushes out of the engine's own custody account.
// Failures are returned as errors and never silently no-op.
type TransferAgent interface {
	TransferFrom(ctx context.Context, token, from, to Address, amount uint64) error
	Transfer(ctx context.Context, token, to Address, amount uint64) error
}

// PermitConsumer validates a permit's signature against the owner's
// current nonce and, on success, grants the allowance and invalidates the
// nonce for any future reuse.
type PermitConsumer interface {
	ConsumeAuthorization(ctx context.Context, p Permit) error
}
