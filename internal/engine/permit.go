package engine

import (
	"github.com/terminal-bench/payhub/internal/token"
)

// checkPermit validates the permit's shape before any funds move: the
// owner must be the paying principal, the spender must be this engine,
// the permit must be signed over the payment token, the authorized value
// must cover the payment, and the deadline must not have passed.
// Signature and nonce validity stay with the collaborator.
func (e *Engine) checkPermit(buyer token.Address, p token.Permit, tok token.Address, amount uint64) error {
	if p.Owner != buyer {
		return ErrPermitOwnerMismatch
	}
	if p.Spender != e.self {
		return ErrPermitSpenderMismatch
	}
	if p.Token != tok {
		return ErrPermitTokenMismatch
	}
	if p.Value < amount {
		return ErrPermitValueTooLow
	}
	if p.Deadline.Before(e.now()) {
		return ErrPermitExpired
	}
	return nil
}
