package engine

import (
	"errors"
	"fmt"

	"github.com/terminal-bench/payhub/internal/balance"
)

// Every failure mode the engine can report. Each aborts the whole
// operation with no partial mutation; callers branch with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAuthorizationMismatch groups the permit shape failures so
	// callers can match the family or the exact cause.
	ErrAuthorizationMismatch = errors.New("authorization mismatch")
	ErrPermitOwnerMismatch   = fmt.Errorf("%w: owner is not the paying principal", ErrAuthorizationMismatch)
	ErrPermitSpenderMismatch = fmt.Errorf("%w: spender is not this engine", ErrAuthorizationMismatch)
	ErrPermitTokenMismatch   = fmt.Errorf("%w: permit token is not the payment token", ErrAuthorizationMismatch)
	ErrPermitValueTooLow     = fmt.Errorf("%w: authorized value below payment amount", ErrAuthorizationMismatch)
	ErrPermitExpired         = fmt.Errorf("%w: permit deadline has passed", ErrAuthorizationMismatch)

	ErrAuthorizationRejected = errors.New("authorization rejected by token collaborator")
	ErrTransferFailed        = errors.New("transfer failed")
	ErrNothingToClaim        = errors.New("nothing to claim")
	ErrUnauthorized          = errors.New("caller is not the administrative principal")
	ErrFeeTooHigh            = errors.New("commission rate above cap")
	ErrOverflow              = balance.ErrOverflow
)
