package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/terminal-bench/payhub/internal/balance"
	"github.com/terminal-bench/payhub/internal/policy"
	"github.com/terminal-bench/payhub/internal/token"
	"github.com/terminal-bench/payhub/pkg/messaging"
)

// Publisher emits audit events. The NATS client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config identifies the engine and its initial policy.
type Config struct {
	// Self is the engine's own custody identity; permits must name it as
	// spender and the transfer agent holds pulled funds under it.
	Self token.Address
	// Admin is the administrative principal allowed to change policy.
	Admin token.Address
	// Payout is the initial company payout address.
	Payout token.Address
}

// Engine is the payment-splitting ledger. A payment pulls the full amount
// from the buyer, pushes the commission to the company payout address,
// and credits the remainder to the seller's claimable balance. Sellers
// withdraw with Claim.
type Engine struct {
	self      token.Address
	balances  balance.Store
	policy    *policy.Store
	transfers token.TransferAgent
	permits   token.PermitConsumer
	events    Publisher
	now       func() time.Time
}

// PaymentRequest carries the inputs of a single payment.
type PaymentRequest struct {
	Seller    token.Address
	Token     token.Address
	Amount    uint64
	ServiceID uint64
	InvoiceID uint64
	// Permit optionally authorizes the pull in the same call. Without it
	// the buyer must have a standing allowance with the transfer agent.
	Permit *token.Permit
}

// Receipt reports a completed payment back to the caller. The same data
// goes out on the Paid event.
type Receipt struct {
	Buyer        token.Address
	Seller       token.Address
	Token        token.Address
	Amount       uint64
	ServiceID    uint64
	InvoiceID    uint64
	SellerShare  uint64
	CompanyShare uint64
}

// ClaimReceipt reports a completed withdrawal.
type ClaimReceipt struct {
	Seller token.Address
	Token  token.Address
	Amount uint64
}

// New creates an engine with the default commission rate.
func New(cfg Config, balances balance.Store, transfers token.TransferAgent, permits token.PermitConsumer, events Publisher) (*Engine, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("%w: engine custody address is zero", ErrInvalidArgument)
	}
	if cfg.Admin.IsZero() {
		return nil, fmt.Errorf("%w: admin address is zero", ErrInvalidArgument)
	}
	if cfg.Payout.IsZero() {
		return nil, fmt.Errorf("%w: payout address is zero", ErrInvalidArgument)
	}
	return &Engine{
		self:      cfg.Self,
		balances:  balances,
		policy:    policy.New(cfg.Admin, cfg.Payout),
		transfers: transfers,
		permits:   permits,
		events:    events,
		now:       time.Now,
	}, nil
}

// Pay settles a payment from buyer to seller: validates the optional
// permit, pulls the amount into custody, pushes the commission to the
// payout address, credits the rest to the seller's claimable balance and
// emits the Paid event. Any failure aborts the whole payment.
func (e *Engine) Pay(ctx context.Context, buyer token.Address, req PaymentRequest) (*Receipt, error) {
	if buyer.IsZero() {
		return nil, fmt.Errorf("%w: buyer address is zero", ErrInvalidArgument)
	}
	if req.Seller.IsZero() {
		return nil, fmt.Errorf("%w: seller address is zero", ErrInvalidArgument)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount is zero", ErrInvalidArgument)
	}

	if req.Permit != nil {
		if err := e.checkPermit(buyer, *req.Permit, req.Token, req.Amount); err != nil {
			return nil, err
		}
		if err := e.permits.ConsumeAuthorization(ctx, *req.Permit); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthorizationRejected, err)
		}
	}

	// Snapshot policy once; a rate change mid-flight must not split the
	// same payment at two different rates.
	rateBps := e.policy.CommissionRate()
	payout := e.policy.PayoutAddress()
	sellerShare, companyShare := splitShares(req.Amount, rateBps)

	// Refuse before any money moves if the credit cannot fit.
	current, err := e.balances.Get(ctx, req.Seller, req.Token)
	if err != nil {
		return nil, fmt.Errorf("reading seller balance: %w", err)
	}
	if current > math.MaxUint64-sellerShare {
		return nil, ErrOverflow
	}

	if err := e.transfers.TransferFrom(ctx, req.Token, buyer, e.self, req.Amount); err != nil {
		return nil, fmt.Errorf("%w: pulling funds from buyer: %v", ErrTransferFailed, err)
	}

	if companyShare > 0 {
		if err := e.transfers.Transfer(ctx, req.Token, payout, companyShare); err != nil {
			return nil, e.refund(ctx, req.Token, buyer, req.Amount,
				fmt.Errorf("%w: paying company share: %v", ErrTransferFailed, err))
		}
	}

	if err := e.balances.Credit(ctx, req.Seller, req.Token, sellerShare); err != nil {
		// Reachable only when a concurrent credit fills the remaining
		// headroom between the pre-check and here. The company leg has
		// already settled, so the refund covers the seller share only.
		return nil, e.refund(ctx, req.Token, buyer, sellerShare,
			fmt.Errorf("crediting seller: %w", err))
	}

	receipt := &Receipt{
		Buyer:        buyer,
		Seller:       req.Seller,
		Token:        req.Token,
		Amount:       req.Amount,
		ServiceID:    req.ServiceID,
		InvoiceID:    req.InvoiceID,
		SellerShare:  sellerShare,
		CompanyShare: companyShare,
	}

	e.publish(ctx, messaging.SubjectPaid, messaging.PaidEvent{
		Buyer:        string(buyer),
		Seller:       string(req.Seller),
		Token:        string(req.Token),
		Amount:       formatAmount(req.Amount),
		ServiceID:    req.ServiceID,
		InvoiceID:    req.InvoiceID,
		SellerShare:  formatAmount(sellerShare),
		CompanyShare: formatAmount(companyShare),
	})

	return receipt, nil
}

// Claim withdraws the caller's entire claimable balance for a token. The
// balance is zeroed before the payout push, so a re-entrant Claim from
// the transfer agent observes nothing to claim.
func (e *Engine) Claim(ctx context.Context, caller, tok token.Address) (*ClaimReceipt, error) {
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller address is zero", ErrInvalidArgument)
	}

	amount, err := e.balances.ReadAndClear(ctx, caller, tok)
	if err != nil {
		return nil, fmt.Errorf("clearing balance: %w", err)
	}
	if amount == 0 {
		return nil, ErrNothingToClaim
	}

	if err := e.transfers.Transfer(ctx, tok, caller, amount); err != nil {
		if creditErr := e.balances.Credit(ctx, caller, tok, amount); creditErr != nil {
			return nil, fmt.Errorf("%w: paying out claim: %v (restoring balance also failed: %v)",
				ErrTransferFailed, err, creditErr)
		}
		return nil, fmt.Errorf("%w: paying out claim: %v", ErrTransferFailed, err)
	}

	e.publish(ctx, messaging.SubjectClaimed, messaging.ClaimedEvent{
		Seller: string(caller),
		Token:  string(tok),
		Amount: formatAmount(amount),
	})

	return &ClaimReceipt{Seller: caller, Token: tok, Amount: amount}, nil
}

// GetBalance is the read-only balance query for external observers.
func (e *Engine) GetBalance(ctx context.Context, seller, tok token.Address) (uint64, error) {
	return e.balances.Get(ctx, seller, tok)
}

// CommissionRate returns the current commission rate in basis points.
func (e *Engine) CommissionRate() uint64 {
	return e.policy.CommissionRate()
}

// PayoutAddress returns the current company payout address.
func (e *Engine) PayoutAddress() token.Address {
	return e.policy.PayoutAddress()
}

// SetCommissionRate changes the commission rate. Admin only; the rate is
// capped to bound seller exposure. Applies only to later payments.
func (e *Engine) SetCommissionRate(ctx context.Context, caller token.Address, rateBps uint64) error {
	if !e.policy.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if rateBps > policy.MaxCommissionBps {
		return fmt.Errorf("%w: %d bps exceeds cap of %d", ErrFeeTooHigh, rateBps, policy.MaxCommissionBps)
	}

	old := e.policy.SetCommissionRate(rateBps)
	e.publish(ctx, messaging.SubjectCommissionUpdated, messaging.CommissionUpdatedEvent{
		OldRateBps: old,
		NewRateBps: rateBps,
	})
	return nil
}

// SetPayoutAddress changes the company payout address. Admin only.
func (e *Engine) SetPayoutAddress(ctx context.Context, caller, payout token.Address) error {
	if !e.policy.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if payout.IsZero() {
		return fmt.Errorf("%w: payout address is zero", ErrInvalidArgument)
	}

	old := e.policy.SetPayoutAddress(payout)
	e.publish(ctx, messaging.SubjectPayoutUpdated, messaging.PayoutUpdatedEvent{
		OldAddress: string(old),
		NewAddress: string(payout),
	})
	return nil
}

// refund returns already-pulled funds to the buyer after a downstream
// failure so the payment stays all-or-nothing. A refund failure is
// reported alongside the original error, never swallowed.
func (e *Engine) refund(ctx context.Context, tok, buyer token.Address, amount uint64, cause error) error {
	if refundErr := e.transfers.Transfer(ctx, tok, buyer, amount); refundErr != nil {
		return fmt.Errorf("%w (refund of %d also failed: %v)", cause, amount, refundErr)
	}
	return cause
}

// publish emits an audit event. Events go out only after state is final;
// a broker failure must not unwind settled money movement, so it is
// logged and the operation still succeeds.
func (e *Engine) publish(ctx context.Context, subject string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, subject, messaging.NewEnvelope(subject, data)); err != nil {
		log.Printf("failed to publish %s: %v", subject, err)
	}
}

// splitShares computes the commission split. The multiply is decomposed
// so amount*rateBps cannot overflow uint64; the result equals
// floor(amount*rateBps/10000) exactly, with the truncation remainder
// going to the seller.
func splitShares(amount, rateBps uint64) (sellerShare, companyShare uint64) {
	companyShare = amount/10000*rateBps + amount%10000*rateBps/10000
	sellerShare = amount - companyShare
	return sellerShare, companyShare
}

func formatAmount(amount uint64) string {
	return strconv.FormatUint(amount, 10)
}
