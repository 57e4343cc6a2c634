package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects for the engine's audit events.
const (
	SubjectPaid              = "payhub.paid"
	SubjectClaimed           = "payhub.claimed"
	SubjectCommissionUpdated = "payhub.policy.commission_updated"
	SubjectPayoutUpdated     = "payhub.policy.payout_updated"
)

// Envelope wraps every published event with an id and timestamp so
// observers can order and deduplicate the audit trail.
type Envelope struct {
	ID        uuid.UUID   `json:"id"`
	Subject   string      `json:"subject"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEnvelope stamps an event payload for publication.
func NewEnvelope(subject string, data interface{}) Envelope {
	return Envelope{
		ID:        uuid.New(),
		Subject:   subject,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// PaidEvent is the canonical audit record of a completed payment.
// Amounts are strings: uint64 values do not survive JSON numbers.
type PaidEvent struct {
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	ServiceID    uint64 `json:"service_id"`
	InvoiceID    uint64 `json:"invoice_id"`
	SellerShare  string `json:"seller_share"`
	CompanyShare string `json:"company_share"`
}

// ClaimedEvent records a seller withdrawing their claimable balance.
type ClaimedEvent struct {
	Seller string `json:"seller"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// CommissionUpdatedEvent records an admin changing the commission rate.
type CommissionUpdatedEvent struct {
	OldRateBps uint64 `json:"old_rate_bps"`
	NewRateBps uint64 `json:"new_rate_bps"`
}

// PayoutUpdatedEvent records an admin changing the payout address.
type PayoutUpdatedEvent struct {
	OldAddress string `json:"old_address"`
	NewAddress string `json:"new_address"`
}
