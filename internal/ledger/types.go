package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// Snapshot steps recorded in ProviderResponse.
const (
	StepInitialize = "initialize"
	StepVerify     = "verify"
	StepWebhook    = "webhook"
	StepRefund     = "refund"
	StepError      = "error"
)

// ErrStatusMismatch is returned by stores when a conditional status write lost a race.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Transaction is one payment intent and its lifecycle.
type Transaction struct {
	ID                    string                 `json:"id"`
	IdempotencyKey        string                 `json:"idempotency_key"`
	Provider              string                 `json:"provider"`
	ProviderTransactionID string                 `json:"provider_transaction_id,omitempty"`
	// ProviderReceipt is the provider's settlement reference when it differs from
	// ProviderTransactionID, e.g. the M-Pesa receipt number.
	ProviderReceipt       string                 `json:"provider_receipt,omitempty"`
	Amount                decimal.Decimal        `json:"amount"`
	Currency              string                 `json:"currency"`
	Status                Status                 `json:"status"`
	ProviderResponse      map[string]interface{} `json:"provider_response,omitempty"`
	Customer              map[string]interface{} `json:"customer,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	Refund                *Refund                `json:"refund,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
}

// CustomerRef returns the caller's customer id, if any.
func (t *Transaction) CustomerRef() string {
	if t.Customer == nil {
		return ""
	}
	if id, ok := t.Customer["id"].(string); ok {
		return id
	}
	return ""
}

// Refund statuses. Pending and unknown refunds block a new request until the
// provider settles them.
const (
	RefundStatusPending  = "pending"
	RefundStatusUnknown  = "unknown"
	RefundStatusFailed   = "failed"
	RefundStatusRefunded = "refunded"
)

// Refund records the last refund request sent to the provider.
type Refund struct {
	RefundID    string          `json:"refund_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	Status      string          `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Open reports whether the refund may still move money.
func (r *Refund) Open() bool {
	return r != nil && r.Status != RefundStatusFailed
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Provider    string
	Status      Status
	CustomerRef string
	Limit       int
}

func (f Filter) matches(t *Transaction) bool {
	if f.Provider != "" && f.Provider != t.Provider {
		return false
	}
	if f.Status != "" && f.Status != t.Status {
		return false
	}
	if f.CustomerRef != "" && f.CustomerRef != t.CustomerRef() {
		return false
	}
	return true
}

func clone(t *Transaction) *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.ProviderResponse = copyMap(t.ProviderResponse)
	c.Customer = copyMap(t.Customer)
	c.Metadata = copyMap(t.Metadata)
	if t.Refund != nil {
		r := *t.Refund
		c.Refund = &r
	}
	if t.CompletedAt != nil {
		ca := *t.CompletedAt
		c.CompletedAt = &ca
	}
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
