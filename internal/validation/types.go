package validation

import "github.com/shopspring/decimal"

// CreatePaymentRequest is the payload for POST /payments
type CreatePaymentRequest struct {
	Provider string                 `json:"provider" validate:"required"`
	Amount   decimal.Decimal        `json:"amount"`                                  // checked at struct level
	Currency string                 `json:"currency" validate:"required,len=3,alpha"` // ISO 4217, any case
	Customer map[string]interface{} `json:"customer,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RefundPaymentRequest is the payload for POST /payments/:id/refund. A missing amount refunds in full.
type RefundPaymentRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty" validate:"max=255"`
}
