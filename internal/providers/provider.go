package providers

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the provider-neutral payment status an adapter reports.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	// StatusRefundFailed reports a refund the provider rejected asynchronously.
	// It carries no payment status change.
	StatusRefundFailed Status = "refund_failed"
)

// InitRequest is what the engine asks a provider to collect.
type InitRequest struct {
	// TransactionID is the engine's id, usable as a provider-side reference.
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Customer      map[string]interface{}
	Metadata      map[string]interface{}
}

type InitResult struct {
	ProviderTransactionID string
	Status                Status
	PaymentURL            string
	Extra                 map[string]interface{}
}

type VerifyResult struct {
	Status Status
	Extra  map[string]interface{}
}

// RefundRequest identifies the payment to reverse. Zero Amount refunds in full.
type RefundRequest struct {
	ProviderTransactionID string
	// ProviderReceipt is the settlement reference recorded from the payment
	// callback, when the provider issues one.
	ProviderReceipt string
	Amount          decimal.Decimal
	Reason          string
}

type RefundResult struct {
	RefundID string
	// Status is StatusRefunded when the provider settled the refund synchronously,
	// StatusPending when confirmation arrives later by webhook.
	Status Status
	Amount decimal.Decimal
	Extra  map[string]interface{}
}

// WebhookResult is a parsed provider notification.
type WebhookResult struct {
	ProviderTransactionID string
	EventType             string
	Status                Status
	// Receipt is a secondary settlement reference, such as the M-Pesa receipt number.
	Receipt string
	// DedupKey identifies the provider event. Empty means the payload hash is used.
	DedupKey string
	Extra    map[string]interface{}
}

// Adapter talks to one external payment network.
type Adapter interface {
	Name() string
	InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error)
	// VerifyPayment polls the provider for the current truth.
	VerifyPayment(ctx context.Context, providerTxID string) (*VerifyResult, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
	// HandleWebhook parses payload. It has no side effects.
	HandleWebhook(payload []byte) (*WebhookResult, error)
}

// SignatureHeaderer is implemented by adapters whose signature travels in a
// provider-specific header.
type SignatureHeaderer interface {
	SignatureHeader() string
}

// AmountChecker is implemented by adapters that only accept some amounts, such as
// whole currency units. A non-nil error rejects the payment before anything is recorded.
type AmountChecker interface {
	CheckAmount(amount decimal.Decimal, currency string) error
}

// Confirmer is implemented by adapters whose callbacks cannot always be
// authenticated. When RequiresConfirmation is true a callback that settles a
// payment is checked with VerifyPayment before it is applied.
type Confirmer interface {
	RequiresConfirmation(signature string) bool
}

// CheckAmount runs a's AmountChecker, if it has one.
func CheckAmount(a Adapter, amount decimal.Decimal, currency string) error {
	if c, ok := a.(AmountChecker); ok {
		return c.CheckAmount(amount, currency)
	}
	return nil
}

// RequiresConfirmation reports whether a callback carrying signature must be
// confirmed with the provider.
func RequiresConfirmation(a Adapter, signature string) bool {
	if c, ok := a.(Confirmer); ok {
		return c.RequiresConfirmation(signature)
	}
	return false
}

// DefaultSignatureHeader is read when an adapter does not name its own.
const DefaultSignatureHeader = "X-Signature"

// SignatureHeader returns the header carrying a's webhook signature.
func SignatureHeader(a Adapter) string {
	if h, ok := a.(SignatureHeaderer); ok {
		return h.SignatureHeader()
	}
	return DefaultSignatureHeader
}
