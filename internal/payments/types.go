package payments

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/idempotency"
	"github.com/DevnProgg/MyPay/internal/ledger"
)

// RefundKeyPrefix namespaces refund idempotency keys away from payment keys.
const RefundKeyPrefix = "refund:"

// InitializeRequest is a client's payment intent.
type InitializeRequest struct {
	Provider string
	Amount   decimal.Decimal
	Currency string
	Customer map[string]interface{}
	Metadata map[string]interface{}
}

// RefundRequest refunds a COMPLETED transaction. A nil Amount refunds in full.
type RefundRequest struct {
	Amount *decimal.Decimal
	Reason string
}

// PaymentView is the body returned for payment mutations.
type PaymentView struct {
	Transaction *ledger.Transaction `json:"transaction"`
	PaymentURL  string              `json:"payment_url,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// Reply is a response that can be replayed for a repeated idempotency key.
type Reply struct {
	StatusCode int
	Body       []byte
	// Replayed is set when Body came from the idempotency cache.
	Replayed bool
}

// Decode unmarshals the reply body into a PaymentView.
func (r *Reply) Decode() (*PaymentView, error) {
	var v PaymentView
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Reply) cached() idempotency.Response {
	return idempotency.Response{StatusCode: r.StatusCode, Body: r.Body}
}

func replay(resp *idempotency.Response) *Reply {
	return &Reply{StatusCode: resp.StatusCode, Body: resp.Body, Replayed: true}
}

func viewReply(status int, v *PaymentView) (*Reply, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "payments.reply", err)
	}
	return &Reply{StatusCode: status, Body: body}, nil
}

func errorReply(err error) *Reply {
	httpErr := apperrors.ToHTTPError(err)
	body, mErr := json.Marshal(httpErr)
	if mErr != nil {
		body = []byte(`{"error":"internal_error"}`)
	}
	return &Reply{StatusCode: httpErr.Code, Body: body}
}
