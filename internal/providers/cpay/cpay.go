// Package cpay is a mock CPay gateway. Checkouts live in memory and are settled
// through signed callbacks, which makes it usable for end-to-end local runs.
package cpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/providers"
)

const Name = "cpay"

const checkoutBaseURL = "https://checkout.cpay.example.com/pay/"

type Config struct {
	APIKey    string
	APISecret string
}

type checkout struct {
	id       string
	amount   decimal.Decimal
	currency string
	status   providers.Status
	receipt  string
	refunds  []string
}

type Adapter struct {
	cfg     Config
	nowFunc func() time.Time

	mu        sync.Mutex
	checkouts map[string]*checkout
}

func New(cfg Config) (*Adapter, error) {
	if cfg.APISecret == "" {
		return nil, errors.New("cpay: api secret is required")
	}
	return &Adapter{cfg: cfg, nowFunc: time.Now, checkouts: map[string]*checkout{}}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SignatureHeader() string { return "X-CPay-Signature" }

func (a *Adapter) InitializePayment(_ context.Context, req providers.InitRequest) (*providers.InitResult, error) {
	id := "CPAY-" + randomHex(12, true)
	a.mu.Lock()
	a.checkouts[id] = &checkout{id: id, amount: req.Amount, currency: req.Currency, status: providers.StatusPending}
	a.mu.Unlock()

	return &providers.InitResult{
		ProviderTransactionID: id,
		Status:                providers.StatusPending,
		PaymentURL:            checkoutBaseURL + id,
		Extra: map[string]interface{}{
			"payment_reference": id,
			"payment_url":       checkoutBaseURL + id,
			"expires_at":        a.nowFunc().UTC().Add(15 * time.Minute).Format(time.RFC3339),
			"customer_message":  "Please complete payment at the provided URL",
			"checkout_token":    "tok_" + randomHex(24, false),
		},
	}, nil
}

func (a *Adapter) VerifyPayment(_ context.Context, providerTxID string) (*providers.VerifyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.checkouts[providerTxID]
	if !ok {
		return nil, apperrors.Provider(apperrors.KindVerification, Name, "cpay.VerifyPayment", true,
			fmt.Errorf("transaction %s not found", providerTxID))
	}
	return &providers.VerifyResult{
		Status: c.status,
		Extra: map[string]interface{}{
			"cpay_receipt":   c.receipt,
			"payment_method": "cpay_wallet",
			"amount":         c.amount.String(),
			"currency":       c.currency,
		},
	}, nil
}

// RefundPayment settles synchronously; only completed checkouts can be refunded.
func (a *Adapter) RefundPayment(_ context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	const op = "cpay.RefundPayment"
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.checkouts[req.ProviderTransactionID]
	if !ok {
		return nil, apperrors.Provider(apperrors.KindRefund, Name, op, true, fmt.Errorf("transaction %s not found", req.ProviderTransactionID))
	}
	if c.status != providers.StatusCompleted {
		return nil, apperrors.Provider(apperrors.KindRefund, Name, op, true, errors.New("can only refund completed transactions"))
	}
	amount := req.Amount
	if !amount.IsPositive() {
		amount = c.amount
	}
	refundID := "REF-" + randomHex(12, true)
	c.refunds = append(c.refunds, refundID)
	c.status = providers.StatusRefunded

	return &providers.RefundResult{
		RefundID: refundID,
		Status:   providers.StatusRefunded,
		Amount:   amount,
		Extra: map[string]interface{}{
			"original_amount":   c.amount.String(),
			"refund_method":     "original_payment_method",
			"estimated_arrival": "3-5 business days",
			"reason":            req.Reason,
		},
	}, nil
}

func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return providers.VerifyHMACSHA256(payload, signature, a.cfg.APISecret)
}

type event struct {
	Event     string                 `json:"event"`
	EventID   string                 `json:"event_id"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

var eventNames = map[string]string{
	"payment.success":   "payment.completed",
	"payment.failed":    "payment.failed",
	"payment.cancelled": "payment.cancelled",
	"refund.completed":  "refund.completed",
	"refund.failed":     "refund.failed",
}

func (a *Adapter) HandleWebhook(payload []byte) (*providers.WebhookResult, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("cpay: decode event: %w", err)
	}
	txID, _ := ev.Data["transaction_id"].(string)
	if ev.Event == "" || txID == "" {
		return nil, errors.New("cpay: event and data.transaction_id are required")
	}
	mapped, ok := eventNames[ev.Event]
	if !ok {
		mapped = ev.Event
	}

	return &providers.WebhookResult{
		ProviderTransactionID: txID,
		EventType:             mapped,
		Status:                eventStatus(ev.Event),
		DedupKey:              ev.EventID,
		Extra: map[string]interface{}{
			"cpay_event_id":   ev.EventID,
			"cpay_event_type": ev.Event,
			"amount":          ev.Data["amount"],
			"currency":        ev.Data["currency"],
			"payment_method":  ev.Data["payment_method"],
		},
	}, nil
}

func eventStatus(name string) providers.Status {
	switch {
	case strings.HasPrefix(name, "refund."):
		if strings.Contains(name, "failed") {
			return providers.StatusRefundFailed
		}
		return providers.StatusRefunded
	case strings.Contains(name, "success"), strings.Contains(name, "completed"):
		return providers.StatusCompleted
	case strings.Contains(name, "failed"), strings.Contains(name, "cancelled"):
		return providers.StatusFailed
	}
	return providers.StatusPending
}

// SimulateCallback settles a checkout and returns the signed callback CPay would
// send. status is completed, failed or cancelled.
func (a *Adapter) SimulateCallback(providerTxID, status string) (payload []byte, signature string, err error) {
	names := map[string]string{"completed": "payment.success", "failed": "payment.failed", "cancelled": "payment.cancelled"}
	name, ok := names[status]
	if !ok {
		name = "payment.success"
	}

	a.mu.Lock()
	c, found := a.checkouts[providerTxID]
	receipt := "REC-" + randomHex(10, true)
	amount, currency := decimal.Zero, ""
	if found {
		amount, currency = c.amount, c.currency
		if c.status == providers.StatusPending {
			c.status = eventStatus(name)
			if c.status == providers.StatusCompleted {
				c.receipt = receipt
			}
		}
	}
	a.mu.Unlock()

	payload, err = json.Marshal(event{
		Event:     name,
		EventID:   "evt_" + randomHex(16, false),
		Timestamp: a.nowFunc().UTC().Format(time.RFC3339),
		Data: map[string]interface{}{
			"transaction_id": providerTxID,
			"amount":         amount.String(),
			"currency":       currency,
			"payment_method": "cpay_wallet",
			"receipt_number": receipt,
		},
	})
	if err != nil {
		return nil, "", err
	}
	return payload, providers.SignHMACSHA256(payload, a.cfg.APISecret), nil
}

func randomHex(n int, upper bool) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n < len(s) {
		s = s[:n]
	}
	if upper {
		return strings.ToUpper(s)
	}
	return s
}
