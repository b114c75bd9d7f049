// Package standardbankpay adapts the Standard Bank Pay gateway.
package standardbankpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/pkg/log"
)

const Name = "standardbankpay"

type Config struct {
	BaseURL  string
	APIKey   string
	ClientID string
	Timeout  time.Duration
}

type Adapter struct {
	cfg    Config
	client *providers.JSONClient
	logger *zerolog.Logger
}

func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("standardbankpay: base url and api key are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{
		cfg:    cfg,
		client: providers.NewJSONClient(cfg.Timeout),
		logger: log.Component("provider.standardbankpay"),
	}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) headers(requestID string) map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + a.cfg.APIKey,
		"X-SBP-Client-Id":  a.cfg.ClientID,
		"X-SBP-Request-Id": requestID,
	}
}

func mapStatus(state string) providers.Status {
	switch state {
	case "AWAITING_CUSTOMER":
		return providers.StatusPending
	case "SETTLED":
		return providers.StatusCompleted
	}
	return providers.StatusProcessing
}

type initiateRequest struct {
	AmountCents int64                  `json:"amount_cents"`
	Currency    string                 `json:"currency"`
	Customer    map[string]interface{} `json:"customer"`
	CallbackURL string                 `json:"callback_url,omitempty"`
}

type initiateResponse struct {
	TxnRef           string `json:"sbp_txn_ref"`
	ProcessingState  string `json:"processing_state"`
	ApprovalURL      string `json:"approval_url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	Meta             struct {
		RiskScore interface{} `json:"risk_score"`
	} `json:"meta"`
}

// InitializePayment uses metadata.request_id as the gateway request id when
// present, so gateway-side deduplication follows the caller's key.
func (a *Adapter) InitializePayment(ctx context.Context, req providers.InitRequest) (*providers.InitResult, error) {
	const op = "standardbankpay.InitializePayment"
	requestID, _ := req.Metadata["request_id"].(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	callbackURL, _ := req.Metadata["callback_url"].(string)

	var resp initiateResponse
	_, err := a.client.Do(ctx, http.MethodPost, a.cfg.BaseURL+"/api/v1/payments/initiate", a.headers(requestID), initiateRequest{
		AmountCents: req.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
		Currency:    req.Currency,
		Customer:    req.Customer,
		CallbackURL: callbackURL,
	}, &resp)
	if err != nil {
		return nil, a.fail(apperrors.KindInitialization, op, err)
	}
	if resp.TxnRef == "" {
		return nil, a.fail(apperrors.KindInitialization, op, errors.New("response carries no sbp_txn_ref"))
	}
	return &providers.InitResult{
		ProviderTransactionID: resp.TxnRef,
		Status:                mapStatus(resp.ProcessingState),
		PaymentURL:            resp.ApprovalURL,
		Extra: map[string]interface{}{
			"request_id":       requestID,
			"processing_state": resp.ProcessingState,
			"approval_url":     resp.ApprovalURL,
			"expires_in":       resp.ExpiresInSeconds,
			"risk_score":       resp.Meta.RiskScore,
		},
	}, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerTxID string) (*providers.VerifyResult, error) {
	const op = "standardbankpay.VerifyPayment"
	var resp struct {
		ProcessingState string `json:"processing_state"`
		LedgerEntryID   string `json:"ledger_entry_id"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/payments/%s/status", a.cfg.BaseURL, url.PathEscape(providerTxID))
	_, err := a.client.Do(ctx, http.MethodGet, endpoint, a.headers("verify-"+providerTxID), nil, &resp)
	if err != nil {
		return nil, a.fail(apperrors.KindVerification, op, err)
	}
	return &providers.VerifyResult{
		Status: mapStatus(resp.ProcessingState),
		Extra: map[string]interface{}{
			"processing_state": resp.ProcessingState,
			"ledger_entry_id":  resp.LedgerEntryID,
		},
	}, nil
}

// RefundPayment always fails: the gateway exposes no refund operation.
func (a *Adapter) RefundPayment(context.Context, providers.RefundRequest) (*providers.RefundResult, error) {
	return nil, apperrors.Provider(apperrors.KindRefund, Name, "standardbankpay.RefundPayment", true,
		errors.New("refunds are not supported by Standard Bank Pay"))
}

// VerifyWebhookSignature accepts everything; the gateway does not sign callbacks.
func (a *Adapter) VerifyWebhookSignature([]byte, string) bool { return true }

// RequiresConfirmation is always true: a settlement callback is only trusted
// once the status endpoint agrees.
func (a *Adapter) RequiresConfirmation(string) bool { return true }

type callback struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TxnRef    string `json:"sbp_txn_ref"`
	Details   struct {
		LedgerEntryID string      `json:"ledger_entry_id"`
		NetAmount     interface{} `json:"net_amount"`
	} `json:"details"`
}

func (a *Adapter) HandleWebhook(payload []byte) (*providers.WebhookResult, error) {
	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("standardbankpay: decode callback: %w", err)
	}
	if cb.TxnRef == "" {
		return nil, errors.New("standardbankpay: missing transaction reference")
	}
	status := providers.StatusProcessing
	if cb.EventType == "PAYMENT_SETTLED" {
		status = providers.StatusCompleted
	}
	dedup := cb.EventID
	if dedup == "" {
		dedup = cb.EventType
	}
	return &providers.WebhookResult{
		ProviderTransactionID: cb.TxnRef,
		EventType:             cb.EventType,
		Status:                status,
		DedupKey:              dedup,
		Extra: map[string]interface{}{
			"ledger_entry_id": cb.Details.LedgerEntryID,
			"net_amount":      cb.Details.NetAmount,
		},
	}, nil
}

func (a *Adapter) fail(kind apperrors.Kind, op string, err error) error {
	e := providers.Fail(kind, Name, op, err)
	a.logger.Error().Err(err).Str("op", op).Bool("definitive", e.Definitive).Msg("gateway call failed")
	return e
}
