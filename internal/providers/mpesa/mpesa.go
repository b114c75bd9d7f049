// Package mpesa adapts the Safaricom Daraja API (STK push, STK query, reversal
// and the result callbacks) to providers.Adapter.
package mpesa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/pkg/log"
)

const Name = "mpesa"

const (
	epAuth        = "/oauth/v1/generate"
	epSTKPush     = "/mpesa/stkpush/v1/processrequest"
	epSTKQuery    = "/mpesa/stkpushquery/v1/query"
	epC2BSimulate = "/mpesa/c2b/v1/simulate"
	epReversal    = "/mpesa/reversal/v1/request"
)

var baseURLs = map[string]string{
	"sandbox":    "https://sandbox.safaricom.co.ke",
	"production": "https://api.safaricom.co.ke",
}

// Nairobi time, used for the STK password timestamp.
var eat = time.FixedZone("EAT", 3*60*60)

// Config holds Daraja credentials. Secrets arrive already decrypted.
type Config struct {
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	Environment        string // sandbox | production
	InitiatorName      string
	SecurityCredential string
	CallbackURL        string
	ResultURL          string
	QueueTimeoutURL    string
	TransactionType    string // CustomerPayBillOnline | CustomerBuyGoodsOnline
	// BaseURL overrides the environment URL.
	BaseURL string
	Timeout time.Duration
}

type Adapter struct {
	cfg     Config
	baseURL string
	client  *providers.JSONClient
	nowFunc func() time.Time
	logger  *zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New validates cfg and returns the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("mpesa: consumer key and consumer secret are required")
	}
	env := strings.ToLower(cfg.Environment)
	if env == "" {
		env = "sandbox"
	}
	base, ok := baseURLs[env]
	if !ok {
		return nil, fmt.Errorf("mpesa: environment must be sandbox or production, got %q", cfg.Environment)
	}
	cfg.Environment = env
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	return &Adapter{
		cfg:     cfg,
		baseURL: base,
		client:  providers.NewJSONClient(cfg.Timeout),
		nowFunc: time.Now,
		logger:  log.Component("provider.mpesa"),
	}, nil
}

func (a *Adapter) Name() string { return Name }

// SignatureHeader names the optional Daraja signature header.
func (a *Adapter) SignatureHeader() string { return "X-Daraja-Signature" }

// CheckAmount rejects fractional amounts. Daraja takes whole shillings only and
// rounding would collect a different amount than the ledger records.
func (a *Adapter) CheckAmount(amount decimal.Decimal, _ string) error {
	_, err := wholeAmount("mpesa.CheckAmount", amount)
	return err
}

// RequiresConfirmation is true for unsigned callbacks. Daraja signs nothing by
// default, so those are confirmed with an STK query before they settle a payment.
func (a *Adapter) RequiresConfirmation(signature string) bool {
	return strings.TrimSpace(signature) == ""
}

// InitializePayment starts an STK push, or a sandbox C2B simulation when
// payment_mode is c2b_simulate.
func (a *Adapter) InitializePayment(ctx context.Context, req providers.InitRequest) (*providers.InitResult, error) {
	const op = "mpesa.InitializePayment"
	phone := normalisePhone(firstString(req.Customer, "phone", "msisdn"))
	if phone == "" {
		return nil, a.fail(apperrors.KindInitialization, op, errors.New("customer phone is required"))
	}
	mode := strings.ToLower(firstNonEmpty(str(req.Customer["payment_mode"]), str(req.Metadata["payment_mode"]), "stk"))
	accountRef := firstNonEmpty(str(req.Customer["account_reference"]), str(req.Metadata["account_reference"]), a.cfg.Shortcode)
	desc := firstNonEmpty(str(req.Customer["transaction_desc"]), str(req.Metadata["transaction_desc"]), "Payment")

	switch mode {
	case "stk":
		return a.stkPush(ctx, req.Amount, phone, accountRef, desc)
	case "c2b_simulate":
		if a.cfg.Environment != "sandbox" {
			return nil, a.fail(apperrors.KindInitialization, op, errors.New("c2b_simulate is only available in the sandbox environment"))
		}
		return a.c2bSimulate(ctx, req.Amount, phone, accountRef)
	}
	return nil, a.fail(apperrors.KindInitialization, op, fmt.Errorf("unknown payment_mode %q", mode))
}

func (a *Adapter) stkPush(ctx context.Context, amount decimal.Decimal, phone, accountRef, desc string) (*providers.InitResult, error) {
	const op = "mpesa.stkPush"
	if a.cfg.Passkey == "" || a.cfg.CallbackURL == "" {
		return nil, a.fail(apperrors.KindInitialization, op, errors.New("passkey and callback url are required for STK push"))
	}
	amt, err := wholeAmount(op, amount)
	if err != nil {
		return nil, err
	}
	timestamp, password := a.password()
	payload := map[string]string{
		"BusinessShortCode": a.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   a.cfg.TransactionType,
		"Amount":            amt,
		"PartyA":            phone,
		"PartyB":            a.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       a.cfg.CallbackURL,
		"AccountReference":  truncate(accountRef, 12),
		"TransactionDesc":   truncate(desc, 13),
	}
	resp, err := a.post(ctx, epSTKPush, payload)
	if err != nil {
		return nil, a.fail(apperrors.KindInitialization, op, err)
	}
	checkoutID := str(resp["CheckoutRequestID"])
	if checkoutID == "" {
		return nil, a.fail(apperrors.KindInitialization, op, errors.New("response carries no CheckoutRequestID"))
	}
	return &providers.InitResult{
		ProviderTransactionID: checkoutID,
		Status:                providers.StatusPending,
		Extra: map[string]interface{}{
			"checkout_request_id":  checkoutID,
			"merchant_request_id":  resp["MerchantRequestID"],
			"response_code":        resp["ResponseCode"],
			"response_description": resp["ResponseDescription"],
			"customer_message":     resp["CustomerMessage"],
			"payment_mode":         "stk_push",
		},
	}, nil
}

func (a *Adapter) c2bSimulate(ctx context.Context, amount decimal.Decimal, phone, billRef string) (*providers.InitResult, error) {
	const op = "mpesa.c2bSimulate"
	amt, err := wholeAmount(op, amount)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, epC2BSimulate, map[string]string{
		"ShortCode":     a.cfg.Shortcode,
		"CommandID":     "CustomerPayBillOnline",
		"Amount":        amt,
		"Msisdn":        phone,
		"BillRefNumber": billRef,
	})
	if err != nil {
		return nil, a.fail(apperrors.KindInitialization, op, err)
	}
	return &providers.InitResult{
		ProviderTransactionID: str(resp["ConversationID"]),
		Status:                providers.StatusPending,
		Extra: map[string]interface{}{
			"conversation_id":      resp["ConversationID"],
			"originator_id":        resp["OriginatorConversationID"],
			"response_description": resp["ResponseDescription"],
			"payment_mode":         "c2b_simulate",
		},
	}, nil
}

// VerifyPayment queries an STK push by CheckoutRequestID.
func (a *Adapter) VerifyPayment(ctx context.Context, providerTxID string) (*providers.VerifyResult, error) {
	const op = "mpesa.VerifyPayment"
	timestamp, password := a.password()
	resp, err := a.post(ctx, epSTKQuery, map[string]string{
		"BusinessShortCode": a.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": providerTxID,
	})
	if err != nil {
		return nil, a.fail(apperrors.KindVerification, op, err)
	}
	code := str(resp["ResultCode"])
	return &providers.VerifyResult{
		Status: stkQueryStatus(code),
		Extra: map[string]interface{}{
			"checkout_request_id": resp["CheckoutRequestID"],
			"merchant_request_id": resp["MerchantRequestID"],
			"result_code":         code,
			"result_desc":         resp["ResultDesc"],
		},
	}, nil
}

// RefundPayment requests a reversal of the payment's M-Pesa receipt. Daraja
// answers asynchronously at ResultURL, so the result is always pending.
func (a *Adapter) RefundPayment(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	const op = "mpesa.RefundPayment"
	if missing := a.missingInitiatorConfig(); len(missing) > 0 {
		return nil, a.fail(apperrors.KindRefund, op, fmt.Errorf("missing config: %s", strings.Join(missing, ", ")))
	}
	// Reversal takes the receipt number, not the STK CheckoutRequestID.
	if req.ProviderReceipt == "" {
		return nil, a.fail(apperrors.KindRefund, op, errors.New("no M-Pesa receipt recorded for this payment"))
	}
	amt := ""
	if req.Amount.IsPositive() {
		var err error
		if amt, err = wholeAmount(op, req.Amount); err != nil {
			return nil, err
		}
	}
	resp, err := a.post(ctx, epReversal, map[string]string{
		"Initiator":              a.cfg.InitiatorName,
		"SecurityCredential":     a.cfg.SecurityCredential,
		"CommandID":              "TransactionReversal",
		"TransactionID":          req.ProviderReceipt,
		"Amount":                 amt,
		"ReceiverParty":          a.cfg.Shortcode,
		"RecieverIdentifierType": "4",
		"ResultURL":              a.cfg.ResultURL,
		"QueueTimeOutURL":        a.cfg.QueueTimeoutURL,
		"Remarks":                truncate(firstNonEmpty(req.Reason, "Refund"), 100),
		"Occasion":               "",
	})
	if err != nil {
		return nil, a.fail(apperrors.KindRefund, op, err)
	}
	return &providers.RefundResult{
		RefundID: firstNonEmpty(str(resp["ConversationID"]), req.ProviderReceipt),
		Status:   providers.StatusPending,
		Amount:   req.Amount,
		Extra: map[string]interface{}{
			"receipt":                    req.ProviderReceipt,
			"conversation_id":            resp["ConversationID"],
			"originator_conversation_id": resp["OriginatorConversationID"],
			"response_code":              resp["ResponseCode"],
			"response_description":       resp["ResponseDescription"],
		},
	}, nil
}

// VerifyWebhookSignature checks X-Daraja-Signature when present. Callbacks
// without the header are accepted and rely on payload matching.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		a.logger.Debug().Msg("callback carries no signature header")
		return true
	}
	return providers.VerifyHMACSHA256(payload, signature, a.cfg.ConsumerSecret)
}

func (a *Adapter) missingInitiatorConfig() []string {
	var missing []string
	if a.cfg.InitiatorName == "" {
		missing = append(missing, "initiator_name")
	}
	if a.cfg.SecurityCredential == "" {
		missing = append(missing, "security_credential")
	}
	if a.cfg.ResultURL == "" {
		missing = append(missing, "result_url")
	}
	if a.cfg.QueueTimeoutURL == "" {
		missing = append(missing, "queue_timeout_url")
	}
	return missing
}

// password returns the STK timestamp and base64(shortcode + passkey + timestamp).
func (a *Adapter) password() (string, string) {
	ts := a.nowFunc().In(eat).Format("20060102150405")
	raw := a.cfg.Shortcode + a.cfg.Passkey + ts
	return ts, base64.StdEncoding.EncodeToString([]byte(raw))
}

func (a *Adapter) fail(kind apperrors.Kind, op string, err error) error {
	e := providers.Fail(kind, Name, op, err)
	a.logger.Error().Err(err).Str("op", op).Bool("definitive", e.Definitive).Msg("daraja call failed")
	return e
}

// darajaError is an error reported inside a response body.
type darajaError struct {
	Code    string
	Message string
}

func (e *darajaError) Error() string {
	return fmt.Sprintf("daraja error %s: %s", e.Code, e.Message)
}

// post sends an authenticated request and surfaces Daraja errors that arrive with HTTP 200.
func (a *Adapter) post(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	_, err = a.client.Do(ctx, http.MethodPost, a.baseURL+endpoint, map[string]string{"Authorization": "Bearer " + token}, payload, &data)
	if err != nil {
		return nil, err
	}
	code := firstNonEmpty(str(data["errorCode"]), str(data["ResultCode"]))
	if strings.HasPrefix(code, "500") || strings.HasPrefix(code, "400") || strings.HasPrefix(code, "401") {
		return nil, &darajaError{
			Code:    code,
			Message: firstNonEmpty(str(data["errorMessage"]), str(data["ResponseDescription"]), str(data["ResultDesc"])),
		}
	}
	return data, nil
}

// accessToken returns the cached OAuth token, refreshing it 60s before expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.nowFunc().Before(a.tokenExpiry) {
		return a.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ConsumerKey + ":" + a.cfg.ConsumerSecret))
	var data struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   interface{} `json:"expires_in"`
	}
	_, err := a.client.Do(ctx, http.MethodGet, a.baseURL+epAuth+"?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, nil, &data)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if data.AccessToken == "" {
		return "", errors.New("access token: empty token in response")
	}
	expiresIn, err := strconv.Atoi(str(data.ExpiresIn))
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	a.token = data.AccessToken
	a.tokenExpiry = a.nowFunc().Add(time.Duration(expiresIn-60) * time.Second)
	a.logger.Debug().Int("expires_in", expiresIn).Msg("access token refreshed")
	return a.token, nil
}

// normalisePhone converts +254..., 07..., 254... and 7... to 2547XXXXXXXX.
func normalisePhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !strings.HasPrefix(p, "254") {
		p = "254" + p
	}
	return p
}

// wholeAmount formats d for Daraja, which accepts whole shillings only.
func wholeAmount(op string, d decimal.Decimal) (string, error) {
	if !d.Equal(d.Truncate(0)) {
		return "", apperrors.New(apperrors.KindInvalidAmount, op, "M-Pesa accepts whole shillings only, got "+d.String())
	}
	return strconv.FormatInt(d.IntPart(), 10), nil
}

// truncate cuts s to n characters, never inside a multibyte rune.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
