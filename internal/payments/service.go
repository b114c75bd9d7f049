package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/DevnProgg/MyPay/internal/audit"
	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/idempotency"
	"github.com/DevnProgg/MyPay/internal/ledger"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/pkg/log"
)

// DefaultProviderTimeout bounds every adapter call.
const DefaultProviderTimeout = 30 * time.Second

type Resolver interface {
	Resolve(name string) (providers.Adapter, error)
}

type Auditor interface {
	Record(ctx context.Context, transactionID, eventType string, data map[string]interface{})
}

type Metrics interface {
	Count(ctx context.Context, name string, dims map[string]string) error
}

// Service runs the client path: idempotent initialization, refunds and verification.
type Service struct {
	guard    *idempotency.Guard
	ledger   *ledger.Ledger
	registry Resolver
	audit    Auditor
	trail    audit.TrailReader
	metrics  Metrics
	timeout  time.Duration
	logger   *zerolog.Logger
}

type Option func(*Service)

func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTrail enables AuditTrail.
func WithTrail(r audit.TrailReader) Option { return func(s *Service) { s.trail = r } }

func NewService(guard *idempotency.Guard, l *ledger.Ledger, registry Resolver, a Auditor, opts ...Option) *Service {
	s := &Service{
		guard:    guard,
		ledger:   l,
		registry: registry,
		audit:    a,
		timeout:  DefaultProviderTimeout,
		logger:   log.Component("payments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializePayment creates the transaction for key and asks the provider to collect it.
// A repeated key replays the first reply. A definitive provider failure leaves the
// transaction FAILED and is returned as both a cached reply and an error.
func (s *Service) InitializePayment(ctx context.Context, key string, req InitializeRequest) (*Reply, error) {
	const op = "payments.InitializePayment"
	if strings.TrimSpace(key) == "" {
		return nil, apperrors.New(apperrors.KindMissingIdempotencyKey, op, "Idempotency-Key header is required")
	}
	adapter, err := s.registry.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindInvalidAmount, op, "amount must be greater than zero")
	}
	if len(strings.TrimSpace(req.Currency)) != 3 {
		return nil, apperrors.New(apperrors.KindValidation, op, "currency must be a 3-letter code")
	}
	if err := providers.CheckAmount(adapter, req.Amount, req.Currency); err != nil {
		return nil, err
	}

	claim, err := s.guard.Claim(ctx, key)
	if err != nil {
		return nil, err
	}
	if !claim.Fresh {
		s.logger.Info().Str("idempotency_key", key).Msg("replaying cached payment response")
		return replay(claim.Response), nil
	}

	// Past the claim the work must finish even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	tx, created, err := s.ledger.Create(ctx, ledger.CreateInput{
		IdempotencyKey: key,
		Provider:       adapter.Name(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Customer:       req.Customer,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if !created {
		reply, err := viewReply(http.StatusOK, &PaymentView{Transaction: tx, Message: "transaction already exists for this idempotency key"})
		if err != nil {
			s.release(ctx, key)
			return nil, err
		}
		s.store(ctx, key, reply)
		reply.Replayed = true
		return reply, nil
	}
	s.audit.Record(ctx, tx.ID, audit.EventPaymentInitiated, map[string]interface{}{
		"provider": tx.Provider,
		"amount":   tx.Amount.String(),
		"currency": tx.Currency,
	})

	reply, err := s.initialize(ctx, adapter, tx)
	if reply == nil {
		// The ledger holds the key, so a retry after release finds the transaction
		// instead of calling the provider again.
		s.release(ctx, key)
		return nil, err
	}
	s.store(ctx, key, reply)
	return reply, err
}

func (s *Service) initialize(ctx context.Context, adapter providers.Adapter, tx *ledger.Transaction) (*Reply, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := adapter.InitializePayment(callCtx, providers.InitRequest{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Customer:      tx.Customer,
		Metadata:      tx.Metadata,
	})
	cancel()
	if err != nil {
		return s.initFailed(ctx, tx, err)
	}

	updated, _, err := s.ledger.Transition(ctx, tx.ID, ledger.Update{
		To:                    ledger.StatusProcessing,
		ProviderTransactionID: res.ProviderTransactionID,
		Step:                  ledger.StepInitialize,
		Snapshot:              initSnapshot(res),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Str("provider_transaction_id", res.ProviderTransactionID).
			Msg("provider accepted payment but ledger update failed")
		return nil, err
	}
	tx = updated
	s.audit.Record(ctx, tx.ID, audit.EventPaymentProcessing, map[string]interface{}{
		"provider_transaction_id": res.ProviderTransactionID,
	})

	tx, err = s.follow(ctx, tx, res.Status, ledger.StepInitialize, initSnapshot(res))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("transaction_id", tx.ID).Str("provider", tx.Provider).Str("status", string(tx.Status)).Msg("payment initialized")
	return viewReply(http.StatusCreated, &PaymentView{Transaction: tx, PaymentURL: res.PaymentURL})
}

// initFailed settles the transaction after a failed provider call. Only a
// definitive failure moves it to FAILED; an unknown outcome stays PROCESSING.
func (s *Service) initFailed(ctx context.Context, tx *ledger.Transaction, cause error) (*Reply, error) {
	definitive := apperrors.IsDefinitive(cause)
	s.count(ctx, "ProviderFailure", tx.Provider, "initialize")
	s.logger.Error().Err(cause).Str("transaction_id", tx.ID).Str("provider", tx.Provider).Bool("definitive", definitive).
		Msg("provider initialization failed")

	snap := map[string]interface{}{"error": cause.Error(), "definitive": definitive}
	tx, _, err := s.ledger.Transition(ctx, tx.ID, ledger.Update{To: ledger.StatusProcessing, Step: ledger.StepError, Snapshot: snap})
	if err != nil {
		return nil, err
	}

	if !definitive {
		s.audit.Record(ctx, tx.ID, audit.EventPaymentProcessing, map[string]interface{}{"outcome": "unknown", "error": cause.Error()})
		return viewReply(http.StatusAccepted, &PaymentView{
			Transaction: tx,
			Message:     "provider outcome unknown; the payment settles when the provider calls back, otherwise reconcile it manually",
		})
	}

	tx, _, err = s.ledger.Transition(ctx, tx.ID, ledger.Update{To: ledger.StatusFailed, Step: ledger.StepError, Snapshot: snap})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, tx.ID, audit.EventPaymentFailed, map[string]interface{}{"error": cause.Error()})

	if apperrors.KindOf(cause) == apperrors.KindInternal {
		cause = apperrors.Provider(apperrors.KindInitialization, tx.Provider, "payments.InitializePayment", true, cause)
	}
	return errorReply(cause), cause
}

// RefundPayment refunds a COMPLETED transaction. key is optional; when given,
// repeats replay the first reply.
func (s *Service) RefundPayment(ctx context.Context, key, id string, req RefundRequest) (*Reply, error) {
	const op = "payments.RefundPayment"
	cacheKey := ""
	if strings.TrimSpace(key) != "" {
		cacheKey = RefundKeyPrefix + key
		claim, err := s.guard.Claim(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if !claim.Fresh {
			s.logger.Info().Str("idempotency_key", key).Str("transaction_id", id).Msg("replaying cached refund response")
			return replay(claim.Response), nil
		}
	}
	ctx = context.WithoutCancel(ctx)

	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.release(ctx, cacheKey)
		return nil, err
	}
	adapter, err := s.registry.Resolve(current.Provider)
	if err != nil {
		s.release(ctx, cacheKey)
		return nil, err
	}

	called := false
	tx, err := s.ledger.Refund(ctx, id, req.Amount, req.Reason, func(ctx context.Context, tx *ledger.Transaction, amount decimal.Decimal) (*ledger.RefundOutcome, error) {
		called = true
		s.audit.Record(ctx, tx.ID, audit.EventPaymentRefundRequested, map[string]interface{}{
			"amount": amount.String(),
			"reason": req.Reason,
		})
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		res, err := adapter.RefundPayment(callCtx, providers.RefundRequest{
			ProviderTransactionID: tx.ProviderTransactionID,
			ProviderReceipt:       tx.ProviderReceipt,
			Amount:                amount,
			Reason:                req.Reason,
		})
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindInternal {
				err = apperrors.Provider(apperrors.KindRefund, tx.Provider, op, false, err)
			}
			return nil, err
		}
		return &ledger.RefundOutcome{
			RefundID:  res.RefundID,
			Confirmed: res.Status == providers.StatusRefunded,
			Status:    string(res.Status),
			Snapshot: map[string]interface{}{
				"refund_id": res.RefundID,
				"status":    string(res.Status),
				"amount":    res.Amount.String(),
				"extra":     res.Extra,
			},
		}, nil
	})
	if err != nil {
		if !called {
			s.release(ctx, cacheKey)
			return nil, err
		}
		s.count(ctx, "ProviderFailure", current.Provider, "refund")
		s.logger.Error().Err(err).Str("transaction_id", id).Msg("refund failed")
		s.audit.Record(ctx, id, audit.EventPaymentRefundFailed, map[string]interface{}{"error": err.Error()})
		reply := errorReply(err)
		// An unknown outcome is not cached: the ledger holds the refund open, so
		// a retry with this key is refused there without reaching the provider.
		if apperrors.IsDefinitive(err) || apperrors.IsClient(err) || isStoreError(err) {
			s.store(ctx, cacheKey, reply)
		} else {
			s.release(ctx, cacheKey)
		}
		return reply, err
	}

	msg := "refund requested; awaiting provider confirmation"
	if tx.Status == ledger.StatusRefunded {
		msg = "refund confirmed"
		s.audit.Record(ctx, tx.ID, audit.EventPaymentRefunded, map[string]interface{}{
			"refund_id": tx.Refund.RefundID,
			"amount":    tx.Refund.Amount.String(),
		})
	}
	reply, err := viewReply(http.StatusOK, &PaymentView{Transaction: tx, Message: msg})
	if err != nil {
		return nil, err
	}
	s.store(ctx, cacheKey, reply)
	return reply, nil
}

// VerifyPayment polls the provider for a transaction that has not settled and
// applies what it reports. Settled transactions are returned unchanged. A
// PROCESSING transaction without a provider reference cannot be polled and is
// reported as a verification error for manual reconciliation.
func (s *Service) VerifyPayment(ctx context.Context, id string) (*ledger.Transaction, error) {
	const op = "payments.VerifyPayment"
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return tx, nil
	}
	if tx.ProviderTransactionID == "" {
		if tx.Status != ledger.StatusProcessing {
			return tx, nil
		}
		err := apperrors.Provider(apperrors.KindVerification, tx.Provider, op, false,
			errors.New("provider reference unknown: the initialization outcome was never confirmed, reconcile with the provider manually"))
		s.logger.Warn().Str("transaction_id", tx.ID).Str("provider", tx.Provider).Msg("cannot verify payment without a provider reference")
		s.audit.Record(ctx, tx.ID, audit.EventPaymentVerificationFailed, map[string]interface{}{"error": err.Error()})
		return tx, err
	}
	adapter, err := s.registry.Resolve(tx.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := adapter.VerifyPayment(callCtx, tx.ProviderTransactionID)
	cancel()
	if err != nil {
		s.count(ctx, "ProviderFailure", tx.Provider, "verify")
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("payment verification failed")
		s.audit.Record(ctx, tx.ID, audit.EventPaymentVerificationFailed, map[string]interface{}{"error": err.Error()})
		if apperrors.KindOf(err) == apperrors.KindInternal {
			err = apperrors.Provider(apperrors.KindVerification, tx.Provider, op, false, err)
		}
		return tx, err
	}

	return s.follow(ctx, tx, res.Status, ledger.StepVerify, map[string]interface{}{
		"status": string(res.Status),
		"extra":  res.Extra,
	})
}

// follow applies the path to a provider-reported status. A rejected edge
// means another path settled the transaction first; the current state wins.
func (s *Service) follow(ctx context.Context, tx *ledger.Transaction, reported providers.Status, step string, snap interface{}) (*ledger.Transaction, error) {
	for _, to := range ledger.PathFor(tx.Status, string(reported)) {
		updated, changed, err := s.ledger.Transition(ctx, tx.ID, ledger.Update{To: to, Step: step, Snapshot: snap})
		if apperrors.Is(err, apperrors.ErrInvalidTransition) {
			s.logger.Warn().Err(err).Str("transaction_id", tx.ID).Str("reported", string(reported)).Msg("provider status conflicts with ledger")
			return updated, nil
		}
		if err != nil {
			return nil, err
		}
		tx = updated
		if changed {
			s.audit.Record(ctx, tx.ID, "payment."+strings.ToLower(string(to)), map[string]interface{}{"source": step})
		}
	}
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.ledger.Get(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, f ledger.Filter) ([]ledger.Transaction, error) {
	return s.ledger.List(ctx, f)
}

// AuditTrail returns the audit entries of a transaction, oldest first.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]audit.Entry, error) {
	if _, err := s.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.trail == nil {
		return []audit.Entry{}, nil
	}
	entries, err := s.trail.Trail(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "payments.AuditTrail", err)
	}
	return entries, nil
}

func (s *Service) store(ctx context.Context, key string, reply *Reply) {
	if key == "" {
		return
	}
	if err := s.guard.Store(ctx, key, reply.cached(), 0); err != nil {
		s.logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to cache response")
	}
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.guard.Release(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to release idempotency key")
	}
}

func (s *Service) count(ctx context.Context, name, provider, op string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.Count(ctx, name, map[string]string{"Provider": provider, "Operation": op}); err != nil {
		s.logger.Debug().Err(err).Str("metric", name).Msg("failed to emit metric")
	}
}

func isStoreError(err error) bool {
	var e *apperrors.Error
	return apperrors.As(err, &e) && strings.HasPrefix(e.Op, "ledger.")
}

func initSnapshot(res *providers.InitResult) map[string]interface{} {
	return map[string]interface{}{
		"provider_transaction_id": res.ProviderTransactionID,
		"status":                  string(res.Status),
		"payment_url":             res.PaymentURL,
		"extra":                   res.Extra,
	}
}
