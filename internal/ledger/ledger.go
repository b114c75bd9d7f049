package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/pkg/log"
)

// Store persists transactions. Get-style lookups return (nil, nil) when nothing matches.
type Store interface {
	// Create inserts tx unless its idempotency key is taken, in which case the
	// existing transaction is returned with created=false.
	Create(ctx context.Context, tx *Transaction) (created bool, existing *Transaction, err error)
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	GetByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*Transaction, error)
	// Update writes tx only if the stored status still equals expected, else ErrStatusMismatch.
	Update(ctx context.Context, tx *Transaction, expected Status) error
	List(ctx context.Context, f Filter) ([]Transaction, error)
}

// CreateInput describes a new payment intent.
type CreateInput struct {
	IdempotencyKey string
	Provider       string
	Amount         decimal.Decimal
	Currency       string
	Customer       map[string]interface{}
	Metadata       map[string]interface{}
}

// Update describes a status change and the data that arrives with it.
type Update struct {
	To                    Status
	ProviderTransactionID string
	ProviderReceipt       string
	// Step names the ProviderResponse entry Snapshot is stored under.
	Step     string
	Snapshot interface{}
}

// RefundOutcome is what the provider returned for a refund call.
type RefundOutcome struct {
	RefundID string
	// Confirmed moves the transaction to REFUNDED now. Otherwise it stays
	// COMPLETED until the provider confirms asynchronously.
	Confirmed bool
	Status    string
	Snapshot  interface{}
}

// RefundFunc calls the provider while the transaction lock is held.
type RefundFunc func(ctx context.Context, tx *Transaction, amount decimal.Decimal) (*RefundOutcome, error)

const maxConditionalRetries = 3

// Ledger owns every status change. Writes for one transaction are serialized by a
// per-id lock in process and by conditional writes across processes.
type Ledger struct {
	store   Store
	locks   *keyedMutex
	nowFunc func() time.Time
	newID   func() string
	logger  *zerolog.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// WithIDGenerator overrides uuid generation for transaction ids.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// New returns a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		locks:   newKeyedMutex(),
		nowFunc: time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  log.Component("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a PENDING transaction, or returns the one already holding the key.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*Transaction, bool, error) {
	const op = "ledger.Create"
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, false, apperrors.New(apperrors.KindMissingIdempotencyKey, op, "idempotency key is required")
	}
	if !in.Amount.IsPositive() {
		return nil, false, apperrors.New(apperrors.KindInvalidAmount, op, "amount must be greater than zero")
	}
	if len(in.Currency) != 3 {
		return nil, false, apperrors.New(apperrors.KindValidation, op, "currency must be a 3-letter code")
	}

	now := l.nowFunc().UTC()
	tx := &Transaction{
		ID:               l.newID(),
		IdempotencyKey:   in.IdempotencyKey,
		Provider:         strings.ToLower(in.Provider),
		Amount:           in.Amount,
		Currency:         strings.ToUpper(in.Currency),
		Status:           StatusPending,
		ProviderResponse: map[string]interface{}{},
		Customer:         in.Customer,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, existing, err := l.store.Create(ctx, tx)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if !created {
		l.logger.Info().Str("idempotency_key", in.IdempotencyKey).Str("transaction_id", existing.ID).Msg("transaction already exists for key")
		return existing, false, nil
	}
	l.logger.Info().Str("transaction_id", tx.ID).Str("provider", tx.Provider).Str("amount", tx.Amount.String()).Msg("transaction created")
	return tx, true, nil
}

// Transition moves the transaction to u.To. Re-applying the current status is a
// no-op reported as changed=false; any other illegal edge is KindInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, id string, u Update) (*Transaction, bool, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		tx, err := l.load(ctx, "ledger.Transition", id)
		if err != nil {
			return nil, false, err
		}
		noop, err := checkTransition(tx.Status, u.To)
		if err != nil {
			return tx, false, err
		}
		if noop {
			if !l.enrich(tx, u) {
				return tx, false, nil
			}
			err = l.store.Update(ctx, tx, tx.Status)
			if errors.Is(err, ErrStatusMismatch) && attempt < maxConditionalRetries {
				continue
			}
			if err != nil {
				return nil, false, apperrors.Wrap(apperrors.KindInternal, "ledger.Transition", err)
			}
			return tx, false, nil
		}

		from := tx.Status
		l.apply(tx, u)
		err = l.store.Update(ctx, tx, from)
		if errors.Is(err, ErrStatusMismatch) && attempt < maxConditionalRetries {
			l.logger.Warn().Str("transaction_id", id).Msg("concurrent status write, re-reading")
			continue
		}
		if err != nil {
			return nil, false, apperrors.Wrap(apperrors.KindInternal, "ledger.Transition", err)
		}
		l.logger.Info().Str("transaction_id", id).Str("from", string(from)).Str("to", string(tx.Status)).Msg("transaction status changed")
		return tx, true, nil
	}
}

// Refund runs fn for a COMPLETED transaction under its lock and records the outcome.
// amount nil means a full refund.
func (l *Ledger) Refund(ctx context.Context, id string, amount *decimal.Decimal, reason string, fn RefundFunc) (*Transaction, error) {
	const op = "ledger.Refund"
	unlock := l.locks.Lock(id)
	defer unlock()

	tx, err := l.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusCompleted {
		return tx, apperrors.New(apperrors.KindRefundNotAllowed, op, "only COMPLETED transactions can be refunded, current status is "+string(tx.Status))
	}
	if tx.Refund.Open() {
		return tx, apperrors.New(apperrors.KindRefundNotAllowed, op, "a refund is already "+tx.Refund.Status+" for this transaction")
	}
	refundAmount := tx.Amount
	if amount != nil {
		refundAmount = *amount
	}
	if !refundAmount.IsPositive() {
		return tx, apperrors.New(apperrors.KindInvalidAmount, op, "refund amount must be greater than zero")
	}
	if refundAmount.GreaterThan(tx.Amount) {
		return tx, apperrors.New(apperrors.KindInvalidAmount, op, "refund amount exceeds original amount")
	}

	out, err := fn(ctx, clone(tx), refundAmount)
	if err != nil {
		if unknownRefund(err) {
			l.holdRefund(ctx, tx, refundAmount, reason, err)
		}
		return tx, err
	}

	now := l.nowFunc().UTC()
	tx.Refund = &Refund{
		RefundID:    out.RefundID,
		Amount:      refundAmount,
		Reason:      reason,
		Status:      out.Status,
		RequestedAt: now,
	}
	setSnapshot(tx, StepRefund, out.Snapshot)
	if out.Confirmed {
		tx.Status = StatusRefunded
	}
	tx.UpdatedAt = now

	if err := l.store.Update(ctx, tx, StatusCompleted); err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			l.logger.Error().Str("transaction_id", id).Str("refund_id", out.RefundID).Msg("refund accepted by provider but status changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	l.logger.Info().Str("transaction_id", id).Str("refund_id", out.RefundID).Bool("confirmed", out.Confirmed).Msg("refund recorded")
	return tx, nil
}

// RefundFailed closes an open refund the provider rejected asynchronously so a new
// one can be requested. It reports changed=false when no refund was open.
func (l *Ledger) RefundFailed(ctx context.Context, id string, snapshot interface{}) (*Transaction, bool, error) {
	const op = "ledger.RefundFailed"
	unlock := l.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		tx, err := l.load(ctx, op, id)
		if err != nil {
			return nil, false, err
		}
		if tx.Status != StatusCompleted || !tx.Refund.Open() {
			return tx, false, nil
		}
		tx.Refund.Status = RefundStatusFailed
		setSnapshot(tx, StepRefund, snapshot)
		tx.UpdatedAt = l.nowFunc().UTC()

		err = l.store.Update(ctx, tx, StatusCompleted)
		if errors.Is(err, ErrStatusMismatch) && attempt < maxConditionalRetries {
			continue
		}
		if err != nil {
			return nil, false, apperrors.Wrap(apperrors.KindInternal, op, err)
		}
		l.logger.Warn().Str("transaction_id", id).Str("refund_id", tx.Refund.RefundID).Msg("refund failed at provider")
		return tx, true, nil
	}
}

// Get returns the transaction or KindNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.load(ctx, "ledger.Get", id)
}

// GetByProviderTransactionID returns (nil, nil) when the provider reference is not recorded yet.
func (l *Ledger) GetByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*Transaction, error) {
	tx, err := l.store.GetByProviderTransactionID(ctx, strings.ToLower(provider), providerTxID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "ledger.GetByProviderTransactionID", err)
	}
	return tx, nil
}

// GetByIdempotencyKey returns (nil, nil) when no transaction holds key.
func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	tx, err := l.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "ledger.GetByIdempotencyKey", err)
	}
	return tx, nil
}

// List returns transactions newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Transaction, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	txs, err := l.store.List(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "ledger.List", err)
	}
	return txs, nil
}

func (l *Ledger) load(ctx context.Context, op, id string) (*Transaction, error) {
	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if tx == nil {
		return nil, apperrors.New(apperrors.KindNotFound, op, "transaction not found")
	}
	return tx, nil
}

func (l *Ledger) apply(tx *Transaction, u Update) {
	now := l.nowFunc().UTC()
	tx.Status = u.To
	l.enrich(tx, u)
	setSnapshot(tx, u.Step, u.Snapshot)
	if u.To == StatusCompleted {
		tx.CompletedAt = &now
	}
	if u.To == StatusRefunded && tx.Refund != nil {
		tx.Refund.Status = RefundStatusRefunded
	}
	tx.UpdatedAt = now
}

// enrich fills provider references that are still empty. Recorded ones never change.
func (l *Ledger) enrich(tx *Transaction, u Update) bool {
	changed := false
	if u.ProviderTransactionID != "" && tx.ProviderTransactionID == "" {
		tx.ProviderTransactionID = u.ProviderTransactionID
		changed = true
	}
	if u.ProviderReceipt != "" && tx.ProviderReceipt == "" {
		tx.ProviderReceipt = u.ProviderReceipt
		changed = true
	}
	if changed {
		tx.UpdatedAt = l.nowFunc().UTC()
	}
	return changed
}

// unknownRefund reports a provider refund call whose outcome could not be
// observed. Money may have moved, so the refund is held open.
func unknownRefund(err error) bool {
	var e *apperrors.Error
	return apperrors.As(err, &e) && e.Provider != "" && !e.Definitive
}

func (l *Ledger) holdRefund(ctx context.Context, tx *Transaction, amount decimal.Decimal, reason string, cause error) {
	now := l.nowFunc().UTC()
	held := clone(tx)
	held.Refund = &Refund{Amount: amount, Reason: reason, Status: RefundStatusUnknown, RequestedAt: now}
	setSnapshot(held, StepRefund, map[string]interface{}{"status": RefundStatusUnknown, "error": cause.Error()})
	held.UpdatedAt = now
	if err := l.store.Update(ctx, held, StatusCompleted); err != nil {
		l.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to record refund with unknown outcome")
		return
	}
	*tx = *held
	l.logger.Warn().Err(cause).Str("transaction_id", tx.ID).Msg("refund outcome unknown, holding further refunds")
}

func setSnapshot(tx *Transaction, step string, snapshot interface{}) {
	if step == "" || snapshot == nil {
		return
	}
	if tx.ProviderResponse == nil {
		tx.ProviderResponse = map[string]interface{}{}
	}
	tx.ProviderResponse[step] = snapshot
}
