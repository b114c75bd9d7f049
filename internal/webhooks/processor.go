package webhooks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/internal/audit"
	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/ledger"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/pkg/log"
)

// Resolver finds the adapter for a provider name.
type Resolver interface {
	Resolve(name string) (providers.Adapter, error)
}

// Ledger is the part of the transaction ledger webhooks drive.
type Ledger interface {
	GetByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*ledger.Transaction, error)
	Transition(ctx context.Context, id string, u ledger.Update) (*ledger.Transaction, bool, error)
	RefundFailed(ctx context.Context, id string, snapshot interface{}) (*ledger.Transaction, bool, error)
}

// confirmTimeout bounds the provider status query made for an unauthenticated callback.
const confirmTimeout = 30 * time.Second

// Auditor records transaction events. It must not fail its caller.
type Auditor interface {
	Record(ctx context.Context, transactionID, eventType string, data map[string]interface{})
}

// Metrics counts outcomes. aws.MetricsEmitter satisfies it.
type Metrics interface {
	Count(ctx context.Context, name string, dims map[string]string) error
}

// Dispatcher hands an event id to another worker for a later attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *Event, delay time.Duration) error
}

// Processor verifies, deduplicates and applies provider notifications.
type Processor struct {
	store      Store
	resolver   Resolver
	ledger     Ledger
	audit      Auditor
	metrics    Metrics
	dispatcher Dispatcher
	schedule   Schedule
	nowFunc    func() time.Time
	newID      func() string
	logger     *zerolog.Logger
}

type Option func(*Processor)

func WithMetrics(m Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithDispatcher makes retries and due scans go through d instead of running inline.
func WithDispatcher(d Dispatcher) Option { return func(p *Processor) { p.dispatcher = d } }

func WithSchedule(s Schedule) Option { return func(p *Processor) { p.schedule = s } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.nowFunc = now } }

func NewProcessor(store Store, resolver Resolver, l Ledger, a Auditor, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		resolver: resolver,
		ledger:   l,
		audit:    a,
		schedule: DefaultSchedule,
		nowFunc:  time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   log.Component("webhooks"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Receive handles one inbound delivery. Outcomes are reported in Result; an
// error means the event could not be stored and the provider should redeliver.
func (p *Processor) Receive(ctx context.Context, provider string, payload []byte, signature string) (*Result, error) {
	adapter, err := p.resolver.Resolve(provider)
	if err != nil {
		p.logger.Warn().Str("provider", provider).Msg("webhook for unknown provider")
		p.count(ctx, "WebhookRejected", provider, "unknown_provider")
		return &Result{Outcome: OutcomeRejectedUnknownProvider, Message: err.Error()}, nil
	}
	name := strings.ToLower(adapter.Name())
	now := p.nowFunc().UTC()
	e := &Event{
		ID:        p.newID(),
		Provider:  name,
		Payload:   string(payload),
		Signature: signature,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !adapter.VerifyWebhookSignature(payload, signature) {
		e.ErrorMessage = apperrors.New(apperrors.KindWebhookVerification, "webhooks.Receive", "signature verification failed").Error()
		return p.reject(ctx, e)
	}
	parsed, err := adapter.HandleWebhook(payload)
	if err != nil {
		e.ErrorMessage = apperrors.Wrap(apperrors.KindWebhookVerification, "webhooks.Receive", err).Error()
		return p.reject(ctx, e)
	}

	e.Verified = true
	e.ProviderTransactionID = parsed.ProviderTransactionID
	e.EventType = parsed.EventType
	e.Fingerprint = Fingerprint(name, parsed, payload)

	dup, err := p.store.FindProcessed(ctx, e.Fingerprint)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "webhooks.Receive", err)
	}
	if dup != nil {
		p.logger.Info().Str("provider", name).Str("webhook_event_id", dup.ID).Msg("duplicate webhook ignored")
		p.count(ctx, "WebhookDuplicate", name, "")
		return &Result{Outcome: OutcomeAccepted, EventID: dup.ID, Duplicate: true, TransactionID: dup.TransactionID}, nil
	}

	if err := p.store.Save(ctx, e); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "webhooks.Receive", err)
	}
	return p.attempt(ctx, e, adapter, parsed)
}

func (p *Processor) reject(ctx context.Context, e *Event) (*Result, error) {
	p.logger.Warn().Str("provider", e.Provider).Str("webhook_event_id", e.ID).Msg(e.ErrorMessage)
	p.count(ctx, "WebhookRejected", e.Provider, "verification")
	if err := p.store.Save(ctx, e); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "webhooks.Receive", err)
	}
	return &Result{Outcome: OutcomeRejectedVerification, EventID: e.ID, Message: e.ErrorMessage}, nil
}

// Redeliver runs the next scheduled attempt for a stored event. An event that is
// not yet due is handed back to the dispatcher for the remaining wait.
func (p *Processor) Redeliver(ctx context.Context, id string) (*Result, error) {
	e, err := p.load(ctx, "webhooks.Redeliver", id)
	if err != nil {
		return nil, err
	}
	switch {
	case e.Processed:
		return &Result{Outcome: OutcomeAccepted, EventID: e.ID, Duplicate: true, TransactionID: e.TransactionID}, nil
	case !e.Verified:
		return &Result{Outcome: OutcomeRejectedVerification, EventID: e.ID, Message: e.ErrorMessage}, nil
	case e.DeadLettered:
		return &Result{Outcome: OutcomeDeadLettered, EventID: e.ID, Message: e.ErrorMessage}, nil
	}
	now := p.nowFunc().UTC()
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		if p.dispatcher != nil {
			if err := p.dispatcher.Dispatch(ctx, e, e.NextRetryAt.Sub(now)); err != nil {
				p.logger.Error().Err(err).Str("webhook_event_id", e.ID).Msg("failed to re-dispatch webhook event")
			}
		}
		return &Result{Outcome: OutcomeRetryScheduled, EventID: e.ID}, nil
	}
	return p.reattempt(ctx, e)
}

// ManualRetry attempts an event now, including a dead-lettered one.
func (p *Processor) ManualRetry(ctx context.Context, id string) (*Result, error) {
	e, err := p.load(ctx, "webhooks.ManualRetry", id)
	if err != nil {
		return nil, err
	}
	if e.Processed {
		return &Result{Outcome: OutcomeAccepted, EventID: e.ID, Duplicate: true, TransactionID: e.TransactionID}, nil
	}
	if !e.Verified {
		return nil, apperrors.New(apperrors.KindWebhookVerification, "webhooks.ManualRetry", "event failed verification and cannot be retried")
	}
	p.logger.Info().Str("webhook_event_id", e.ID).Int("retry_count", e.RetryCount).Msg("manual webhook retry")
	e.DeadLettered = false
	return p.reattempt(ctx, e)
}

// MarkProcessed closes an event by hand after operator reconciliation.
func (p *Processor) MarkProcessed(ctx context.Context, id string) (*Event, error) {
	e, err := p.load(ctx, "webhooks.MarkProcessed", id)
	if err != nil {
		return nil, err
	}
	if e.Processed {
		return e, nil
	}
	now := p.nowFunc().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.NextRetryAt = nil
	if err := p.write(ctx, e, now); err != nil {
		return nil, err
	}
	p.logger.Info().Str("webhook_event_id", e.ID).Msg("webhook event marked processed by operator")
	return e, nil
}

// RetryDue attempts, or dispatches, up to limit events that are due at now.
// It returns how many were handled.
func (p *Processor) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := p.store.Due(ctx, now, limit)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "webhooks.RetryDue", err)
	}
	handled := 0
	for i := range due {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		e := &due[i]
		if p.dispatcher != nil {
			if err := p.dispatcher.Dispatch(ctx, e, 0); err != nil {
				p.logger.Error().Err(err).Str("webhook_event_id", e.ID).Msg("failed to dispatch due webhook event")
				continue
			}
			handled++
			continue
		}
		if _, err := p.reattempt(ctx, e); err != nil {
			p.logger.Error().Err(err).Str("webhook_event_id", e.ID).Msg("webhook retry failed")
			continue
		}
		handled++
	}
	return handled, nil
}

func (p *Processor) List(ctx context.Context, f Filter) ([]Event, error) {
	events, err := p.store.List(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "webhooks.List", err)
	}
	return events, nil
}

// DeadLetters lists events that exhausted their retries.
func (p *Processor) DeadLetters(ctx context.Context, limit int) ([]Event, error) {
	dead := true
	processed := false
	return p.List(ctx, Filter{DeadLettered: &dead, Processed: &processed, Limit: limit})
}

// Stats summarises events created within [since, until]; nil bounds are open.
func (p *Processor) Stats(ctx context.Context, since, until *time.Time) (*Stats, error) {
	events, err := p.List(ctx, Filter{Since: since, Until: until})
	if err != nil {
		return nil, err
	}
	s := &Stats{Total: len(events), ByProvider: map[string]int{}}
	for i := range events {
		e := &events[i]
		s.ByProvider[e.Provider]++
		switch {
		case e.Processed:
			s.Processed++
		case !e.Verified:
			s.Rejected++
		case e.DeadLettered:
			s.DeadLettered++
		default:
			s.Pending++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.Processed)/float64(s.Total)*10000) / 100
	}
	return s, nil
}

func (p *Processor) reattempt(ctx context.Context, e *Event) (*Result, error) {
	adapter, err := p.resolver.Resolve(e.Provider)
	if err != nil {
		return p.fail(ctx, e, err)
	}
	parsed, err := adapter.HandleWebhook([]byte(e.Payload))
	if err != nil {
		return p.fail(ctx, e, err)
	}
	return p.attempt(ctx, e, adapter, parsed)
}

// attempt resolves the transaction and applies the notified status.
func (p *Processor) attempt(ctx context.Context, e *Event, adapter providers.Adapter, parsed *providers.WebhookResult) (*Result, error) {
	tx, err := p.ledger.GetByProviderTransactionID(ctx, e.Provider, parsed.ProviderTransactionID)
	if err != nil {
		return p.fail(ctx, e, err)
	}
	if tx == nil {
		return p.fail(ctx, e, apperrors.New(apperrors.KindTransactionNotFoundYet, "webhooks.attempt",
			fmt.Sprintf("no transaction for %s reference %q", e.Provider, parsed.ProviderTransactionID)))
	}
	e.TransactionID = tx.ID

	parsed, err = p.confirm(ctx, e, adapter, tx, parsed)
	if err != nil {
		return p.fail(ctx, e, err)
	}

	anomaly, err := p.apply(ctx, e, tx, parsed)
	if err != nil {
		return p.fail(ctx, e, err)
	}

	now := p.nowFunc().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.NextRetryAt = nil
	e.ErrorMessage = anomaly
	if err := p.write(ctx, e, now); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return &Result{Outcome: OutcomeAccepted, EventID: e.ID, Duplicate: true, TransactionID: tx.ID}, nil
		}
		// The ledger change is kept. The event stays open so a retry closes it.
		e.Processed = false
		e.ProcessedAt = nil
		return p.fail(ctx, e, err)
	}
	p.logger.Info().
		Str("provider", e.Provider).
		Str("webhook_event_id", e.ID).
		Str("transaction_id", tx.ID).
		Str("event_type", e.EventType).
		Msg("webhook processed")
	p.count(ctx, "WebhookAccepted", e.Provider, "")
	return &Result{Outcome: OutcomeAccepted, EventID: e.ID, TransactionID: tx.ID}, nil
}

// apply moves tx along the path to the notified status. A rejected edge is an
// anomaly, returned as a message, and the event still counts as processed.
func (p *Processor) apply(ctx context.Context, e *Event, tx *ledger.Transaction, parsed *providers.WebhookResult) (string, error) {
	data := map[string]interface{}{
		"provider":         e.Provider,
		"webhook_event_id": e.ID,
		"event_type":       parsed.EventType,
		"provider_status":  string(parsed.Status),
	}

	if parsed.Status == providers.StatusRefundFailed {
		if _, _, err := p.ledger.RefundFailed(ctx, tx.ID, snapshot(parsed)); err != nil {
			return "", err
		}
		p.audit.Record(ctx, tx.ID, audit.EventPaymentRefundFailed, data)
		return "", nil
	}

	for _, to := range ledger.PathFor(tx.Status, string(parsed.Status)) {
		_, changed, err := p.ledger.Transition(ctx, tx.ID, ledger.Update{
			To:              to,
			ProviderReceipt: parsed.Receipt,
			Step:            ledger.StepWebhook,
			Snapshot:        snapshot(parsed),
		})
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			msg := apperrors.Wrap(apperrors.KindTransitionRejected, "webhooks.apply", err).Error()
			p.logger.Warn().
				Str("transaction_id", tx.ID).
				Str("webhook_event_id", e.ID).
				Str("provider_status", string(parsed.Status)).
				Msg(msg)
			p.count(ctx, "WebhookTransitionRejected", e.Provider, "")
			return msg, nil
		}
		if err != nil {
			return "", err
		}
		if changed {
			p.audit.Record(ctx, tx.ID, eventType(parsed, to), data)
		}
	}
	return "", nil
}

// confirm checks a callback the adapter could not authenticate with the provider
// before it settles or refunds a payment. A settlement is replaced by the status
// the provider reports; a status that is not final yet is retried on schedule.
func (p *Processor) confirm(ctx context.Context, e *Event, adapter providers.Adapter, tx *ledger.Transaction, parsed *providers.WebhookResult) (*providers.WebhookResult, error) {
	const op = "webhooks.confirm"
	if !providers.RequiresConfirmation(adapter, e.Signature) {
		return parsed, nil
	}
	switch parsed.Status {
	case providers.StatusRefunded:
		// no status query covers reversals; only an open refund may be settled
		if tx.Status == ledger.StatusCompleted && !tx.Refund.Open() {
			return nil, apperrors.New(apperrors.KindWebhookVerification, op, "unsigned refund notification for a transaction with no open refund")
		}
		return parsed, nil
	case providers.StatusCompleted, providers.StatusFailed:
	default:
		return parsed, nil
	}

	ref := tx.ProviderTransactionID
	if ref == "" {
		ref = parsed.ProviderTransactionID
	}
	vctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	v, err := adapter.VerifyPayment(vctx, ref)
	if err != nil {
		return nil, err
	}
	if v.Status != providers.StatusCompleted && v.Status != providers.StatusFailed {
		return nil, apperrors.New(apperrors.KindVerification, op,
			fmt.Sprintf("callback reports %s but provider still reports %s", parsed.Status, v.Status))
	}

	confirmed := *parsed
	confirmed.Extra = map[string]interface{}{}
	for k, v := range parsed.Extra {
		confirmed.Extra[k] = v
	}
	confirmed.Extra["confirmed_by"] = "verify_payment"
	confirmed.Extra["verified_status"] = string(v.Status)
	if v.Status != parsed.Status {
		p.logger.Warn().
			Str("transaction_id", tx.ID).
			Str("webhook_event_id", e.ID).
			Str("reported", string(parsed.Status)).
			Str("verified", string(v.Status)).
			Msg("unsigned callback disagrees with provider, applying provider status")
		confirmed.Status = v.Status
		confirmed.Receipt = ""
		confirmed.EventType = "payment." + string(v.Status)
	}
	return &confirmed, nil
}

func eventType(parsed *providers.WebhookResult, to ledger.Status) string {
	if to == ledger.StatusProcessing && parsed.Status != providers.StatusProcessing && parsed.Status != providers.StatusPending {
		return audit.EventPaymentProcessing
	}
	if parsed.EventType != "" {
		return parsed.EventType
	}
	return "payment." + strings.ToLower(string(to))
}

func snapshot(parsed *providers.WebhookResult) map[string]interface{} {
	return map[string]interface{}{
		"provider_transaction_id": parsed.ProviderTransactionID,
		"event_type":              parsed.EventType,
		"status":                  string(parsed.Status),
		"extra":                   parsed.Extra,
	}
}

// fail schedules the next retry, or dead-letters the event once the schedule is spent.
func (p *Processor) fail(ctx context.Context, e *Event, cause error) (*Result, error) {
	now := p.nowFunc().UTC()
	e.ErrorMessage = cause.Error()

	delay, ok := p.schedule.Delay(e.RetryCount + 1)
	if !ok {
		e.DeadLettered = true
		e.NextRetryAt = nil
		if err := p.write(ctx, e, now); err != nil {
			return p.lost(e, err)
		}
		p.logger.Error().
			Str("provider", e.Provider).
			Str("webhook_event_id", e.ID).
			Int("retry_count", e.RetryCount).
			Str("error", e.ErrorMessage).
			Msg("webhook event dead-lettered")
		p.count(ctx, "WebhookDeadLettered", e.Provider, "")
		return &Result{Outcome: OutcomeDeadLettered, EventID: e.ID, TransactionID: e.TransactionID, Message: e.ErrorMessage}, nil
	}

	e.RetryCount++
	next := now.Add(delay)
	e.NextRetryAt = &next
	if err := p.write(ctx, e, now); err != nil {
		return p.lost(e, err)
	}
	p.logger.Info().
		Str("provider", e.Provider).
		Str("webhook_event_id", e.ID).
		Int("retry_count", e.RetryCount).
		Time("next_retry_at", next).
		Str("error", e.ErrorMessage).
		Msg("webhook retry scheduled")
	p.count(ctx, "WebhookRetryScheduled", e.Provider, "")
	if p.dispatcher != nil {
		if err := p.dispatcher.Dispatch(ctx, e, delay); err != nil {
			p.logger.Error().Err(err).Str("webhook_event_id", e.ID).Msg("failed to dispatch webhook retry")
		}
	}
	return &Result{Outcome: OutcomeRetryScheduled, EventID: e.ID, TransactionID: e.TransactionID, Message: e.ErrorMessage}, nil
}

// lost reports an attempt whose bookkeeping write failed. A version mismatch
// means another worker owns the event.
func (p *Processor) lost(e *Event, err error) (*Result, error) {
	if errors.Is(err, ErrVersionMismatch) {
		p.logger.Info().Str("webhook_event_id", e.ID).Msg("webhook event handled by another worker")
		return &Result{Outcome: OutcomeRetryScheduled, EventID: e.ID}, nil
	}
	return nil, err
}

func (p *Processor) write(ctx context.Context, e *Event, now time.Time) error {
	expected := e.Version
	e.Version++
	e.UpdatedAt = now
	if err := p.store.Update(ctx, e, expected); err != nil {
		e.Version = expected
		if errors.Is(err, ErrVersionMismatch) {
			return err
		}
		return apperrors.Wrap(apperrors.KindInternal, "webhooks.write", err)
	}
	return nil
}

func (p *Processor) load(ctx context.Context, op, id string) (*Event, error) {
	e, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if e == nil {
		return nil, apperrors.New(apperrors.KindNotFound, op, "webhook event "+id+" not found")
	}
	return e, nil
}

func (p *Processor) count(ctx context.Context, name, provider, reason string) {
	if p.metrics == nil {
		return
	}
	dims := map[string]string{"Provider": provider}
	if reason != "" {
		dims["Reason"] = reason
	}
	if err := p.metrics.Count(ctx, name, dims); err != nil {
		p.logger.Debug().Err(err).Str("metric", name).Msg("failed to emit metric")
	}
}
