package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/pkg/log"
)

// Event types recorded by the engine. Webhook-derived entries use the provider's event type.
const (
	EventPaymentInitiated          = "payment.initiated"
	EventPaymentProcessing         = "payment.processing"
	EventPaymentFailed             = "payment.failed"
	EventPaymentVerificationFailed = "payment.verification_failed"
	EventPaymentRefunded           = "payment.refunded"
	EventPaymentRefundRequested    = "payment.refund_requested"
	EventPaymentRefundFailed       = "payment.refund_failed"
)

const sinkTimeout = 2 * time.Second

// Actor identifies who triggered an entry.
type Actor struct {
	UserID    string `json:"user_id,omitempty" dynamodbav:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty" dynamodbav:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty" dynamodbav:"user_agent,omitempty"`
}

// Entry is one immutable audit record.
type Entry struct {
	ID            string                 `json:"id" dynamodbav:"id"`
	TransactionID string                 `json:"transaction_id" dynamodbav:"transaction_id"`
	EventType     string                 `json:"event_type" dynamodbav:"event_type"`
	Data          map[string]interface{} `json:"data,omitempty" dynamodbav:"data,omitempty"`
	Actor         *Actor                 `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	CreatedAt     time.Time              `json:"created_at" dynamodbav:"created_at"`
}

// Sink stores entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// TrailReader returns the entries of one transaction, oldest first.
type TrailReader interface {
	Trail(ctx context.Context, transactionID string) ([]Entry, error)
}

type actorKey struct{}

// WithActor attaches the caller to ctx.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller attached to ctx, if any.
func ActorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}

// Recorder fans entries out to sinks. It never fails its caller: sink errors are logged.
type Recorder struct {
	sinks   []Sink
	nowFunc func() time.Time
	logger  *zerolog.Logger
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, nowFunc: time.Now, logger: log.Component("audit")}
}

// Record writes one entry. The actor comes from ctx.
func (r *Recorder) Record(ctx context.Context, transactionID, eventType string, data map[string]interface{}) {
	e := Entry{
		ID:            uuid.New().String(),
		TransactionID: transactionID,
		EventType:     eventType,
		Data:          data,
		Actor:         ActorFrom(ctx),
		CreatedAt:     r.nowFunc().UTC(),
	}
	// Detached from the request so a cancelled client does not drop the entry.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Record(sctx, e); err != nil {
			r.logger.Error().Err(err).Str("transaction_id", transactionID).Str("event_type", eventType).Msg("audit sink failed")
		}
	}
}

// LogSink writes entries to the structured log.
type LogSink struct {
	logger *zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.Component("audit.log")}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	ev := s.logger.Info().
		Str("audit_id", e.ID).
		Str("transaction_id", e.TransactionID).
		Str("event_type", e.EventType).
		Interface("data", e.Data)
	if e.Actor != nil {
		ev = ev.Str("user_id", e.Actor.UserID).Str("ip_address", e.Actor.IPAddress)
	}
	ev.Msg("audit")
	return nil
}
