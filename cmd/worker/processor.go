package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/webhooks"
	"github.com/DevnProgg/MyPay/pkg/log"
)

// Redeliverer is the part of the webhook processor the worker drives.
type Redeliverer interface {
	Redeliver(ctx context.Context, id string) (*webhooks.Result, error)
	RetryDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Processor turns queue messages and schedule ticks into webhook attempts.
type Processor struct {
	webhooks  Redeliverer
	batchSize int
	nowFunc   func() time.Time
	logger    *zerolog.Logger
}

func NewProcessor(w Redeliverer, batchSize int) *Processor {
	return &Processor{
		webhooks:  w,
		batchSize: batchSize,
		nowFunc:   time.Now,
		logger:    log.Component("worker"),
	}
}

// Invoke routes a raw Lambda payload to Handle or Scan.
func (p *Processor) Invoke(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	inv, err := decodeInvocation(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid invocation payload: %w", err)
	}
	if inv.scheduled() {
		n, err := p.Scan(ctx)
		return map[string]int{"handled": n}, err
	}
	return p.Handle(ctx, events.SQSEvent{Records: inv.Records})
}

// Handle attempts every message in the batch and reports the ones that should be
// redelivered by the queue. Messages for events that no longer exist are dropped.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	p.logger.Debug().Int("records", len(ev.Records)).Msg("received SQS batch")
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("message_id", rec.MessageId).Msg("worker error")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

// Scan retries events whose backoff has elapsed.
func (p *Processor) Scan(ctx context.Context) (int, error) {
	n, err := p.webhooks.RetryDue(ctx, p.nowFunc().UTC(), p.batchSize)
	if err != nil {
		return n, fmt.Errorf("retry due webhook events: %w", err)
	}
	p.logger.Info().Int("count", n).Msg("scheduled webhook scan finished")
	return n, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg webhooks.RedeliveryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.WebhookEventID == "" {
		return fmt.Errorf("message %s has no webhook_event_id", rec.MessageId)
	}

	res, err := p.webhooks.Redeliver(ctx, msg.WebhookEventID)
	if err != nil && apperrors.KindOf(err) == apperrors.KindNotFound {
		p.logger.Warn().Str("webhook_event_id", msg.WebhookEventID).Msg("webhook event no longer exists, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("redeliver %s: %w", msg.WebhookEventID, err)
	}

	p.logger.Info().
		Str("webhook_event_id", msg.WebhookEventID).
		Str("provider", msg.Provider).
		Str("outcome", string(res.Outcome)).
		Msg("webhook redelivery handled")
	return nil
}
