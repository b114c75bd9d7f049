package webhooks

import (
	"context"
	"math"
	"time"
)

// RedeliveryMessage is the queue body asking a worker to attempt one event.
type RedeliveryMessage struct {
	WebhookEventID string `json:"webhook_event_id"`
	Provider       string `json:"provider"`
}

// Sender publishes a message with an optional delivery delay. aws.Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, v interface{}, attributes map[string]string, delaySeconds int32) error
}

// QueueDispatcher sends redelivery requests to a queue. Delays longer than the
// queue allows are finished by the worker re-dispatching the remainder.
type QueueDispatcher struct {
	sender Sender
}

func NewQueueDispatcher(s Sender) *QueueDispatcher {
	return &QueueDispatcher{sender: s}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, e *Event, delay time.Duration) error {
	seconds := int32(math.Ceil(delay.Seconds()))
	if delay > 15*time.Minute {
		seconds = 900
	}
	return d.sender.Send(ctx, RedeliveryMessage{WebhookEventID: e.ID, Provider: e.Provider},
		map[string]string{"provider": e.Provider, "event_type": e.EventType}, seconds)
}
