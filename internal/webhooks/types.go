package webhooks

import (
	"errors"
	"time"
)

// Outcome is what the engine tells the provider about one delivery.
type Outcome string

const (
	OutcomeAccepted                Outcome = "accepted"
	OutcomeRejectedVerification    Outcome = "rejected_verification"
	OutcomeRejectedUnknownProvider Outcome = "rejected_unknown_provider"
	OutcomeRetryScheduled          Outcome = "retry_scheduled"
	// OutcomeDeadLettered is only produced by redelivery, never by the first receipt.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ErrVersionMismatch is returned by Store.Update when another worker wrote the event first.
var ErrVersionMismatch = errors.New("webhook event version mismatch")

// Event is one inbound provider notification and its processing state.
type Event struct {
	ID                    string     `json:"id"`
	Provider              string     `json:"provider"`
	TransactionID         string     `json:"transaction_id,omitempty"`
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
	EventType             string     `json:"event_type,omitempty"`
	Fingerprint           string     `json:"fingerprint,omitempty"`
	Payload               string     `json:"payload"`
	Signature             string     `json:"signature,omitempty"`
	Verified              bool       `json:"verified"`
	Processed             bool       `json:"processed"`
	DeadLettered          bool       `json:"dead_lettered"`
	RetryCount            int        `json:"retry_count"`
	NextRetryAt           *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	Version               int        `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ProcessedAt           *time.Time `json:"processed_at,omitempty"`
}

// Due reports whether the scheduler should attempt e at now.
func (e *Event) Due(now time.Time) bool {
	if e.Processed || !e.Verified || e.DeadLettered || e.NextRetryAt == nil {
		return false
	}
	return !e.NextRetryAt.After(now)
}

// Result is returned for every delivery.
type Result struct {
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"event_id,omitempty"`
	// Duplicate is set when an already processed event was redelivered.
	Duplicate     bool   `json:"duplicate,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Filter narrows List. Nil pointers match everything.
type Filter struct {
	Provider      string
	TransactionID string
	Processed     *bool
	Verified      *bool
	DeadLettered  *bool
	Since         *time.Time
	Until         *time.Time
	Limit         int
}

func (f Filter) matches(e *Event) bool {
	if f.Provider != "" && f.Provider != e.Provider {
		return false
	}
	if f.TransactionID != "" && f.TransactionID != e.TransactionID {
		return false
	}
	if f.Processed != nil && *f.Processed != e.Processed {
		return false
	}
	if f.Verified != nil && *f.Verified != e.Verified {
		return false
	}
	if f.DeadLettered != nil && *f.DeadLettered != e.DeadLettered {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// Stats summarises stored events.
type Stats struct {
	Total        int            `json:"total"`
	Processed    int            `json:"processed"`
	Pending      int            `json:"pending"`
	DeadLettered int            `json:"dead_lettered"`
	Rejected     int            `json:"rejected"`
	ByProvider   map[string]int `json:"by_provider"`
	SuccessRate  float64        `json:"success_rate"`
}

func clone(e *Event) *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		c.NextRetryAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
