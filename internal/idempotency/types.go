package idempotency

import (
	"context"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

// DefaultTTL is how long a key deduplicates requests.
const DefaultTTL = 24 * time.Hour

// KeyPrefix namespaces keys in shared caches.
const KeyPrefix = "idempotency:"

// Response is what a repeated request receives instead of re-executing.
type Response struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// IdempotencyRecord is the shape persisted by every backend.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key" json:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status" json:"status"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty" json:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty" json:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at" json:"expires_at"` // TTL epoch seconds
}

// Response returns the cached response, or nil while the claim is in flight.
func (r *IdempotencyRecord) Response() *Response {
	if r == nil || r.Status != StatusDone {
		return nil
	}
	return &Response{StatusCode: r.ResponseStatus, Body: []byte(r.ResponseBody)}
}

// Backend is a key/value store with atomic set-if-not-exists and TTL.
type Backend interface {
	// Claim creates an IN_PROGRESS entry only when none exists (or the old one expired).
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Load returns the live entry or nil.
	Load(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Save marks the entry DONE with the response and restarts its TTL.
	Save(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
