package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide recovery without string matching.
type Kind string

const (
	KindMissingIdempotencyKey Kind = "missing_idempotency_key"
	KindUnknownProvider       Kind = "unknown_provider"
	KindInvalidAmount         Kind = "invalid_amount"
	KindInvalidTransition     Kind = "invalid_transition"
	KindRefundNotAllowed      Kind = "refund_not_allowed"
	KindNotFound              Kind = "not_found"
	KindValidation            Kind = "validation_failed"
	KindConflict              Kind = "idempotency_conflict"

	KindInitialization Kind = "initialization_error"
	KindVerification   Kind = "verification_error"
	KindRefund         Kind = "refund_error"

	KindWebhookVerification    Kind = "webhook_verification_error"
	KindTransactionNotFoundYet Kind = "transaction_not_found_yet"
	KindTransitionRejected     Kind = "transition_rejected"

	KindInternal Kind = "internal_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrMissingIdempotencyKey  = &Error{Kind: KindMissingIdempotencyKey}
	ErrUnknownProvider        = &Error{Kind: KindUnknownProvider}
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrRefundNotAllowed       = &Error{Kind: KindRefundNotAllowed}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrInitialization         = &Error{Kind: KindInitialization}
	ErrVerification           = &Error{Kind: KindVerification}
	ErrRefund                 = &Error{Kind: KindRefund}
	ErrWebhookVerification    = &Error{Kind: KindWebhookVerification}
	ErrTransactionNotFoundYet = &Error{Kind: KindTransactionNotFoundYet}
	ErrTransitionRejected     = &Error{Kind: KindTransitionRejected}
)

// Error is the single error type returned across the engine.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Provider is set for provider-originated kinds.
	Provider string
	// Definitive reports that the provider explicitly confirmed the failure.
	// A timeout or dropped connection leaves it false.
	Definitive bool
	Err        error
}

// New builds an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Provider builds a provider-originated error.
func Provider(kind Kind, provider, op string, definitive bool, err error) *Error {
	return &Error{Kind: kind, Op: op, Provider: provider, Definitive: definitive, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Provider)
	}
	if e.Op != "" {
		prefix = fmt.Sprintf("%s %s", e.Op, prefix)
	}
	if msg == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsClient reports whether err is the caller's fault and must not be retried by the engine.
func IsClient(err error) bool {
	switch KindOf(err) {
	case KindMissingIdempotencyKey, KindUnknownProvider, KindInvalidAmount, KindInvalidTransition,
		KindRefundNotAllowed, KindNotFound, KindValidation:
		return true
	}
	return false
}

// IsDefinitive reports whether a provider error carries a confirmed failure.
func IsDefinitive(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Definitive
	}
	return false
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
