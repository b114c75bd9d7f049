package errors

import "net/http"

// HTTPError is the JSON body written for failed requests.
type HTTPError struct {
	Code    int    `json:"-"`
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMissingIdempotencyKey, KindUnknownProvider, KindInvalidAmount, KindValidation:
		return http.StatusBadRequest
	case KindInvalidTransition, KindRefundNotAllowed:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindWebhookVerification:
		return http.StatusUnauthorized
	case KindInitialization, KindVerification, KindRefund:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts any error into the response body.
// Internal errors hide their cause.
func ToHTTPError(err error) *HTTPError {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "Internal server error"
	}
	return &HTTPError{
		Code:    HTTPStatus(kind),
		Kind:    kind,
		Message: msg,
	}
}
