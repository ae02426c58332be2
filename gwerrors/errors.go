// Package gwerrors defines the small sum-type the proxy engine and its
// middleware raise instead of bare errors, so exactly one place (Wire)
// owns the translation from "what went wrong" to the JSON the client sees.
package gwerrors

import (
	"fmt"

	"github.com/imaas/gateway/auth"
)

// Kind discriminates the error taxonomy visible at the /v1 boundary.
type Kind string

const (
	KindBadRequest    Kind = "bad_request"
	KindUnauthorized  Kind = "api_key_unauthorized"
	KindPaymentReq    Kind = "payment_required"
	KindNotFound      Kind = "not_found"
	KindTooMany       Kind = "too_many_requests"
	KindUnprocessable Kind = "unprocessable"
	KindGateway       Kind = "gateway_error"
	KindTimeout       Kind = "gateway_timeout"
	KindUnavailable   Kind = "service_unavailable"
)

// statusFor maps a Kind to its HTTP status code.
var statusFor = map[Kind]int{
	KindBadRequest:    400,
	KindUnauthorized:  401,
	KindPaymentReq:    402,
	KindNotFound:      404,
	KindTooMany:       429,
	KindUnprocessable: 422,
	KindGateway:       502,
	KindTimeout:       504,
	KindUnavailable:   503,
}

// GatewayError is the error type every /v1 handler ultimately returns —
// either raised directly or built from an upstream failure by New*.
// Code carries the numeric HTTP status on the wire (spec: "HTTP status =
// code"), not the Kind slug — Kind is for internal routing/logging only.
type GatewayError struct {
	Kind    Kind
	Code    int
	Message string
	Status  int
}

func (e *GatewayError) Error() string { return e.Message }

// New builds a GatewayError for kind, deriving Status (and the wire Code,
// which mirrors it) from the taxonomy table.
func New(kind Kind, message string) *GatewayError {
	status, ok := statusFor[kind]
	if !ok {
		status = 500
	}
	return &GatewayError{Kind: kind, Code: status, Message: message, Status: status}
}

func BadRequest(message string) *GatewayError      { return New(KindBadRequest, message) }
func Unauthorized(message string) *GatewayError    { return New(KindUnauthorized, message) }
func PaymentRequired(message string) *GatewayError { return New(KindPaymentReq, message) }
func NotFound(message string) *GatewayError        { return New(KindNotFound, message) }
func TooManyRequests(message string) *GatewayError { return New(KindTooMany, message) }
func Unprocessable(message string) *GatewayError   { return New(KindUnprocessable, message) }
func Timeout(message string) *GatewayError         { return New(KindTimeout, message) }
func Unavailable(message string) *GatewayError     { return New(KindUnavailable, message) }

// FromAuthError is the single mapping from auth.Gate's sentinel errors to
// the wire taxonomy — the one place both the middleware pre-flight and the
// multipart handlers' inline pre-flight translate a rejected request, so
// the two paths can't disagree on status. A missing/unknown/inactive key
// is ApiKeyUnauthorized (401); only the balance probe is PaymentRequired
// (402).
func FromAuthError(err error) *GatewayError {
	switch err {
	case auth.ErrMissingToken, auth.ErrInvalidToken, auth.ErrInactiveToken:
		return Unauthorized(err.Error())
	case auth.ErrInsufficientBalance:
		return PaymentRequired(err.Error())
	case auth.ErrRateLimited:
		return TooManyRequests(err.Error())
	default:
		return Unavailable(err.Error())
	}
}

// Upstream wraps a non-200 upstream response body/status as a Gateway kind
// error; the wire status stays in the gateway's own taxonomy (502). The
// upstream message is used as-is, and the upstream status appears in the
// message only when the upstream supplied no message.
func Upstream(upstreamStatus int, message string) *GatewayError {
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", upstreamStatus)
	}
	return New(KindGateway, message)
}

// WithTraceID appends the "(request id: <trace_id>)" suffix every /v1
// error message carries, without mutating the original error.
func (e *GatewayError) WithTraceID(traceID string) *GatewayError {
	if traceID == "" {
		return e
	}
	return &GatewayError{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf("%s (request id: %s)", e.Message, traceID), Status: e.Status}
}
