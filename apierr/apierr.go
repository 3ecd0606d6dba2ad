// Package apierr defines the client-visible error vocabulary of the gateway
// and its mapping to HTTP statuses. Every pipeline deny and upstream failure
// is expressed as one of these kinds; unexpected conditions collapse to
// KindInternal with a scrubbed message so stack traces never reach clients.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind identifies a client-visible error category.
type Kind string

const (
	// KindUnauthenticated reports a missing or invalid API key.
	KindUnauthenticated Kind = "unauthenticated"
	// KindClientSuspended reports a key that matched a suspended client.
	KindClientSuspended Kind = "client_suspended"
	// KindRateLimited reports a full sliding window for the client.
	KindRateLimited Kind = "rate_limited"
	// KindModelNotAllowed reports a model outside the client's allowlist.
	KindModelNotAllowed Kind = "model_not_allowed"
	// KindInjectionBlocked reports a request-side injection score at or
	// above the threshold.
	KindInjectionBlocked Kind = "injection_blocked"
	// KindPIIBlocked reports request-side PII found with mode=block.
	KindPIIBlocked Kind = "pii_blocked"
	// KindStreamingUnsupported reports a stream request on a platform that
	// cannot stream responses.
	KindStreamingUnsupported Kind = "streaming_unsupported"
	// KindInvalidRequest reports a body that is not a valid chat
	// completion request.
	KindInvalidRequest Kind = "invalid_request"
	// KindUpstreamError reports a provider non-2xx or connection failure.
	KindUpstreamError Kind = "upstream_error"
	// KindUpstreamTimeout reports an exceeded provider deadline.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindResponseBlocked reports response-side PII found with mode=block.
	KindResponseBlocked Kind = "response_blocked"
	// KindStoreUnavailable reports a failed client store backend.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindInternal reports an unexpected condition.
	KindInternal Kind = "internal_error"
)

// Error is a client-visible gateway error. Detail is structured metadata for
// the audit record; it is never serialized to clients.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
}

// New builds an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetail attaches structured metadata and returns the error for chaining.
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Status returns the HTTP status code for the kind.
func Status(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindClientSuspended, KindModelNotAllowed:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInjectionBlocked, KindPIIBlocked, KindStreamingUnsupported, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUpstreamError, KindResponseBlocked:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body renders the JSON error body sent to clients:
// {"error":{"type":..., "message":..., "request_id":...}}.
func Body(kind Kind, message, requestID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"type":       string(kind),
			"message":    message,
			"request_id": requestID,
		},
	})
	return b
}
