package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the gateway's error categories.
// The HTTP boundary switches exhaustively over Kind to pick status codes
// and machine-readable codes; no runtime type hierarchy is involved.
type Kind int

const (
	// KindValidation is malformed input (400).
	KindValidation Kind = iota

	// KindAuthentication is a missing or expired session/token (401).
	KindAuthentication

	// KindTokenExpired is a token that was valid but has expired (401).
	KindTokenExpired

	// KindPermission is a token that was given but does not match (403).
	KindPermission

	// KindNotFound is an unknown resource or JSON-RPC method (404).
	KindNotFound

	// KindRateLimit is a rate-limited request (429, carries RetryAfter).
	KindRateLimit

	// KindUnavailable is a degraded dependency, including an open circuit
	// or an unreachable store (503).
	KindUnavailable

	// KindInternal is everything else (500).
	KindInternal
)

// String returns the machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "invalid_request"
	case KindAuthentication:
		return "unauthenticated"
	case KindTokenExpired:
		return "token_expired"
	case KindPermission:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limited"
	case KindUnavailable:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

// HTTPStatus maps the kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindTokenExpired:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// E is the gateway's error value: a kind, a human-readable message, an
// optional wrapped cause, and an optional retry-after hint in seconds.
type E struct {
	Kind       Kind
	Message    string
	RetryAfter int
	cause      error
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *E) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *E {
	return &E{Kind: kind, Message: message, cause: cause}
}

// RateLimited creates a 429 error carrying a retry-after hint.
func RateLimited(message string, retryAfter int) *E {
	return &E{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an upstream failure is worth retrying from
// the client's side. The gateway itself never retries; callers are informed
// via retry-after hints instead.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindUnavailable:
		return true
	default:
		return false
	}
}

// Sentinel errors shared across components.
var (
	// ErrStorageUnavailable is surfaced when a store round trip fails.
	// Components must return this rather than fabricating absent records.
	ErrStorageUnavailable = New(KindUnavailable, "session storage unavailable")

	// ErrCircuitOpen is returned by the circuit breaker when calls are
	// rejected without reaching the upstream.
	ErrCircuitOpen = New(KindUnavailable, "circuit breaker open")

	// ErrUpstreamTimeout is returned when an upstream call exceeds its
	// per-call timeout. Counts as a failure toward the breaker threshold.
	ErrUpstreamTimeout = New(KindUnavailable, "upstream call timed out")

	// ErrTokenGenerationExhausted is returned when bearer token generation
	// keeps colliding past the retry bound.
	ErrTokenGenerationExhausted = New(KindInternal, "token generation retries exhausted")
)
