package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stable machine-readable codes carried in every gateway-generated error body.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeProxyError         = "PROXY_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConfigurationError = "CONFIGURATION_ERROR"
)

// GatewayError is the single envelope for every error the gateway
// surfaces to a client. Internal errors are mapped into one of these
// before they reach the response boundary.
type GatewayError struct {
	Message    string   `json:"error"`
	Code       string   `json:"code"`
	StatusCode int      `json:"statusCode"`
	RequestID  string   `json:"requestId,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Remaining  *int     `json:"remaining,omitempty"`
	Details    []string `json:"details,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.underlying }

// WriteJSON writes the envelope to w with the mapped status code.
// Base singletons hit a pre-serialized fast path.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.WriteHeader(e.StatusCode)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Base errors. Callers derive request-specific copies with WithRequestID
// et al; the singletons themselves are never mutated.
var (
	ErrRateLimited = &GatewayError{
		Message:    "rate limit exceeded",
		Code:       CodeRateLimitExceeded,
		StatusCode: http.StatusTooManyRequests,
	}

	ErrProxy = &GatewayError{
		Message:    "upstream request failed",
		Code:       CodeProxyError,
		StatusCode: http.StatusBadGateway,
	}

	ErrNotFound = &GatewayError{
		Message:    "no route matches the request path",
		Code:       CodeNotFound,
		StatusCode: http.StatusNotFound,
	}

	ErrUnauthorized = &GatewayError{
		Message:    "authentication required",
		Code:       CodeUnauthorized,
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &GatewayError{
		Message:    "access denied",
		Code:       CodeForbidden,
		StatusCode: http.StatusForbidden,
	}

	ErrValidation = &GatewayError{
		Message:    "invalid request",
		Code:       CodeValidationError,
		StatusCode: http.StatusBadRequest,
	}

	ErrInternal = &GatewayError{
		Message:    "internal error",
		Code:       CodeInternalError,
		StatusCode: http.StatusInternalServerError,
	}

	ErrConfiguration = &GatewayError{
		Message:    "gateway configuration error",
		Code:       CodeConfigurationError,
		StatusCode: http.StatusInternalServerError,
	}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRateLimited, ErrProxy, ErrNotFound, ErrUnauthorized,
		ErrForbidden, ErrValidation, ErrInternal, ErrConfiguration,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n')
		preSerialized[e] = b
	}
}

// New creates a GatewayError with an explicit status and code.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{Message: message, Code: code, StatusCode: status}
}

// Wrap attaches an underlying cause to a new envelope.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{Message: message, Code: code, StatusCode: status, underlying: err}
}

// clone returns a shallow copy so derivation never mutates a singleton.
func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithRequestID returns a copy carrying the request ID.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	c := e.clone()
	c.RequestID = id
	return c
}

// WithRetryAfter returns a copy carrying a retry hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := e.clone()
	c.RetryAfter = seconds
	return c
}

// WithRateLimit returns a copy carrying the limit and remaining
// budget alongside the envelope. Remaining is a pointer so a zero
// still serializes.
func (e *GatewayError) WithRateLimit(limit, remaining int) *GatewayError {
	c := e.clone()
	c.Limit = limit
	c.Remaining = &remaining
	return c
}

// WithDetails returns a copy carrying validation detail strings.
func (e *GatewayError) WithDetails(details ...string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithMessage returns a copy with a replacement human message.
func (e *GatewayError) WithMessage(msg string) *GatewayError {
	c := e.clone()
	c.Message = msg
	return c
}
