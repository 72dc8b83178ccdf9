package client

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// Kind is the top-level classification of a failure.
type Kind string

const (
	// KindTransport is a network or HTTP-level failure. StatusCode is set when
	// the server responded.
	KindTransport Kind = "transport"

	// KindFormat is a body that could not be read or parsed as JSON, or a
	// local I/O failure.
	KindFormat Kind = "format"

	// KindShape is a parsed document that failed structural validation.
	KindShape Kind = "shape"
)

// ErrorClass refines KindTransport errors for retry decisions and metrics.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Error is a classified failure from the helpdesk API or from decoding its
// responses.
type Error struct {
	Kind       Kind
	StatusCode int
	Class      ErrorClass
	URL        string
	Message    string

	// RetryAfter is the server-suggested wait parsed from a Retry-After header.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Class != "" {
		msg = fmt.Sprintf("%s %s error", e.Kind, e.Class)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg = msg + " at " + redactURL(e.URL)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// redactURL hides any password in raw. Unparseable values are dropped
// entirely since they may still carry userinfo.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ShapeError builds a KindShape error for a document fetched from rawURL.
func ShapeError(rawURL, format string, args ...any) *Error {
	return &Error{
		Kind:    KindShape,
		URL:     rawURL,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// StatusCode returns the HTTP status carried by err, or 0 when there is none.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRateLimited reports whether err carries HTTP status 429.
func IsRateLimited(err error) bool {
	return StatusCode(err) == 429
}

// RetryAfter returns the Retry-After hint carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// ClassOf returns the ErrorClass of err, or "" when err is not a transport error.
func ClassOf(err error) ErrorClass {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// shouldRetry determines if an error class is worth retrying.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx other than 429 will not change on retry
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
