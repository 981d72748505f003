package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Category classifies a provider failure for retry and fallback decisions.
type Category string

const (
	// CategoryRateLimited is HTTP 429 or rate-limit text. Recoverable by
	// walking the fallback chain, optionally after a short sleep.
	CategoryRateLimited Category = "rate_limited"

	// CategoryUnauthorized is HTTP 401/403 or an invalid key. Fatal to the
	// whole request; never retried.
	CategoryUnauthorized Category = "unauthorized"

	// CategoryTransient covers 5xx responses and socket-level failures.
	// Recoverable by walking the fallback chain.
	CategoryTransient Category = "transient"

	// CategoryParse means the provider returned unusable output where
	// structure was required. Callers retry once in simple mode.
	CategoryParse Category = "parse"

	// CategoryTimeout is a wall-clock deadline hit.
	CategoryTimeout Category = "timeout"

	// CategoryCancelled is caller-initiated cancellation. Never retried.
	CategoryCancelled Category = "cancelled"

	// CategoryUnknown is the fall-through.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether the category warrants trying another chain
// entry.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimited, CategoryTransient, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure. It carries enough context for the
// resilient wrapper to decide between fallback, sleep, and hard failure,
// and for logs to be debuggable after the fact.
type Error struct {
	Category Category
	Provider Provider
	Model    string

	// Status is the HTTP status code when one was observed.
	Status int

	// Message is the human-readable provider message.
	Message string

	// RequestID is the provider's request id when exposed.
	RequestID string

	// RetryAfter is the provider's parsed Retry-After hint, zero when
	// absent.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Category))
	if e.Provider != "" {
		parts = append(parts, string(e.Provider))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.RequestID != "" {
		parts = append(parts, "request_id="+e.RequestID)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// WrapError builds an Error for a provider call, classifying the cause.
func WrapError(p Provider, model string, cause error) *Error {
	e := &Error{
		Category: Classify(cause),
		Provider: p,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if c := classifyStatus(status); c != CategoryUnknown {
		e.Category = c
	}
	return e
}

// WithRequestID attaches the provider request id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithRetryAfter attaches a Retry-After hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithCategory forces the category, overriding classification.
func (e *Error) WithCategory(c Category) *Error {
	e.Category = c
	return e
}

// AsError extracts an *Error from a chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of any error, classifying raw errors on
// the fly.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if e, ok := AsError(err); ok {
		return e.Category
	}
	return Classify(err)
}

// Retryable reports whether the fallback chain should be walked for err.
func Retryable(err error) bool {
	return CategoryOf(err).Retryable()
}

// RetryAfterHint returns the provider's Retry-After hint, zero when none
// was attached.
func RetryAfterHint(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}

// transientMarkers are network and availability substrings that mark an
// error as recoverable on another vendor. The list is deliberately broad:
// Node-style names appear because local runtimes proxy upstream errors
// verbatim.
var transientMarkers = []string{
	"fetch failed",
	"econnrefused",
	"econnreset",
	"enotfound",
	"connection refused",
	"connection reset",
	"no such host",
	"network",
	"socket hang up",
	"aborted",
	"bad gateway",
	"service unavailable",
	"internal server error",
	"overloaded",
}

// Classify inspects an error's text and returns its category. Providers
// that surface typed errors attach status codes via WithStatus instead.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	s := strings.ToLower(err.Error())

	if strings.Contains(s, "rate limit") ||
		strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "429") {
		return CategoryRateLimited
	}
	if strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "invalid api key") ||
		strings.Contains(s, "invalid_api_key") ||
		strings.Contains(s, "authentication") ||
		strings.Contains(s, "401") ||
		strings.Contains(s, "403") {
		return CategoryUnauthorized
	}
	if strings.Contains(s, "timeout") ||
		strings.Contains(s, "timed out") ||
		strings.Contains(s, "deadline exceeded") {
		return CategoryTimeout
	}
	for _, marker := range transientMarkers {
		if strings.Contains(s, marker) {
			return CategoryTransient
		}
	}
	if strings.Contains(s, "500") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "504") {
		return CategoryTransient
	}
	return CategoryUnknown
}

func classifyStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 500:
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// ParseRetryAfter parses a Retry-After header value. Only delta-seconds are
// honored; HTTP-date forms return zero.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
