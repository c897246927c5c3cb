package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Error classes recorded on failed work items.
const (
	ClassTransient = "transient"
	ClassRateLimit = "rate_limit"
	ClassPermanent = "permanent"
)

// TransientError wraps an error that is safe to retry (5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError reports that a collaborator refused the call because of
// quota or throttling. Callers back off instead of counting it as a failure.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: rate limited: %v", e.Service, e.Err)
	}
	return e.Service + ": rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError builds a RateLimitError for service.
func NewRateLimitError(service string, retryAfter time.Duration, err error) *RateLimitError {
	return &RateLimitError{Service: service, RetryAfter: retryAfter, Err: err}
}

// IsRateLimit returns true if err (or any error in its chain) is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter returns the server-suggested wait for a rate-limited error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
}

// IsTransient returns true if the error is safe to retry: an explicit
// TransientError or RateLimitError, a network timeout, a connection
// reset/refused, or a known transient message from an HTTP client.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsRateLimit(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies a failed HTTP response. 429 becomes a
// RateLimitError, other retryable statuses a TransientError, and anything
// else is returned unchanged.
func FromHTTPStatus(service string, statusCode int, retryAfter time.Duration, err error) error {
	switch {
	case statusCode == 429:
		return NewRateLimitError(service, retryAfter, err)
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	default:
		return err
	}
}

// ParseRetryAfter reads a Retry-After header value expressed in seconds.
func ParseRetryAfter(v string) time.Duration {
	var secs int
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ClassifyError categorizes an error for storage on a failed work item.
func ClassifyError(err error) string {
	switch {
	case IsRateLimit(err):
		return ClassRateLimit
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}
