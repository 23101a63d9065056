package verify

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrorKind is the closed taxonomy of verification failures. Keeping it an
// enum (rather than string tags) lets the retry policy lookup stay exhaustive.
type ErrorKind int

const (
	GenericError ErrorKind = iota
	RateLimit
	PaymentRequired
	APIError
	NetworkError
	PermanentFailure
)

var kindNames = map[ErrorKind]string{
	GenericError:     "GENERIC_ERROR",
	RateLimit:        "RATE_LIMIT",
	PaymentRequired:  "PAYMENT_REQUIRED",
	APIError:         "API_ERROR",
	NetworkError:     "NETWORK_ERROR",
	PermanentFailure: "PERMANENT_FAILURE",
}

func (k ErrorKind) String() string { return kindNames[k] }

// APIFailure carries the HTTP context of a failed provider call so the
// classifier can work from the status code instead of message matching.
type APIFailure struct {
	StatusCode int
	Message    string
}

func (e *APIFailure) Error() string { return e.Message }

// RetryRule is the per-kind retry/backoff policy.
type RetryRule struct {
	Retryable  bool
	MaxRetries int
	Backoff    time.Duration // base delay; fixed for RateLimit, exponential otherwise
	Fixed      bool
}

// retryPolicy maps every error kind to its rule. RateLimit waits out a full
// limiter window; payment and permanent failures dead-letter immediately.
var retryPolicy = map[ErrorKind]RetryRule{
	RateLimit:        {Retryable: true, MaxRetries: 10, Backoff: 60 * time.Second, Fixed: true},
	APIError:         {Retryable: true, MaxRetries: 5, Backoff: 2 * time.Second},
	NetworkError:     {Retryable: true, MaxRetries: 3, Backoff: time.Second},
	GenericError:     {Retryable: true, MaxRetries: 3, Backoff: time.Second},
	PaymentRequired:  {Retryable: false},
	PermanentFailure: {Retryable: false},
}

// PolicyFor returns the retry rule for an error kind.
func PolicyFor(kind ErrorKind) RetryRule { return retryPolicy[kind] }

// MaxBackoff caps exponential backoff growth.
const MaxBackoff = 5 * time.Minute

// BackoffFor computes the delay before the given retry attempt (1-based).
// Exponential kinds grow base * 2^(attempt-1) with ±10% jitter, capped at
// MaxBackoff. Fixed kinds always wait the base delay.
func BackoffFor(kind ErrorKind, attempt int) time.Duration {
	rule := retryPolicy[kind]
	if rule.Fixed {
		return rule.Backoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := rule.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			delay = MaxBackoff
			break
		}
	}
	// ±10% jitter so simultaneous retries spread out
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	delay = time.Duration(float64(delay) * jitter)
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}

// Classify maps a raw failure to the error taxonomy. HTTP status codes win;
// network error types come next; message patterns are the last resort.
func Classify(err error) ErrorKind {
	if err == nil {
		return GenericError
	}

	var apiErr *APIFailure
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return RateLimit
		case apiErr.StatusCode == 402:
			return PaymentRequired
		case apiErr.StatusCode >= 500:
			return APIError
		case apiErr.StatusCode >= 400:
			return PermanentFailure
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return RateLimit
	case strings.Contains(msg, "payment required") || strings.Contains(msg, "insufficient credits"):
		return PaymentRequired
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "no such host"):
		return NetworkError
	}
	return GenericError
}
