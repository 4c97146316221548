package events

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// HeaderRetryAttempt carries the number of failed attempts already made on a
// redelivered message.
const HeaderRetryAttempt = "x-retry-attempt"

// dlqRetention is how long dead letters are kept for review.
const dlqRetention = 28 * 24 * time.Hour

// RetryPolicy defines redelivery behavior for failed queue messages.
type RetryPolicy struct {
	// MaxAttempts is the number of attempts before a message is dead-lettered.
	MaxAttempts int `json:"max_attempts"`

	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`

	// Jitter spreads retries by up to this fraction of the delay, 0.0 to 1.0.
	Jitter float64 `json:"jitter"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Delay returns the wait before retrying after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialDelay <= 0 {
		return 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Deterministic spread keyed on the attempt number.
	if p.Jitter > 0 {
		jitterAmount := delay * p.Jitter
		jitterOffset := float64(attempt%7) / 7.0 * jitterAmount
		delay = delay - jitterAmount/2 + jitterOffset
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// RetryAttemptFromHeaders returns the attempt count carried by headers, or 0.
func RetryAttemptFromHeaders(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderRetryAttempt])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DLQFailureClass categorizes dead letters.
type DLQFailureClass string

const (
	DLQFailureTransient  DLQFailureClass = "transient"  // retries exhausted
	DLQFailurePermanent  DLQFailureClass = "permanent"  // can never succeed as sent
	DLQFailureValidation DLQFailureClass = "validation" // payload does not decode
)

// DeadLetter is a message that could not be processed.
type DeadLetter struct {
	Payload      json.RawMessage `json:"payload,omitempty"`
	RawPayload   string          `json:"raw_payload,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Attempts     int             `json:"attempts"`
	FailureClass DLQFailureClass `json:"failure_class"`
	Reason       string          `json:"reason"`
	EnteredAt    time.Time       `json:"entered_at"`
	ExpiresAt    time.Time       `json:"expires_at"`

	// ManualReviewRequired is set for failures a retry will not fix.
	ManualReviewRequired bool `json:"manual_review_required"`
}

// NewDeadLetter builds a dead letter for payload.
func NewDeadLetter(payload []byte, reference string, attempts int, class DLQFailureClass, cause error, now time.Time) *DeadLetter {
	dl := &DeadLetter{
		Reference:            reference,
		Attempts:             attempts,
		FailureClass:         class,
		EnteredAt:            now.UTC(),
		ExpiresAt:            now.UTC().Add(dlqRetention),
		ManualReviewRequired: class != DLQFailureTransient,
	}
	if cause != nil {
		dl.Reason = cause.Error()
	}
	if json.Valid(payload) {
		dl.Payload = append(json.RawMessage(nil), payload...)
	} else {
		dl.RawPayload = string(payload)
	}
	return dl
}
