package events_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/releasegate/internal/events"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := events.RetryPolicy{
		MaxAttempts:       4,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
}

func TestRetryPolicy_DelayJitterStaysInBand(t *testing.T) {
	p := events.DefaultRetryPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, p.MaxDelay+p.MaxDelay/10)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := events.RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestRetryAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 0, events.RetryAttemptFromHeaders(nil))
	assert.Equal(t, 0, events.RetryAttemptFromHeaders(map[string]string{events.HeaderRetryAttempt: "x"}))
	assert.Equal(t, 0, events.RetryAttemptFromHeaders(map[string]string{events.HeaderRetryAttempt: "-2"}))
	assert.Equal(t, 3, events.RetryAttemptFromHeaders(map[string]string{events.HeaderRetryAttempt: "3"}))
}

func TestNewDeadLetter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	dl := events.NewDeadLetter([]byte(`{"reference":"acme/api#7"}`), "acme/api#7", 3,
		events.DLQFailureTransient, errors.New("github unavailable"), now)
	require.NotNil(t, dl)
	assert.JSONEq(t, `{"reference":"acme/api#7"}`, string(dl.Payload))
	assert.Empty(t, dl.RawPayload)
	assert.Equal(t, "github unavailable", dl.Reason)
	assert.Equal(t, now.Add(28*24*time.Hour), dl.ExpiresAt)
	assert.False(t, dl.ManualReviewRequired)

	raw := events.NewDeadLetter([]byte(`{broken`), "", 0, events.DLQFailureValidation, nil, now)
	assert.Nil(t, raw.Payload)
	assert.Equal(t, `{broken`, raw.RawPayload)
	assert.True(t, raw.ManualReviewRequired)
}
