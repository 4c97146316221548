// Package llm provides the reasoning provider used for primary step analysis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNoAPIKey        = errors.New("no API key configured")
	ErrTimeout         = errors.New("reasoning provider timed out")
	ErrProvider        = errors.New("reasoning provider error")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("reasoning provider circuit open")
	ErrEmptyResponse   = errors.New("empty response from reasoning provider")
	ErrUnknownProvider = errors.New("unknown reasoning provider")
)

// ReasoningProvider answers a prompt with free text.
//
// Implementations return an error wrapping ErrTimeout when the call did not
// finish within timeout, and one wrapping ErrProvider for every other failure.
type ReasoningProvider interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)

	// Provider returns the backend identifier.
	Provider() Provider
}

// NewProvider builds the configured provider wrapped with rate limiting and a
// circuit breaker. It returns ErrNoAPIKey when the provider needs a key and none is set.
func NewProvider(cfg Config) (ReasoningProvider, error) {
	cfg = cfg.withDefaults()

	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		return NewGuardedProvider(NewAnthropicProvider(cfg), cfg), nil
	case ProviderNone:
		return nil, ErrNoAPIKey
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// classifyError maps a failed call onto ErrTimeout or ErrProvider.
func classifyError(callCtx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProvider) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProvider, err)
}
