package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// GuardedProvider rate limits calls to another provider and stops calling it
// while it keeps failing, so callers fall back without waiting on a dead backend.
type GuardedProvider struct {
	next    ReasoningProvider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
	timeout time.Duration
}

// NewGuardedProvider wraps next with the limits from cfg.
func NewGuardedProvider(next ReasoningProvider, cfg Config) *GuardedProvider {
	cfg = cfg.withDefaults()
	failures := cfg.BreakerFailures

	return &GuardedProvider{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        string(next.Provider()),
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				util.Log(context.Background()).Warn("reasoning provider circuit changed state",
					"provider", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// Provider implements ReasoningProvider.
func (g *GuardedProvider) Provider() Provider {
	return g.next.Provider()
}

// Complete implements ReasoningProvider. The timeout covers waiting for the
// rate limiter as well as the call itself.
func (g *GuardedProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.limiter.Wait(callCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %w: %w", ErrProvider, ErrRateLimited, err)
	}

	text, err := g.breaker.Execute(func() (string, error) {
		return g.next.Complete(callCtx, prompt, timeout)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %w", ErrProvider, ErrCircuitOpen)
		}
		return "", classifyError(callCtx, err)
	}
	return text, nil
}

// State reports the circuit breaker state.
func (g *GuardedProvider) State() string {
	return g.breaker.State().String()
}
