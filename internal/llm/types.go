package llm

import "time"

// Provider identifies a reasoning backend.
type Provider string

// Provider constants.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderNone      Provider = "none"
)

// Model identifies a reasoning model.
type Model string

// Anthropic models.
const (
	ModelClaudeSonnet Model = "claude-sonnet-4-20250514"
	ModelClaudeHaiku  Model = "claude-3-5-haiku-20241022"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxOutputTokens = 4096
	defaultRatePerSecond   = 2.0
	defaultBurst           = 4
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 60 * time.Second
)

// Config contains reasoning provider configuration.
type Config struct {
	Provider Provider
	APIKey   string
	Model    Model

	// BaseURL overrides the provider endpoint, mostly for tests.
	BaseURL string

	// Timeout bounds a call when the caller passes no timeout of its own.
	Timeout time.Duration

	MaxOutputTokens int
	Temperature     float64

	// MaxRetries is handed to the SDK for transient failures within one call.
	MaxRetries int

	// Rate limiting
	RatePerSecond float64
	Burst         int

	// Circuit breaker: consecutive failures before opening, and how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderAnthropic,
		Model:           ModelClaudeSonnet,
		Timeout:         defaultTimeout,
		MaxOutputTokens: defaultMaxOutputTokens,
		Temperature:     0.0,
		RatePerSecond:   defaultRatePerSecond,
		Burst:           defaultBurst,
		BreakerFailures: defaultBreakerFailures,
		BreakerCooldown: defaultBreakerCooldown,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	return c
}
