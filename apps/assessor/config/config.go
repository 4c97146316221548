package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/llm"
)

// AssessorConfig defines configuration for the assessor service.
// The assessor receives assessment requests over HTTP or the request queue,
// runs the analysis steps and publishes the resulting decision.
type AssessorConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Assessment request queue (incoming)
	QueueAssessmentRequestName string `envDefault:"assessment.requests" env:"QUEUE_ASSESSMENT_REQUEST_NAME"`
	QueueAssessmentRequestURI  string `envDefault:"mem://assessment.requests" env:"QUEUE_ASSESSMENT_REQUEST_URI"`

	// Dead-letter queue for requests that cannot be assessed
	QueueAssessmentDLQName string `envDefault:"assessment.requests.dlq" env:"QUEUE_ASSESSMENT_DLQ_NAME"`
	QueueAssessmentDLQURI  string `envDefault:"mem://assessment.requests.dlq" env:"QUEUE_ASSESSMENT_DLQ_URI"`

	// Redelivery of transiently failed requests
	RequestMaxAttempts      int `envDefault:"3" env:"REQUEST_MAX_ATTEMPTS"`
	RequestRetryDelaySeconds int `envDefault:"2" env:"REQUEST_RETRY_DELAY_SECONDS"`

	// Decision queue (outgoing)
	QueueDecisionName string `envDefault:"assessment.decisions" env:"QUEUE_DECISION_NAME"`
	QueueDecisionURI  string `envDefault:"mem://assessment.decisions" env:"QUEUE_DECISION_URI"`

	// ==========================================================================
	// Reasoning Provider
	// ==========================================================================

	// ReasoningProvider selects the backend; "none" runs every step on its deterministic path.
	ReasoningProvider string `envDefault:"anthropic" env:"REASONING_PROVIDER"`

	// AnthropicAPIKey is the API key for Anthropic.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// ReasoningModel is the model used for primary analysis.
	ReasoningModel string `envDefault:"claude-sonnet-4-20250514" env:"REASONING_MODEL"`

	// ReasoningBaseURL overrides the provider endpoint.
	ReasoningBaseURL string `env:"REASONING_BASE_URL"`

	ReasoningTimeoutSeconds int     `envDefault:"20" env:"REASONING_TIMEOUT_SECONDS"`
	ReasoningMaxRetries     int     `envDefault:"2" env:"REASONING_MAX_RETRIES"`
	ReasoningRatePerSecond  float64 `envDefault:"2" env:"REASONING_RATE_PER_SECOND"`
	ReasoningBurst          int     `envDefault:"4" env:"REASONING_BURST"`

	// Circuit breaker around the provider.
	BreakerFailures        uint32 `envDefault:"5" env:"REASONING_BREAKER_FAILURES"`
	BreakerCooldownSeconds int    `envDefault:"60" env:"REASONING_BREAKER_COOLDOWN_SECONDS"`

	// ==========================================================================
	// Repository Provider
	// ==========================================================================

	// GitHubToken authenticates change set fetches; unauthenticated when empty.
	GitHubToken string `env:"GITHUB_TOKEN"`

	// GitHubBaseURL points at a GitHub Enterprise API, e.g. https://github.example.com/api/v3/.
	GitHubBaseURL string `env:"GITHUB_BASE_URL"`

	// ==========================================================================
	// Notifications
	// ==========================================================================

	SlackWebhookURL     string `env:"SLACK_WEBHOOK_URL"`
	NotificationChannel string `envDefault:"#releases" env:"NOTIFICATION_CHANNEL"`

	// ==========================================================================
	// Assessment De-duplication
	// ==========================================================================

	// AssessmentBackend is "memory" or "redis".
	AssessmentBackend  string `envDefault:"memory" env:"ASSESSMENT_BACKEND"`
	RedisURL           string `env:"REDIS_URL"`
	AssessmentTTLHours int    `envDefault:"24" env:"ASSESSMENT_TTL_HOURS"`

	// ==========================================================================
	// Decision Thresholds
	// ==========================================================================

	// Scores below ApproveThreshold approve; scores at or above RejectThreshold reject.
	ApproveThreshold int `envDefault:"30" env:"APPROVE_THRESHOLD"`
	RejectThreshold  int `envDefault:"50" env:"REJECT_THRESHOLD"`

	// QualityThreshold is the lowest primary confidence the router accepts.
	QualityThreshold float64 `envDefault:"0.6" env:"QUALITY_THRESHOLD"`

	EscalationConfidence float64 `envDefault:"0.5" env:"ESCALATION_CONFIDENCE"`
	MaxSensitiveModules  int     `envDefault:"3" env:"MAX_SENSITIVE_MODULES"`
	MaxQualityRetries    int     `envDefault:"1" env:"MAX_QUALITY_RETRIES"`

	// ==========================================================================
	// Execution
	// ==========================================================================

	StepTimeoutSeconds int `envDefault:"60" env:"STEP_TIMEOUT_SECONDS"`
	MaxParallelSteps   int `envDefault:"4" env:"MAX_PARALLEL_STEPS"`

	// PolicyFile is an optional YAML file refining the settings above.
	PolicyFile string `env:"POLICY_FILE"`

	// ==========================================================================
	// HTTP API
	// ==========================================================================

	// AuthEnabled requires a bearer token on the assessment API.
	AuthEnabled bool `envDefault:"false" env:"AUTH_ENABLED"`

	RateLimitRequestsPerMinute int `envDefault:"30" env:"RATE_LIMIT_REQUESTS_PER_MINUTE"`
	RateLimitBurstSize         int `envDefault:"5" env:"RATE_LIMIT_BURST_SIZE"`

	// MaxRequestSize bounds assessment request bodies, which may carry an inline change set.
	MaxRequestSize int64 `envDefault:"5242880" env:"MAX_REQUEST_SIZE"`
}

// GetLLMConfig returns the reasoning provider configuration.
func (c *AssessorConfig) GetLLMConfig() llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Provider = llm.Provider(c.ReasoningProvider)
	cfg.APIKey = c.AnthropicAPIKey
	cfg.BaseURL = c.ReasoningBaseURL
	cfg.MaxRetries = c.ReasoningMaxRetries
	if c.ReasoningModel != "" {
		cfg.Model = llm.Model(c.ReasoningModel)
	}
	if c.ReasoningTimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(c.ReasoningTimeoutSeconds) * time.Second
	}
	if c.ReasoningRatePerSecond > 0 {
		cfg.RatePerSecond = c.ReasoningRatePerSecond
	}
	if c.ReasoningBurst > 0 {
		cfg.Burst = c.ReasoningBurst
	}
	if c.BreakerFailures > 0 {
		cfg.BreakerFailures = c.BreakerFailures
	}
	if c.BreakerCooldownSeconds > 0 {
		cfg.BreakerCooldown = time.Duration(c.BreakerCooldownSeconds) * time.Second
	}
	return cfg
}

// GetRetryPolicy returns the redelivery policy for assessment requests.
func (c *AssessorConfig) GetRetryPolicy() events.RetryPolicy {
	p := events.DefaultRetryPolicy()
	if c.RequestMaxAttempts > 0 {
		p.MaxAttempts = c.RequestMaxAttempts
	}
	if c.RequestRetryDelaySeconds > 0 {
		p.InitialDelay = time.Duration(c.RequestRetryDelaySeconds) * time.Second
	}
	return p
}

// GetBackendConfig returns the assessment store configuration.
func (c *AssessorConfig) GetBackendConfig() events.BackendConfig {
	cfg := events.DefaultBackendConfig()
	cfg.AssessmentBackend = events.BackendType(c.AssessmentBackend)
	cfg.RedisURL = c.RedisURL
	if c.AssessmentTTLHours > 0 {
		cfg.AssessmentTTL = time.Duration(c.AssessmentTTLHours) * time.Hour
	}
	return cfg
}
