package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pitabwire/util"
)

const systemPrompt = "You are a release risk reviewer. Answer only with the JSON object requested."

// AnthropicProvider implements ReasoningProvider with Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
	config Config
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	cfg = cfg.withDefaults()

	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		config: cfg,
	}
}

// Provider implements ReasoningProvider.
func (p *AnthropicProvider) Provider() Provider {
	return ProviderAnthropic
}

// Complete implements ReasoningProvider.
func (p *AnthropicProvider) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	log := util.Log(ctx)

	if timeout <= 0 {
		timeout = p.config.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	message, err := p.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		MaxTokens: int64(p.config.MaxOutputTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(p.config.Temperature),
	})
	if err != nil {
		return "", classifyError(callCtx, describeAPIError(err))
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	log.Debug("reasoning call complete",
		"model", p.config.Model,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"stop_reason", message.StopReason,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if text.Len() == 0 {
		return "", fmt.Errorf("%w: %w", ErrProvider, ErrEmptyResponse)
	}
	return text.String(), nil
}

// describeAPIError tags rate limiting so callers can tell it apart in logs.
func describeAPIError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("API error (status %d): %w", apiErr.StatusCode, err)
}
