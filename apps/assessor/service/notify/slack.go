package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackSink creates a Slack sink.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: slackTimeout},
	}
}

// Name implements Sink.
func (s *SlackSink) Name() string {
	return "slack"
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Publish implements Sink.
func (s *SlackSink) Publish(ctx context.Context, channel string, msg Message) error {
	if s.webhookURL == "" {
		return ErrNotConfigured
	}

	payload := slackMessage{
		Channel: channel,
		Text:    msg.Title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: levelTag(msg.Level) + " " + msg.Title}},
		},
	}
	if msg.Text != "" {
		payload.Blocks = append(payload.Blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: msg.Text},
		})
	}
	if d := msg.Decision; d != nil {
		payload.Blocks = append(payload.Blocks, slackBlock{
			Type: "context",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("_Run %s, confidence %.2f_", d.RunID.Short(), d.Confidence)},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func levelTag(level Level) string {
	switch level {
	case LevelSuccess:
		return "[GO]"
	case LevelError:
		return "[NO-GO]"
	case LevelWarning:
		return "[CONDITIONAL]"
	default:
		return "[INFO]"
	}
}
