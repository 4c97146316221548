// Package notify delivers decisions to notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/metrics"
	"github.com/antinvestor/releasegate/internal/events"
)

// ErrNotConfigured is returned by sinks without a destination.
var ErrNotConfigured = errors.New("notification sink not configured")

// Level is the severity of a message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a rendered decision.
type Message struct {
	Title    string
	Text     string
	Level    Level
	Decision *events.Decision
}

// NewDecisionMessage renders d for delivery.
func NewDecisionMessage(d *events.Decision) Message {
	level := LevelSuccess
	switch d.Verdict {
	case events.VerdictConditional:
		level = LevelWarning
	case events.VerdictReject:
		level = LevelError
	}

	var b strings.Builder
	for _, line := range d.Rationale {
		b.WriteString("• ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(d.Conditions) > 0 {
		b.WriteString("\nConditions:\n")
		for _, c := range d.Conditions {
			fmt.Fprintf(&b, "• %s\n", c)
		}
	}

	return Message{
		Title:    d.Headline(),
		Text:     strings.TrimRight(b.String(), "\n"),
		Level:    level,
		Decision: d,
	}
}

// Sink delivers messages. Delivery is best effort: callers log failures and
// never change the decision because of them.
type Sink interface {
	Name() string
	Publish(ctx context.Context, channel string, msg Message) error
}

// MultiSink fans a message out to every sink.
type MultiSink struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(m *metrics.Metrics, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, metrics: m}
}

// Name implements Sink.
func (s *MultiSink) Name() string {
	return "multi"
}

// Publish implements Sink. Every sink is tried; the joined errors are returned.
func (s *MultiSink) Publish(ctx context.Context, channel string, msg Message) error {
	log := util.Log(ctx)

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, channel, msg); err != nil {
			s.metrics.RecordNotifyFailure(sink.Name())
			log.WithError(err).Warn("notification failed",
				"sink", sink.Name(),
				"channel", channel,
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
