package notify

import (
	"context"
	"fmt"
)

// QueuePublisher publishes to a named queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, payload any, headers ...map[string]string) error
}

// QueueSink publishes the decision to a queue for downstream consumers.
type QueueSink struct {
	publisher QueuePublisher
	queueName string
}

// NewQueueSink creates a queue sink.
func NewQueueSink(publisher QueuePublisher, queueName string) *QueueSink {
	return &QueueSink{publisher: publisher, queueName: queueName}
}

// Name implements Sink.
func (s *QueueSink) Name() string {
	return "queue"
}

// Publish implements Sink.
func (s *QueueSink) Publish(ctx context.Context, channel string, msg Message) error {
	if s.publisher == nil || s.queueName == "" {
		return ErrNotConfigured
	}

	headers := map[string]string{
		"channel": channel,
		"level":   string(msg.Level),
	}
	if d := msg.Decision; d != nil {
		headers["run_id"] = d.RunID.String()
		headers["reference"] = d.Reference
		headers["verdict"] = string(d.Verdict)
	}

	if err := s.publisher.Publish(ctx, s.queueName, msg.Decision, headers); err != nil {
		return fmt.Errorf("publish decision to %s: %w", s.queueName, err)
	}
	return nil
}
