package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/internal/events"
)

// Assessor runs assessments.
type Assessor interface {
	Assess(ctx context.Context, req events.AssessmentRequest) (*events.Decision, error)
}

// QueuePublisher publishes messages to named queues.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, payload any, headers ...map[string]string) error
}

// Redelivery routes failed requests back onto the request queue and,
// once retries are exhausted, onto a dead-letter queue.
type Redelivery struct {
	Publisher    QueuePublisher
	RequestQueue string
	DLQQueue     string
	Policy       events.RetryPolicy
}

// RequestHandler consumes assessment requests from a queue.
type RequestHandler struct {
	assessor   Assessor
	redelivery *Redelivery
	sleep      func(ctx context.Context, d time.Duration) error
}

// HandlerOption configures a RequestHandler.
type HandlerOption func(*RequestHandler)

// WithRedelivery retries transient failures and dead-letters the rest.
func WithRedelivery(r Redelivery) HandlerOption {
	return func(h *RequestHandler) {
		h.redelivery = &r
	}
}

// NewRequestHandler creates a queue handler for assessment requests.
func NewRequestHandler(assessor Assessor, opts ...HandlerOption) *RequestHandler {
	h := &RequestHandler{assessor: assessor, sleep: sleepContext}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one assessment request message. Requests that can never
// succeed are logged and acknowledged, or dead-lettered when redelivery is
// configured. Other failures are retried through the request queue when
// redelivery is configured and returned to the broker otherwise.
func (h *RequestHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	log := util.Log(ctx)
	attempt := events.RetryAttemptFromHeaders(headers)

	var req events.AssessmentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.WithError(err).Error("dropping malformed assessment request")
		return h.deadLetter(ctx, payload, "", attempt, events.DLQFailureValidation, err)
	}
	if req.Channel == "" {
		req.Channel = headers["channel"]
	}

	d, err := h.assessor.Assess(ctx, req)
	if err != nil {
		attempt++
		if IsPermanent(err) {
			log.WithError(err).Warn("assessment request rejected", "reference", req.Reference)
			return h.deadLetter(ctx, payload, req.Reference, attempt, events.DLQFailurePermanent, err)
		}
		return h.retry(ctx, headers, payload, req.Reference, attempt, err)
	}

	log.Info("assessment request handled",
		"reference", d.Reference,
		"run_id", d.RunID.String(),
		"verdict", d.Verdict,
		"attempt", attempt+1,
	)
	return nil
}

func (h *RequestHandler) retry(
	ctx context.Context,
	headers map[string]string,
	payload []byte,
	reference string,
	attempt int,
	cause error,
) error {
	if h.redelivery == nil {
		return fmt.Errorf("assess %s: %w", reference, cause)
	}
	log := util.Log(ctx).WithError(cause).WithField("reference", reference).WithField("attempt", attempt)

	policy := h.redelivery.Policy
	if !policy.ShouldRetry(attempt) {
		log.Warn("assessment retries exhausted")
		return h.deadLetter(ctx, payload, reference, attempt, events.DLQFailureTransient, cause)
	}

	if err := h.sleep(ctx, policy.Delay(attempt)); err != nil {
		return fmt.Errorf("assess %s: %w", reference, cause)
	}

	next := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		next[k] = v
	}
	next[events.HeaderRetryAttempt] = strconv.Itoa(attempt)

	if err := h.redelivery.Publisher.Publish(ctx, h.redelivery.RequestQueue, json.RawMessage(payload), next); err != nil {
		log.WithError(err).Error("failed to requeue assessment request")
		return fmt.Errorf("assess %s: %w", reference, cause)
	}
	log.Info("assessment request requeued")
	return nil
}

func (h *RequestHandler) deadLetter(
	ctx context.Context,
	payload []byte,
	reference string,
	attempt int,
	class events.DLQFailureClass,
	cause error,
) error {
	if h.redelivery == nil || h.redelivery.DLQQueue == "" {
		return nil
	}

	entry := events.NewDeadLetter(payload, reference, attempt, class, cause, time.Now())
	if err := h.redelivery.Publisher.Publish(ctx, h.redelivery.DLQQueue, entry); err != nil {
		return fmt.Errorf("dead-letter assessment request: %w", err)
	}
	util.Log(ctx).Info("assessment request dead-lettered",
		"reference", reference,
		"failure_class", class,
		"attempts", attempt,
	)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
