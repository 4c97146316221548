// Package router arbitrates, per analysis step, between the reasoning provider
// and the step's deterministic analysis.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/metrics"
	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/llm"
)

// Mode selects how a step's analysis is produced.
type Mode string

const (
	// ModePrimaryFirst uses the reasoning provider and runs the deterministic
	// analysis only when the primary result is unusable.
	ModePrimaryFirst Mode = "primary-first"

	// ModeBlended runs both paths concurrently and blends them when the primary succeeds.
	ModeBlended Mode = "blended"

	// ModeFallbackOnly never calls the reasoning provider.
	ModeFallbackOnly Mode = "fallback-only"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePrimaryFirst, ModeBlended, ModeFallbackOnly:
		return true
	}
	return false
}

// Configuration errors.
var (
	ErrInvalidMode      = errors.New("invalid analysis mode")
	ErrInvalidWeights   = errors.New("blend weights must be positive")
	ErrInvalidThreshold = errors.New("quality threshold must be within [0,1]")
)

// MalformedOutputError is returned when a reasoning response cannot be used as a finding.
type MalformedOutputError struct {
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return "malformed reasoning output: " + e.Reason
}

// LowConfidenceError is returned when a parsed reasoning response is below the quality threshold.
type LowConfidenceError struct {
	Confidence float64
	Threshold  float64
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("reasoning confidence %.2f below threshold %.2f", e.Confidence, e.Threshold)
}

// Weights are the per-method weights used when blending confidences.
type Weights struct {
	Primary         float64 `yaml:"primary"`
	PrimaryDegraded float64 `yaml:"primary_degraded"`
	Fallback        float64 `yaml:"fallback"`
}

// DefaultWeights returns the standard blend weights.
func DefaultWeights() Weights {
	return Weights{Primary: 1.0, PrimaryDegraded: 0.8, Fallback: 0.6}
}

// Config configures the router.
type Config struct {
	DefaultMode      Mode
	Modes            map[string]Mode
	QualityThreshold float64
	ProviderTimeout  time.Duration
	Weights          Weights
}

// DefaultConfig runs security blended so its deterministic secret scan always
// contributes, and everything else primary-first.
func DefaultConfig() Config {
	return Config{
		DefaultMode: ModePrimaryFirst,
		Modes: map[string]Mode{
			analysis.StepSecurity: ModeBlended,
		},
		QualityThreshold: 0.6,
		ProviderTimeout:  20 * time.Second,
		Weights:          DefaultWeights(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.DefaultMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.DefaultMode)
	}
	for step, m := range c.Modes {
		if !m.Valid() {
			return fmt.Errorf("%w: %q for step %s", ErrInvalidMode, m, step)
		}
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return ErrInvalidThreshold
	}
	w := c.Weights
	if w.Primary <= 0 || w.PrimaryDegraded <= 0 || w.Fallback <= 0 {
		return ErrInvalidWeights
	}
	return nil
}

// PrimaryResult is the outcome of the reasoning path.
type PrimaryResult struct {
	// Attempted is false when the provider was never called.
	Attempted bool
	Finding   analysis.Finding
	// Extracted is set when the finding was recovered from JSON embedded in free text.
	Extracted bool
	Reason    events.FailureReason
	Err       error
}

// Usable reports whether the primary finding may be used.
func (p PrimaryResult) Usable() bool {
	return p.Attempted && p.Err == nil && p.Reason == events.FailureNone
}

// FallbackResult is the outcome of the deterministic path.
type FallbackResult struct {
	Finding analysis.Finding
	Err     error
}

// Router produces one normalized output per step.
type Router struct {
	provider llm.ReasoningProvider
	cfg      Config
	metrics  *metrics.Metrics
}

// New creates a router. A nil provider makes every step fallback-only.
func New(provider llm.ReasoningProvider, cfg Config, m *metrics.Metrics) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{provider: provider, cfg: cfg, metrics: m}, nil
}

// ModeFor returns the mode configured for step.
func (r *Router) ModeFor(step string) Mode {
	if m, ok := r.cfg.Modes[step]; ok {
		return m
	}
	return r.cfg.DefaultMode
}

// Route runs the step and returns its output. The returned error is non-nil
// only when neither path produced a usable result; the output is then the
// unavailable sentinel.
func (r *Router) Route(
	ctx context.Context,
	step analysis.Step,
	snap analysis.Snapshot,
	cp *analysis.Checkpoint,
) (events.AgentOutput, error) {
	log := util.Log(ctx)
	meta := step.Metadata()
	start := time.Now()

	mode := r.ModeFor(meta.Name)
	prompt := ""
	if mode != ModeFallbackOnly && r.provider != nil {
		prompt = step.Prompt(snap)
	}
	if prompt == "" {
		mode = ModeFallbackOnly
	}

	var primary PrimaryResult
	var fallback FallbackResult

	switch mode {
	case ModeBlended:
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			fallback = r.runFallback(ctx, step, snap, cp)
		}()
		primary = r.runPrimary(ctx, prompt)
		wg.Wait()
	case ModePrimaryFirst:
		primary = r.runPrimary(ctx, prompt)
		if !primary.Usable() {
			fallback = r.runFallback(ctx, step, snap, cp)
		}
	default:
		fallback = r.runFallback(ctx, step, snap, cp)
	}

	out, err := Select(mode, r.cfg.Weights, primary, fallback)
	out.Step = meta.Name
	out.Duration = time.Since(start)
	for i := range out.RiskFactors {
		if out.RiskFactors[i].Source == "" {
			out.RiskFactors[i].Source = meta.Name
		}
	}
	r.metrics.RecordRoute(meta.Name, out.Method, out.FailureReason)

	if primary.Attempted && !primary.Usable() {
		log.WithError(primary.Err).Info("primary analysis abandoned",
			"step", meta.Name,
			"reason", string(primary.Reason),
		)
	}
	if err != nil {
		return out, fmt.Errorf("step %s: %w", meta.Name, err)
	}

	log.Debug("step routed",
		"step", meta.Name,
		"mode", string(mode),
		"method", string(out.Method),
		"confidence", out.Confidence,
		"duration", out.Duration,
	)
	return out, nil
}

// fallbackReserve is the share of a step's remaining time the primary call
// leaves for the deterministic analysis.
const fallbackReserve = 0.25

// providerTimeout bounds the primary call by the provider timeout and by the
// step deadline, less the fallback reserve.
func (r *Router) providerTimeout(ctx context.Context) time.Duration {
	timeout := r.cfg.ProviderTimeout
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	budget := remaining - time.Duration(float64(remaining)*fallbackReserve)
	if timeout <= 0 || budget < timeout {
		timeout = budget
	}
	return timeout
}

func (r *Router) runPrimary(ctx context.Context, prompt string) PrimaryResult {
	timeout := r.providerTimeout(ctx)
	if timeout <= 0 {
		return PrimaryResult{Attempted: true, Reason: events.FailureTimeout, Err: llm.ErrTimeout}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := r.provider.Complete(callCtx, prompt, timeout)
	if err != nil {
		reason := events.FailureProviderError
		if errors.Is(err, llm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = events.FailureTimeout
		}
		return PrimaryResult{Attempted: true, Reason: reason, Err: err}
	}

	finding, extracted, err := ParseFinding(text)
	if err != nil {
		return PrimaryResult{Attempted: true, Reason: events.FailureMalformed, Err: err}
	}
	if finding.Confidence < r.cfg.QualityThreshold {
		return PrimaryResult{
			Attempted: true,
			Finding:   finding,
			Extracted: extracted,
			Reason:    events.FailureLowConfidence,
			Err:       &LowConfidenceError{Confidence: finding.Confidence, Threshold: r.cfg.QualityThreshold},
		}
	}
	return PrimaryResult{Attempted: true, Finding: finding, Extracted: extracted}
}

func (r *Router) runFallback(
	ctx context.Context,
	step analysis.Step,
	snap analysis.Snapshot,
	cp *analysis.Checkpoint,
) FallbackResult {
	finding, err := step.Analyze(ctx, snap)
	if err != nil {
		return FallbackResult{Err: fmt.Errorf("fallback analysis: %w", err)}
	}
	out := outputFrom(finding, events.MethodFallback)
	out.Step = step.Metadata().Name
	cp.Offer(out)
	return FallbackResult{Finding: finding}
}

// Select picks the output from the two path results. It never calls either path.
func Select(mode Mode, w Weights, primary PrimaryResult, fallback FallbackResult) (events.AgentOutput, error) {
	if primary.Usable() {
		if mode == ModeBlended && fallback.Err == nil {
			return blend(w, primary, fallback), nil
		}
		method := events.MethodPrimary
		if primary.Extracted {
			method = events.MethodPrimaryDegraded
		}
		out := outputFrom(primary.Finding, method)
		if fallback.Err != nil {
			out.Errors = append(out.Errors, fallback.Err.Error())
		}
		return out, nil
	}

	if fallback.Err != nil {
		out := events.UnavailableOutput("", fallback.Err)
		out.FailureReason = primary.Reason
		if primary.Err != nil {
			out.Errors = append([]string{"primary: " + primary.Err.Error()}, out.Errors...)
		}
		return out, fallback.Err
	}

	out := outputFrom(fallback.Finding, events.MethodFallback)
	out.FailureReason = primary.Reason
	if primary.Err != nil {
		out.Errors = append(out.Errors, "primary: "+primary.Err.Error())
	}
	return out, nil
}

// BlendConfidence is the weighted average of the two confidences.
func BlendConfidence(primaryWeight, primaryConfidence, fallbackWeight, fallbackConfidence float64) float64 {
	return (primaryWeight*primaryConfidence + fallbackWeight*fallbackConfidence) / (primaryWeight + fallbackWeight)
}

func blend(w Weights, primary PrimaryResult, fallback FallbackResult) events.AgentOutput {
	pw := w.Primary
	if primary.Extracted {
		pw = w.PrimaryDegraded
	}

	out := outputFrom(primary.Finding, events.MethodPrimaryDegraded)
	out.Confidence = BlendConfidence(pw, primary.Finding.Confidence, w.Fallback, fallback.Finding.Confidence)
	out.RiskFactors = mergeFactors(primary.Finding.RiskFactors, fallback.Finding.RiskFactors)
	out.Result["fallback_summary"] = fallback.Finding.Summary
	if len(fallback.Finding.Details) > 0 {
		out.Result["fallback"] = fallback.Finding.Details
	}
	return out
}

// mergeFactors keeps every primary factor, adds fallback factors for categories
// the primary did not report, and always keeps fallback overrides.
func mergeFactors(primary, fallback []events.RiskFactor) []events.RiskFactor {
	merged := slices.Clone(primary)
	reported := make(map[events.RiskCategory]bool, len(primary))
	for _, f := range primary {
		reported[f.Category] = true
	}
	for _, f := range fallback {
		if reported[f.Category] && !f.Override {
			continue
		}
		if f.Override && slices.ContainsFunc(merged, func(m events.RiskFactor) bool {
			return m.Override && m.Category == f.Category && m.Description == f.Description
		}) {
			continue
		}
		merged = append(merged, f)
	}
	return merged
}

func outputFrom(f analysis.Finding, method events.AnalysisMethod) events.AgentOutput {
	result := make(map[string]any, len(f.Details)+1)
	maps.Copy(result, f.Details)
	result["summary"] = f.Summary

	return events.AgentOutput{
		Result:      result,
		Confidence:  f.Confidence,
		Method:      method,
		RiskFactors: slices.Clone(f.RiskFactors),
	}
}

// rawFinding distinguishes a missing confidence from a zero one.
type rawFinding struct {
	Confidence  *float64            `json:"confidence"`
	Summary     string              `json:"summary"`
	RiskFactors []events.RiskFactor `json:"risk_factors"`
	Details     map[string]any      `json:"details"`
}

// ParseFinding decodes a reasoning response. When the whole text is not a
// valid finding it looks for one embedded in the text and reports extracted.
func ParseFinding(text string) (analysis.Finding, bool, error) {
	trimmed := strings.TrimSpace(text)
	finding, err := decodeFinding(trimmed)
	if err == nil {
		return finding, false, nil
	}

	for _, candidate := range embeddedJSON(trimmed) {
		if candidate == trimmed {
			continue
		}
		if f, cerr := decodeFinding(candidate); cerr == nil {
			return f, true, nil
		}
	}
	return analysis.Finding{}, false, err
}

func decodeFinding(s string) (analysis.Finding, error) {
	if s == "" {
		return analysis.Finding{}, &MalformedOutputError{Reason: "empty response"}
	}

	var raw rawFinding
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return analysis.Finding{}, &MalformedOutputError{Reason: err.Error()}
	}

	switch {
	case raw.Confidence == nil:
		return analysis.Finding{}, &MalformedOutputError{Reason: "missing confidence"}
	case *raw.Confidence < 0 || *raw.Confidence > 1:
		return analysis.Finding{}, &MalformedOutputError{Reason: fmt.Sprintf("confidence %g outside [0,1]", *raw.Confidence)}
	case strings.TrimSpace(raw.Summary) == "":
		return analysis.Finding{}, &MalformedOutputError{Reason: "missing summary"}
	}
	for i, f := range raw.RiskFactors {
		if f.Category == "" {
			return analysis.Finding{}, &MalformedOutputError{Reason: fmt.Sprintf("risk factor %d has no category", i)}
		}
		if f.Contribution < 0 || f.Contribution > 100 {
			return analysis.Finding{}, &MalformedOutputError{
				Reason: fmt.Sprintf("risk factor %d contribution %g outside [0,100]", i, f.Contribution),
			}
		}
	}

	return analysis.Finding{
		Confidence:  *raw.Confidence,
		Summary:     raw.Summary,
		RiskFactors: raw.RiskFactors,
		Details:     raw.Details,
	}, nil
}
