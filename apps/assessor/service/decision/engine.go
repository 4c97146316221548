// Package decision maps an aggregated risk assessment to a Go/No-Go verdict.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/risk"
	"github.com/antinvestor/releasegate/internal/events"
)

// ErrInvalidThresholds is returned when the decision bands do not form 0 <= approve <= reject <= 100.
var ErrInvalidThresholds = errors.New("decision thresholds must satisfy 0 <= approve <= reject <= 100")

// Stage is a state of the decision state machine.
type Stage string

const (
	StageSummarize    Stage = "summarize"
	StageValidate     Stage = "validate"
	StageDecide       Stage = "decide"
	StageQualityCheck Stage = "quality_check"
	StageComplete     Stage = "complete"
)

// InconsistentDecisionError describes a decision that failed the quality check.
type InconsistentDecisionError struct {
	Reason string
}

func (e *InconsistentDecisionError) Error() string {
	return "inconsistent decision: " + e.Reason
}

// Config holds the decision thresholds and lookups.
type Config struct {
	// ApproveThreshold: scores strictly below approve.
	ApproveThreshold int

	// RejectThreshold: scores at or above reject.
	RejectThreshold int

	// EscalationConfidence escalates when the lowest step confidence falls below it.
	EscalationConfidence float64

	// MaxSensitiveModules escalates when more sensitive modules are touched.
	MaxSensitiveModules int

	// QualityCheck enables the post-decision consistency check.
	QualityCheck bool

	// QualityFloor is the lowest composite confidence the quality check accepts.
	QualityFloor float64

	// MaxQualityRetries bounds how often a failed quality check restarts the evaluation.
	MaxQualityRetries int

	// UnavailablePenalty is the error-category contribution added per step that produced nothing.
	UnavailablePenalty float64

	// RequiredActions maps a risk category to the condition attached to conditional verdicts.
	RequiredActions map[events.RiskCategory]string
}

// DefaultConfig returns the standard thresholds: approve below 30, reject at 50 or above.
func DefaultConfig() Config {
	return Config{
		ApproveThreshold:     30,
		RejectThreshold:      50,
		EscalationConfidence: 0.5,
		MaxSensitiveModules:  3,
		QualityCheck:         true,
		QualityFloor:         0.3,
		MaxQualityRetries:    1,
		UnavailablePenalty:   10,
		RequiredActions:      DefaultRequiredActions(),
	}
}

// DefaultRequiredActions returns the category to required-action lookup.
func DefaultRequiredActions() map[events.RiskCategory]string {
	return map[events.RiskCategory]string{
		events.RiskCategoryTesting:      "Add or update tests covering the changed code",
		events.RiskCategorySecurity:     "Obtain security team review",
		events.RiskCategoryArchitecture: "Obtain architecture review from a code owner",
		events.RiskCategoryCompliance:   "Resolve compliance findings (changelog, licence headers, rollback plan)",
		events.RiskCategoryComplexity:   "Split the change or add a reviewer familiar with the area",
		events.RiskCategoryDependency:   "Review new or upgraded dependencies and their licences",
		events.RiskCategoryError:        "Re-run the assessment once the failing analysis steps recover",
	}
}

// Input is everything the engine needs about a completed run.
type Input struct {
	RunID     events.RunID
	ChangeSet events.ChangeSet
	Outputs   []events.AgentOutput

	// SensitiveModules are the sensitive modules the change touches.
	SensitiveModules []string

	// RunErrors is the orchestrator's error log.
	RunErrors []string
}

// Engine runs the Summarize, Validate, Decide and QualityCheck states.
type Engine struct {
	cfg        Config
	aggregator *risk.Aggregator
	now        func() time.Time
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config, aggregator *risk.Aggregator) (*Engine, error) {
	if cfg.ApproveThreshold < risk.MinScore || cfg.RejectThreshold > risk.MaxScore ||
		cfg.ApproveThreshold > cfg.RejectThreshold {
		return nil, fmt.Errorf("%w: approve=%d reject=%d", ErrInvalidThresholds, cfg.ApproveThreshold, cfg.RejectThreshold)
	}
	if cfg.RequiredActions == nil {
		cfg.RequiredActions = DefaultRequiredActions()
	}
	if aggregator == nil {
		aggregator = risk.NewAggregator(risk.Config{Rules: risk.DefaultRules()})
	}
	return &Engine{cfg: cfg, aggregator: aggregator, now: time.Now}, nil
}

// evaluation carries the state machine's working data for one Decide call.
type evaluation struct {
	stage      Stage
	attempt    int
	assessment risk.Assessment
	confidence float64
	notes      []string
	decision   *events.Decision
}

// Decide runs the state machine to completion.
func (e *Engine) Decide(ctx context.Context, in Input) (*events.Decision, error) {
	log := util.Log(ctx)

	ev := &evaluation{stage: StageSummarize}
	for ev.stage != StageComplete {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch ev.stage {
		case StageSummarize:
			e.summarize(in, ev)
			ev.stage = StageValidate
		case StageValidate:
			e.validate(ev)
			ev.stage = StageDecide
		case StageDecide:
			e.decide(in, ev)
			ev.stage = StageComplete
			if e.cfg.QualityCheck {
				ev.stage = StageQualityCheck
			}
		case StageQualityCheck:
			issue := e.qualityCheck(ev)
			switch {
			case issue == nil:
				ev.stage = StageComplete
			case ev.attempt < e.cfg.MaxQualityRetries:
				ev.attempt++
				log.Debug("quality check failed, re-evaluating",
					"run_id", in.RunID.String(),
					"attempt", ev.attempt,
					"reason", issue.Reason,
				)
				ev.stage = StageSummarize
			default:
				ev.decision.Rationale = append(ev.decision.Rationale, "Quality check: "+issue.Error())
				ev.stage = StageComplete
			}
		default:
			return nil, fmt.Errorf("unknown decision stage %q", ev.stage)
		}
	}

	ev.decision.RetriesUsed = ev.attempt

	log.Info("decision made",
		"run_id", in.RunID.String(),
		"reference", in.ChangeSet.Reference,
		"verdict", ev.decision.Verdict,
		"score", ev.decision.Score,
		"escalate", ev.decision.Escalate,
		"retries", ev.attempt,
	)

	return ev.decision, nil
}

func (e *Engine) summarize(in Input, ev *evaluation) {
	var factors []events.RiskFactor
	confidence := math.Inf(1)
	produced := 0

	for _, out := range in.Outputs {
		if !out.Produced() {
			if e.cfg.UnavailablePenalty > 0 {
				factors = append(factors, events.RiskFactor{
					Category:     events.RiskCategoryError,
					Description:  fmt.Sprintf("step %s produced no result", out.Step),
					Contribution: e.cfg.UnavailablePenalty,
					Source:       out.Step,
				})
			}
			continue
		}
		produced++
		confidence = math.Min(confidence, out.Confidence)
		for _, f := range out.RiskFactors {
			if f.Source == "" {
				f.Source = out.Step
			}
			factors = append(factors, f)
		}
	}

	if produced == 0 {
		confidence = 0
	}

	ev.assessment = e.aggregator.Aggregate(factors)
	ev.confidence = confidence
	ev.notes = nil
}

func (e *Engine) validate(ev *evaluation) {
	if ev.assessment.Score < risk.MinScore || ev.assessment.Score > risk.MaxScore {
		ev.notes = append(ev.notes, fmt.Sprintf("Score %d outside [0,100] was clamped", ev.assessment.Score))
		ev.assessment.Score = max(risk.MinScore, min(risk.MaxScore, ev.assessment.Score))
	}

	seen := make(map[events.RiskCategory]bool)
	for _, f := range ev.assessment.Factors {
		if !f.Category.IsKnown() && !seen[f.Category] {
			seen[f.Category] = true
			ev.notes = append(ev.notes, fmt.Sprintf("Unknown risk category %q reported by %s", f.Category, f.Source))
		}
	}
}

func (e *Engine) decide(in Input, ev *evaluation) {
	a := ev.assessment
	d := &events.Decision{
		RunID:      in.RunID,
		Reference:  in.ChangeSet.Reference,
		HeadSHA:    in.ChangeSet.HeadSHA,
		Score:      a.Score,
		Confidence: ev.confidence,
		Methods:    make(map[string]events.AnalysisMethod, len(in.Outputs)),
		Factors:    a.Factors,
		DecidedAt:  e.now().UTC(),
	}
	for _, out := range in.Outputs {
		d.Methods[out.Step] = out.Method
	}

	switch {
	case a.Overridden():
		d.Verdict = events.VerdictReject
	case a.Score < e.cfg.ApproveThreshold:
		d.Verdict = events.VerdictApprove
	case a.Score < e.cfg.RejectThreshold:
		d.Verdict = events.VerdictConditional
		d.Conditions = e.conditions(a, ev.attempt)
	default:
		d.Verdict = events.VerdictReject
	}

	d.EscalationReasons = e.escalationReasons(in, ev)
	d.Escalate = len(d.EscalationReasons) > 0
	d.Rationale = e.rationale(in, ev, d)

	ev.decision = d
}

// conditions looks up the required action for each contributing category in factor order.
// Re-evaluations after a failed quality check fall back to a generic sign-off for
// categories missing from the lookup.
func (e *Engine) conditions(a risk.Assessment, attempt int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range a.Factors {
		if f.Override || f.Contribution <= 0 {
			continue
		}
		action, ok := e.cfg.RequiredActions[f.Category]
		if !ok {
			if attempt == 0 {
				continue
			}
			action = fmt.Sprintf("Obtain reviewer sign-off on %s risk", f.Category)
		}
		if !seen[action] {
			seen[action] = true
			out = append(out, action)
		}
	}
	return out
}

func (e *Engine) escalationReasons(in Input, ev *evaluation) []string {
	var reasons []string
	for _, f := range ev.assessment.Overrides {
		reasons = append(reasons, "override: "+f.Description)
	}
	if ev.confidence < e.cfg.EscalationConfidence {
		reasons = append(reasons, fmt.Sprintf("lowest step confidence %.2f is below %.2f", ev.confidence, e.cfg.EscalationConfidence))
	}
	if len(in.SensitiveModules) > e.cfg.MaxSensitiveModules {
		reasons = append(reasons, fmt.Sprintf("%d sensitive modules touched (limit %d)", len(in.SensitiveModules), e.cfg.MaxSensitiveModules))
	}
	return reasons
}

func (e *Engine) rationale(in Input, ev *evaluation, d *events.Decision) []string {
	a := ev.assessment
	lines := []string{
		fmt.Sprintf("Composite risk score %d: %s (approve below %d, reject at %d or above)",
			a.Score, d.Verdict, e.cfg.ApproveThreshold, e.cfg.RejectThreshold),
	}

	for _, f := range a.Overrides {
		lines = append(lines, fmt.Sprintf("Override from %s: %s", f.Source, f.Description))
	}
	for _, f := range a.Factors {
		if f.Override || f.Contribution == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s [%s]", f.String(), f.Source))
	}
	for _, rule := range a.Amplifications {
		lines = append(lines, fmt.Sprintf("Compounding risk: %s (+%g)", rule.Name, rule.Bonus))
	}
	lines = append(lines, ev.notes...)

	for _, out := range in.Outputs {
		switch {
		case out.Method == events.MethodUnavailable:
			lines = append(lines, fmt.Sprintf("Step %s unavailable", out.Step))
		case out.FailureReason != events.FailureNone:
			lines = append(lines, fmt.Sprintf("Step %s used %s analysis (%s)", out.Step, out.Method, out.FailureReason))
		case out.Method == events.MethodPrimaryDegraded:
			lines = append(lines, fmt.Sprintf("Step %s used %s analysis", out.Step, out.Method))
		}
	}
	for _, runErr := range in.RunErrors {
		lines = append(lines, "Run error: "+runErr)
	}
	for _, reason := range d.EscalationReasons {
		lines = append(lines, "Escalated: "+reason)
	}
	return lines
}

func (e *Engine) qualityCheck(ev *evaluation) *InconsistentDecisionError {
	d := ev.decision
	switch {
	case d.Score >= e.cfg.RejectThreshold && d.Verdict != events.VerdictReject:
		return &InconsistentDecisionError{Reason: fmt.Sprintf("score %d is in the reject band but verdict is %s", d.Score, d.Verdict)}
	case ev.assessment.Overridden() && d.Verdict != events.VerdictReject:
		return &InconsistentDecisionError{Reason: "override present but verdict is " + string(d.Verdict)}
	case d.Verdict == events.VerdictConditional && len(d.Conditions) == 0:
		return &InconsistentDecisionError{Reason: "conditional verdict without conditions"}
	case ev.confidence < e.cfg.QualityFloor:
		return &InconsistentDecisionError{Reason: fmt.Sprintf("composite confidence %.2f below quality floor %.2f", ev.confidence, e.cfg.QualityFloor)}
	}
	return nil
}
