package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/decision"
	"github.com/antinvestor/releasegate/apps/assessor/service/risk"
	"github.com/antinvestor/releasegate/apps/assessor/service/router"
	"github.com/antinvestor/releasegate/apps/assessor/service/workflow"
	"github.com/antinvestor/releasegate/internal/events"
)

// ErrInvalidPolicy is returned for policies that cannot configure the assessor.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is the structured assessment policy. Environment settings provide
// the starting values; a policy file overrides any field it names and adds
// to the maps.
type Policy struct {
	Decision DecisionPolicy `yaml:"decision"`
	Router   RouterPolicy   `yaml:"router"`
	Workflow WorkflowPolicy `yaml:"workflow"`
	Risk     RiskPolicy     `yaml:"risk"`
	Rules    analysis.Rules `yaml:"rules"`
}

// DecisionPolicy holds the decision bands and escalation settings.
type DecisionPolicy struct {
	ApproveThreshold     int                            `yaml:"approve_threshold"`
	RejectThreshold      int                            `yaml:"reject_threshold"`
	EscalationConfidence float64                        `yaml:"escalation_confidence"`
	MaxSensitiveModules  int                            `yaml:"max_sensitive_modules"`
	QualityCheck         bool                           `yaml:"quality_check"`
	QualityFloor         float64                        `yaml:"quality_floor"`
	MaxQualityRetries    int                            `yaml:"max_quality_retries"`
	UnavailablePenalty   float64                        `yaml:"unavailable_penalty"`
	RequiredActions      map[events.RiskCategory]string `yaml:"required_actions"`
}

// RouterPolicy holds the analysis modes and blend weights.
type RouterPolicy struct {
	DefaultMode      router.Mode            `yaml:"default_mode"`
	Modes            map[string]router.Mode `yaml:"modes"`
	QualityThreshold float64                `yaml:"quality_threshold"`
	ProviderTimeout  time.Duration          `yaml:"provider_timeout"`
	Weights          router.Weights         `yaml:"weights"`
}

// WorkflowPolicy holds step execution limits.
type WorkflowPolicy struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
	MaxParallel    int                      `yaml:"max_parallel"`
}

// RiskPolicy holds category weights and amplification rules.
type RiskPolicy struct {
	Weights map[events.RiskCategory]float64 `yaml:"weights"`
	Rules   []risk.AmplificationRule        `yaml:"rules"`
}

// GetPolicy returns the policy from the environment settings, refined by
// PolicyFile when set.
func (c *AssessorConfig) GetPolicy() (Policy, error) {
	p := c.basePolicy()
	if c.PolicyFile != "" {
		data, err := os.ReadFile(c.PolicyFile)
		if err != nil {
			return Policy{}, fmt.Errorf("read policy file: %w", err)
		}
		if err := p.Merge(data); err != nil {
			return Policy{}, fmt.Errorf("policy file %s: %w", c.PolicyFile, err)
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (c *AssessorConfig) basePolicy() Policy {
	dec := decision.DefaultConfig()
	rt := router.DefaultConfig()
	wf := workflow.DefaultConfig()

	p := Policy{
		Decision: DecisionPolicy{
			ApproveThreshold:     c.ApproveThreshold,
			RejectThreshold:      c.RejectThreshold,
			EscalationConfidence: c.EscalationConfidence,
			MaxSensitiveModules:  c.MaxSensitiveModules,
			QualityCheck:         dec.QualityCheck,
			QualityFloor:         dec.QualityFloor,
			MaxQualityRetries:    c.MaxQualityRetries,
			UnavailablePenalty:   dec.UnavailablePenalty,
			RequiredActions:      dec.RequiredActions,
		},
		Router: RouterPolicy{
			DefaultMode:      rt.DefaultMode,
			Modes:            rt.Modes,
			QualityThreshold: c.QualityThreshold,
			ProviderTimeout:  rt.ProviderTimeout,
			Weights:          rt.Weights,
		},
		Workflow: WorkflowPolicy{
			DefaultTimeout: wf.DefaultTimeout,
			Timeouts:       map[string]time.Duration{},
			MaxParallel:    wf.MaxParallel,
		},
		Risk: RiskPolicy{
			Weights: map[events.RiskCategory]float64{},
			Rules:   risk.DefaultRules(),
		},
		Rules: analysis.DefaultRules(),
	}
	if c.StepTimeoutSeconds > 0 {
		p.Workflow.DefaultTimeout = time.Duration(c.StepTimeoutSeconds) * time.Second
	}
	if c.MaxParallelSteps > 0 {
		p.Workflow.MaxParallel = c.MaxParallelSteps
	}
	if c.ReasoningTimeoutSeconds > 0 {
		p.Router.ProviderTimeout = time.Duration(c.ReasoningTimeoutSeconds) * time.Second
	}
	return p
}

// Merge applies a YAML policy document on top of p.
func (p *Policy) Merge(data []byte) error {
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return nil
}

// Validate checks the policy against every component it configures.
func (p Policy) Validate() error {
	if err := p.RouterConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	d := p.Decision
	if d.ApproveThreshold < risk.MinScore || d.RejectThreshold > risk.MaxScore || d.ApproveThreshold > d.RejectThreshold {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, decision.ErrInvalidThresholds)
	}
	for category, w := range p.Risk.Weights {
		if w < 0 {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidPolicy, category)
		}
	}
	// A primary call that outlives its step leaves no time for the fallback.
	if p.Router.ProviderTimeout >= p.Workflow.DefaultTimeout {
		return fmt.Errorf("%w: provider timeout %s must be below the step timeout %s",
			ErrInvalidPolicy, p.Router.ProviderTimeout, p.Workflow.DefaultTimeout)
	}
	for step, timeout := range p.Workflow.Timeouts {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout for step %s must be positive", ErrInvalidPolicy, step)
		}
		if timeout <= p.Router.ProviderTimeout {
			return fmt.Errorf("%w: timeout %s for step %s must exceed the provider timeout %s",
				ErrInvalidPolicy, timeout, step, p.Router.ProviderTimeout)
		}
	}
	return nil
}

// DecisionConfig returns the decision engine configuration.
func (p Policy) DecisionConfig() decision.Config {
	d := p.Decision
	return decision.Config{
		ApproveThreshold:     d.ApproveThreshold,
		RejectThreshold:      d.RejectThreshold,
		EscalationConfidence: d.EscalationConfidence,
		MaxSensitiveModules:  d.MaxSensitiveModules,
		QualityCheck:         d.QualityCheck,
		QualityFloor:         d.QualityFloor,
		MaxQualityRetries:    d.MaxQualityRetries,
		UnavailablePenalty:   d.UnavailablePenalty,
		RequiredActions:      maps.Clone(d.RequiredActions),
	}
}

// RouterConfig returns the analysis router configuration.
func (p Policy) RouterConfig() router.Config {
	r := p.Router
	return router.Config{
		DefaultMode:      r.DefaultMode,
		Modes:            maps.Clone(r.Modes),
		QualityThreshold: r.QualityThreshold,
		ProviderTimeout:  r.ProviderTimeout,
		Weights:          r.Weights,
	}
}

// WorkflowConfig returns the orchestrator configuration.
func (p Policy) WorkflowConfig() workflow.Config {
	return workflow.Config{
		DefaultTimeout: p.Workflow.DefaultTimeout,
		Timeouts:       maps.Clone(p.Workflow.Timeouts),
		MaxParallel:    p.Workflow.MaxParallel,
	}
}

// RiskConfig returns the aggregator configuration.
func (p Policy) RiskConfig() risk.Config {
	return risk.Config{
		Weights: maps.Clone(p.Risk.Weights),
		Rules:   append([]risk.AmplificationRule(nil), p.Risk.Rules...),
	}
}
