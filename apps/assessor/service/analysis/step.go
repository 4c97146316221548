// Package analysis defines the analysis steps run against a change request and
// the read-only view of run state they receive.
package analysis

import (
	"context"
	"maps"
	"sync"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// Step is one pluggable analysis. Every step has a deterministic path;
// steps that also support reasoning-based analysis return a non-empty prompt.
type Step interface {
	// Metadata describes the step to the registry.
	Metadata() plugin.Metadata

	// Prompt returns the reasoning prompt, or "" when the step is deterministic only.
	Prompt(snap Snapshot) string

	// Analyze runs the deterministic analysis.
	Analyze(ctx context.Context, snap Snapshot) (Finding, error)
}

// Finding is what either analysis path reports for a step.
type Finding struct {
	Confidence  float64             `json:"confidence"`
	Summary     string              `json:"summary"`
	RiskFactors []events.RiskFactor `json:"risk_factors"`
	Details     map[string]any      `json:"details,omitempty"`
}

// Snapshot is the state a step sees: the change set and the outputs merged
// before its batch started. Steps must treat it as read-only.
type Snapshot struct {
	RunID     events.RunID
	ChangeSet events.ChangeSet

	outputs map[string]events.AgentOutput
}

// NewSnapshot copies outputs so later merges are not visible to the holder.
func NewSnapshot(runID events.RunID, cs events.ChangeSet, outputs map[string]events.AgentOutput) Snapshot {
	return Snapshot{
		RunID:     runID,
		ChangeSet: cs,
		outputs:   maps.Clone(outputs),
	}
}

// Output returns the merged output of a previously completed step.
func (s Snapshot) Output(step string) (events.AgentOutput, bool) {
	out, ok := s.outputs[step]
	return out, ok
}

// Checkpoint holds the most recent usable output a step produced before its
// deadline, so a timed-out step can still report its fallback result.
type Checkpoint struct {
	mu  sync.Mutex
	out *events.AgentOutput
}

// Offer records out as the latest usable output.
func (c *Checkpoint) Offer(out events.AgentOutput) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = &out
}

// Latest returns the last offered output.
func (c *Checkpoint) Latest() (events.AgentOutput, bool) {
	if c == nil {
		return events.AgentOutput{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return events.AgentOutput{}, false
	}
	return *c.out, true
}

// DefaultSteps returns the built-in steps configured with rules.
func DefaultSteps(rules Rules) ([]Step, error) {
	scanner, err := NewSecretScanner()
	if err != nil {
		return nil, err
	}
	prompts, err := NewPromptBuilder(WithSecretRedaction(scanner))
	if err != nil {
		return nil, err
	}
	return []Step{
		NewIngestStep(rules),
		newSecurityStep(rules, prompts, scanner),
		NewCoverageStep(rules, prompts),
		NewArchitectureStep(rules, prompts),
		NewComplianceStep(rules, prompts),
	}, nil
}
