package workflow

import (
	"slices"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/internal/events"
)

// State is the analysis state of one run. Only the orchestrator writes to it,
// between batches.
type State struct {
	RunID     events.RunID
	ChangeSet events.ChangeSet

	outputs map[string]events.AgentOutput
	order   []string
	errs    []string
}

// NewState creates the state for a run.
func NewState(runID events.RunID, cs events.ChangeSet) *State {
	return &State{
		RunID:     runID,
		ChangeSet: cs,
		outputs:   make(map[string]events.AgentOutput),
	}
}

// Snapshot returns the read-only view handed to steps.
func (s *State) Snapshot() analysis.Snapshot {
	return analysis.NewSnapshot(s.RunID, s.ChangeSet, s.outputs)
}

// Output returns the merged output of step.
func (s *State) Output(step string) (events.AgentOutput, bool) {
	out, ok := s.outputs[step]
	return out, ok
}

// Outputs returns the merged outputs in merge order.
func (s *State) Outputs() []events.AgentOutput {
	outs := make([]events.AgentOutput, 0, len(s.order))
	for _, name := range s.order {
		outs = append(outs, s.outputs[name])
	}
	return outs
}

// Errors returns the run's error log.
func (s *State) Errors() []string {
	return slices.Clone(s.errs)
}

func (s *State) merge(out events.AgentOutput, err error) {
	if err != nil {
		msg := err.Error()
		if !slices.Contains(out.Errors, msg) {
			out.Errors = append(out.Errors, msg)
		}
		s.errs = append(s.errs, msg)
	}
	if _, exists := s.outputs[out.Step]; !exists {
		s.order = append(s.order, out.Step)
	}
	s.outputs[out.Step] = out
}
