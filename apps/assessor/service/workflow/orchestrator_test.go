package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/apps/assessor/service/router"
	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/llm"
)

type testStep struct {
	meta    plugin.Metadata
	prompt  string
	analyze func(ctx context.Context, snap analysis.Snapshot) (analysis.Finding, error)
}

func (s *testStep) Metadata() plugin.Metadata { return s.meta }

func (s *testStep) Prompt(analysis.Snapshot) string { return s.prompt }

func (s *testStep) Analyze(ctx context.Context, snap analysis.Snapshot) (analysis.Finding, error) {
	if s.analyze == nil {
		return analysis.Finding{Confidence: 1, Summary: s.meta.Name}, nil
	}
	return s.analyze(ctx, snap)
}

func step(name string, priority int, parallel bool, deps ...string) *testStep {
	return &testStep{meta: plugin.Metadata{
		Name:         name,
		Priority:     priority,
		Parallel:     parallel,
		Dependencies: deps,
		Capability:   plugin.CapabilitySummary,
	}}
}

func newTestOrchestrator(t *testing.T, cfg Config, steps ...*testStep) *Orchestrator {
	t.Helper()
	r, err := router.New(nil, router.DefaultConfig(), nil)
	require.NoError(t, err)

	o := NewOrchestrator(plugin.NewRegistry(), r, cfg, nil)
	for _, s := range steps {
		require.NoError(t, o.Register(s))
	}
	return o
}

func batchNames(batches [][]plugin.Metadata) [][]string {
	out := make([][]string, 0, len(batches))
	for _, b := range batches {
		names := make([]string, 0, len(b))
		for _, m := range b {
			names = append(names, m.Name)
		}
		out = append(out, names)
	}
	return out
}

func TestOrchestrator_Diamond_BatchesAndVisibility(t *testing.T) {
	var active, maxActive atomic.Int32
	concurrent := func(ctx context.Context, snap analysis.Snapshot) (analysis.Finding, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		_, sawSibling := snap.Output("B")
		if _, ok := snap.Output("C"); ok {
			sawSibling = true
		}
		return analysis.Finding{Confidence: 0.9, Summary: "ok", Details: map[string]any{"saw_sibling": sawSibling}}, nil
	}

	a := step("A", 1, true)
	b := step("B", 10, true, "A")
	b.analyze = concurrent
	c := step("C", 20, true, "A")
	c.analyze = concurrent
	var dSaw []string
	d := step("D", 5, true, "B", "C")
	d.analyze = func(_ context.Context, snap analysis.Snapshot) (analysis.Finding, error) {
		for _, name := range []string{"A", "B", "C"} {
			if _, ok := snap.Output(name); ok {
				dSaw = append(dSaw, name)
			}
		}
		return analysis.Finding{Confidence: 1, Summary: "d"}, nil
	}

	o := newTestOrchestrator(t, DefaultConfig(), d, c, b, a)

	batches, err := o.Plan()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, batchNames(batches))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{Reference: "acme/api#1"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), maxActive.Load())
	assert.Equal(t, []string{"A", "B", "C"}, dSaw)

	outB, ok := state.Output("B")
	require.True(t, ok)
	assert.Equal(t, false, outB.Result["saw_sibling"])

	var order []string
	for _, out := range state.Outputs() {
		order = append(order, out.Step)
		assert.Equal(t, events.MethodFallback, out.Method)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestOrchestrator_NonParallelStepRunsAlone(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(),
		step("ingest", 1, false),
		step("x", 10, true, "ingest"),
		step("serial", 15, false, "ingest"),
		step("y", 20, true, "ingest"),
	)

	batches, err := o.Plan()

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"ingest"}, {"x"}, {"serial"}, {"y"}}, batchNames(batches))
}

func TestOrchestrator_Cycle_FailsBeforeAnyStep(t *testing.T) {
	var ran atomic.Bool
	a := step("A", 1, true, "B")
	a.analyze = func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		ran.Store(true)
		return analysis.Finding{Confidence: 1, Summary: "a"}, nil
	}
	o := newTestOrchestrator(t, DefaultConfig(), a, step("B", 1, true, "A"))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	var cyclic *plugin.CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.Equal(t, []string{"A", "B"}, cyclic.Nodes)
	assert.Nil(t, state)
	assert.False(t, ran.Load())
}

func TestOrchestrator_UnknownStep(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.Metadata{Name: "ghost", Priority: 1}))
	r, err := router.New(nil, router.DefaultConfig(), nil)
	require.NoError(t, err)
	o := NewOrchestrator(registry, r, DefaultConfig(), nil)

	_, err = o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.ErrorIs(t, err, ErrUnknownStep)
}

func TestOrchestrator_OptionalTimeout_Unavailable_RunContinues(t *testing.T) {
	slow := step("slow", 10, true)
	slow.analyze = func(ctx context.Context, _ analysis.Snapshot) (analysis.Finding, error) {
		<-ctx.Done()
		return analysis.Finding{}, ctx.Err()
	}
	after := step("after", 20, true, "slow")

	cfg := DefaultConfig()
	cfg.Timeouts = map[string]time.Duration{"slow": 30 * time.Millisecond}
	o := newTestOrchestrator(t, cfg, slow, after)

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.NoError(t, err)
	out, ok := state.Output("slow")
	require.True(t, ok)
	assert.Equal(t, events.MethodUnavailable, out.Method)
	assert.Contains(t, out.Errors, "step slow timed out after 30ms")
	assert.Equal(t, []string{"step slow timed out after 30ms"}, state.Errors())

	_, ok = state.Output("after")
	assert.True(t, ok)
}

// checkpointRunner offers a fallback result and then blocks until the step deadline.
type checkpointRunner struct{}

func (checkpointRunner) Route(
	ctx context.Context,
	s analysis.Step,
	_ analysis.Snapshot,
	cp *analysis.Checkpoint,
) (events.AgentOutput, error) {
	cp.Offer(events.AgentOutput{
		Step:        s.Metadata().Name,
		Method:      events.MethodFallback,
		Confidence:  0.6,
		RiskFactors: []events.RiskFactor{{Category: events.RiskCategoryTesting, Contribution: 30}},
	})
	<-ctx.Done()
	return events.UnavailableOutput(s.Metadata().Name, ctx.Err()), ctx.Err()
}

func TestOrchestrator_Timeout_KeepsCheckpointedFallback(t *testing.T) {
	required := step("testing", 10, true)
	required.meta.Required = true

	cfg := DefaultConfig()
	cfg.DefaultTimeout = 30 * time.Millisecond
	o := NewOrchestrator(plugin.NewRegistry(), checkpointRunner{}, cfg, nil)
	require.NoError(t, o.Register(required))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.NoError(t, err)
	out, ok := state.Output("testing")
	require.True(t, ok)
	assert.Equal(t, events.MethodFallback, out.Method)
	assert.Equal(t, events.FailureTimeout, out.FailureReason)
	assert.Len(t, out.RiskFactors, 1)
	assert.Len(t, state.Errors(), 1)
}

// stalledProvider ignores its timeout and answers only when ctx ends.
type stalledProvider struct {
	calls atomic.Int32
}

func (p *stalledProvider) Provider() llm.Provider { return "stalled" }

func (p *stalledProvider) Complete(ctx context.Context, _ string, _ time.Duration) (string, error) {
	p.calls.Add(1)
	<-ctx.Done()
	return "", fmt.Errorf("%w: %w", llm.ErrTimeout, ctx.Err())
}

func TestOrchestrator_StepTimeoutBelowProviderTimeout_KeepsFallback(t *testing.T) {
	provider := &stalledProvider{}
	rcfg := router.DefaultConfig()
	rcfg.DefaultMode = router.ModePrimaryFirst
	rcfg.Modes = nil
	rcfg.ProviderTimeout = 300 * time.Millisecond
	r, err := router.New(provider, rcfg, nil)
	require.NoError(t, err)

	coverage := step("testing", 10, true)
	coverage.meta.Required = true
	coverage.prompt = "assess coverage"
	coverage.analyze = func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		return analysis.Finding{
			Confidence:  0.6,
			RiskFactors: []events.RiskFactor{{Category: events.RiskCategoryTesting, Contribution: 30}},
		}, nil
	}

	cfg := DefaultConfig()
	cfg.Timeouts = map[string]time.Duration{"testing": 100 * time.Millisecond}
	o := NewOrchestrator(plugin.NewRegistry(), r, cfg, nil)
	require.NoError(t, o.Register(coverage))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{Reference: "acme/api#9"})

	require.NoError(t, err)
	out, ok := state.Output("testing")
	require.True(t, ok)
	assert.Equal(t, events.MethodFallback, out.Method)
	assert.Equal(t, events.FailureTimeout, out.FailureReason)
	require.Len(t, out.RiskFactors, 1)
	assert.InDelta(t, 30.0, out.RiskFactors[0].Contribution, 1e-9)
	assert.Empty(t, state.Errors())
	assert.Equal(t, int32(1), provider.calls.Load())
}

// lateRunner returns its result just after the step deadline has passed.
type lateRunner struct{}

func (lateRunner) Route(
	ctx context.Context,
	s analysis.Step,
	_ analysis.Snapshot,
	_ *analysis.Checkpoint,
) (events.AgentOutput, error) {
	<-ctx.Done()
	time.Sleep(5 * time.Millisecond)
	return events.AgentOutput{Step: s.Metadata().Name, Method: events.MethodFallback, Confidence: 0.8}, nil
}

func TestOrchestrator_ResultJustAfterDeadline_Kept(t *testing.T) {
	late := step("late", 10, true)

	cfg := DefaultConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	o := NewOrchestrator(plugin.NewRegistry(), lateRunner{}, cfg, nil)
	require.NoError(t, o.Register(late))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.NoError(t, err)
	out, ok := state.Output("late")
	require.True(t, ok)
	assert.Equal(t, events.MethodFallback, out.Method)
	assert.InDelta(t, 0.8, out.Confidence, 1e-9)
	assert.Empty(t, state.Errors())
}

func TestOrchestrator_RequiredStepFailure_Aborts(t *testing.T) {
	ingest := step("ingest", 1, false)
	ingest.meta.Required = true
	ingest.analyze = func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		return analysis.Finding{}, analysis.ErrEmptyChangeSet
	}
	var laterRan atomic.Bool
	later := step("later", 10, true, "ingest")
	later.analyze = func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		laterRan.Store(true)
		return analysis.Finding{Confidence: 1, Summary: "x"}, nil
	}
	o := newTestOrchestrator(t, DefaultConfig(), ingest, later)

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	var required *RequiredStepError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, "ingest", required.Step)
	require.ErrorIs(t, err, analysis.ErrEmptyChangeSet)
	require.NotNil(t, state)
	out, _ := state.Output("ingest")
	assert.Equal(t, events.MethodUnavailable, out.Method)
	assert.False(t, laterRan.Load())
}

func TestOrchestrator_OptionalStepError_Recorded(t *testing.T) {
	failing := step("flaky", 10, true)
	failing.analyze = func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		return analysis.Finding{}, errors.New("scanner crashed")
	}
	o := newTestOrchestrator(t, DefaultConfig(), failing, step("fine", 20, true))

	state, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.NoError(t, err)
	out, _ := state.Output("flaky")
	assert.Equal(t, events.MethodUnavailable, out.Method)
	require.Len(t, state.Errors(), 1)
	assert.Contains(t, state.Errors()[0], "scanner crashed")
	fine, _ := state.Output("fine")
	assert.True(t, fine.Produced())
}

func TestOrchestrator_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newTestOrchestrator(t, DefaultConfig(), step("a", 1, true))

	_, err := o.Run(ctx, events.NewRunID(), events.ChangeSet{})

	require.ErrorIs(t, err, context.Canceled)
}

func TestOrchestrator_MaxParallelBound(t *testing.T) {
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	analyze := func(context.Context, analysis.Snapshot) (analysis.Finding, error) {
		n := active.Add(1)
		mu.Lock()
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return analysis.Finding{Confidence: 1, Summary: "x"}, nil
	}

	var steps []*testStep
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s := step(name, 10, true)
		s.analyze = analyze
		steps = append(steps, s)
	}
	cfg := DefaultConfig()
	cfg.MaxParallel = 2
	o := newTestOrchestrator(t, cfg, steps...)

	_, err := o.Run(context.Background(), events.NewRunID(), events.ChangeSet{})

	require.NoError(t, err)
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestOrchestrator_Unregister(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), step("a", 1, true), step("b", 2, true))

	assert.True(t, o.Unregister("b"))
	batches, err := o.Plan()

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}}, batchNames(batches))
}
