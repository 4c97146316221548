// Package workflow runs the registered analysis steps for one change set.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/metrics"
	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// resultGrace is how long a step past its deadline may take to return.
const resultGrace = 50 * time.Millisecond

// Runner produces the output of one step. The analysis router implements it.
type Runner interface {
	Route(ctx context.Context, step analysis.Step, snap analysis.Snapshot, cp *analysis.Checkpoint) (events.AgentOutput, error)
}

// Config configures step execution.
type Config struct {
	// DefaultTimeout applies to steps without an entry in Timeouts.
	DefaultTimeout time.Duration

	// Timeouts overrides the timeout per step name.
	Timeouts map[string]time.Duration

	// MaxParallel bounds the steps running at once within a batch. Zero means unbounded.
	MaxParallel int
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		MaxParallel:    4,
	}
}

// Orchestrator schedules steps in registry order and merges their outputs.
type Orchestrator struct {
	registry *plugin.Registry
	runner   Runner
	cfg      Config
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	steps map[string]analysis.Step
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *plugin.Registry, runner Runner, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Orchestrator{
		registry: registry,
		runner:   runner,
		cfg:      cfg,
		metrics:  m,
		steps:    make(map[string]analysis.Step),
	}
}

// Register adds step to the registry, replacing a step of the same name.
func (o *Orchestrator) Register(step analysis.Step) error {
	meta := step.Metadata()
	if err := o.registry.Register(meta); err != nil {
		return fmt.Errorf("register step %s: %w", meta.Name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[meta.Name] = step
	return nil
}

// Unregister removes a step. It affects only runs started afterwards.
func (o *Orchestrator) Unregister(name string) bool {
	o.mu.Lock()
	delete(o.steps, name)
	o.mu.Unlock()
	return o.registry.Unregister(name)
}

// Plan returns the batches the next run will execute.
func (o *Orchestrator) Plan() ([][]plugin.Metadata, error) {
	order, err := o.registry.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	return planBatches(order), nil
}

// planBatches groups consecutive parallel-eligible steps whose dependencies
// completed in earlier batches. Other steps run alone.
func planBatches(order []plugin.Metadata) [][]plugin.Metadata {
	var batches [][]plugin.Metadata
	var current []plugin.Metadata
	completed := make(map[string]bool, len(order))

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, current)
		for _, m := range current {
			completed[m.Name] = true
		}
		current = nil
	}

	for _, m := range order {
		if !m.Parallel {
			flush()
			batches = append(batches, []plugin.Metadata{m})
			completed[m.Name] = true
			continue
		}
		for _, dep := range m.Dependencies {
			if !completed[dep] {
				flush()
				break
			}
		}
		current = append(current, m)
	}
	flush()

	return batches
}

// Run executes every registered step for cs. Ordering errors are returned
// before any step runs. A required step without usable output aborts the run
// with a RequiredStepError once its batch has been merged; the partial state
// is returned alongside.
func (o *Orchestrator) Run(ctx context.Context, runID events.RunID, cs events.ChangeSet) (*State, error) {
	log := util.Log(ctx).WithField("run_id", runID.String())

	order, err := o.registry.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	steps := make(map[string]analysis.Step, len(order))
	o.mu.RLock()
	for _, m := range order {
		if s, ok := o.steps[m.Name]; ok {
			steps[m.Name] = s
		}
	}
	o.mu.RUnlock()
	for _, m := range order {
		if _, ok := steps[m.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, m.Name)
		}
	}

	batches := planBatches(order)
	state := NewState(runID, cs)

	log.Info("assessment run started",
		"reference", cs.Reference,
		"steps", len(order),
		"batches", len(batches),
	)

	for i, batch := range batches {
		if err = ctx.Err(); err != nil {
			return state, err
		}

		log.Debug("running batch", "batch", i, "size", len(batch))

		snap := state.Snapshot()
		results := make([]stepResult, len(batch))

		var g errgroup.Group
		if o.cfg.MaxParallel > 0 {
			g.SetLimit(o.cfg.MaxParallel)
		}
		for j, meta := range batch {
			g.Go(func() error {
				results[j] = o.runStep(ctx, steps[meta.Name], meta, snap)
				return nil
			})
		}
		_ = g.Wait()

		var abort error
		for j, meta := range batch {
			res := results[j]
			state.merge(res.output, res.err)

			if res.err == nil || res.output.Produced() {
				continue
			}
			o.metrics.RecordStepFailure(meta.Name, meta.Required)
			log.WithError(res.err).Warn("step produced no output",
				"step", meta.Name,
				"required", meta.Required,
			)
			if meta.Required && abort == nil {
				abort = &RequiredStepError{Step: meta.Name, Cause: res.err}
			}
		}

		if abort != nil {
			return state, abort
		}
		if err = ctx.Err(); err != nil {
			return state, err
		}
	}

	log.Info("assessment run finished", "errors", len(state.errs))
	return state, nil
}

type stepResult struct {
	output events.AgentOutput
	err    error
}

func (o *Orchestrator) timeoutFor(step string) time.Duration {
	if t, ok := o.cfg.Timeouts[step]; ok && t > 0 {
		return t
	}
	return o.cfg.DefaultTimeout
}

// runStep runs one step under its own timeout. Only the step's context is
// cancelled on timeout.
func (o *Orchestrator) runStep(
	ctx context.Context,
	step analysis.Step,
	meta plugin.Metadata,
	snap analysis.Snapshot,
) stepResult {
	timeout := o.timeoutFor(meta.Name)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cp := &analysis.Checkpoint{}
	start := time.Now()
	done := make(chan stepResult, 1)

	go func() {
		out, err := o.runner.Route(stepCtx, step, snap, cp)
		done <- stepResult{output: out, err: err}
	}()

	var res stepResult
	select {
	case res = <-done:
	case <-stepCtx.Done():
		res = awaitAfterDeadline(meta.Name, done, stepCtx.Err())
	}

	if res.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = o.timedOut(meta.Name, timeout, cp)
	}

	res.output.Step = meta.Name
	if res.output.Duration == 0 {
		res.output.Duration = time.Since(start)
	}
	o.metrics.RecordStep(meta.Name, res.output.Method, time.Since(start))
	return res
}

// awaitAfterDeadline gives a step that is already returning resultGrace to
// hand over its result once the step deadline has passed.
func awaitAfterDeadline(step string, done <-chan stepResult, cause error) stepResult {
	grace := time.NewTimer(resultGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return res
	case <-grace.C:
		return stepResult{output: events.UnavailableOutput(step, nil), err: cause}
	}
}

// timedOut records a timeout, keeping the fallback output the step produced
// before its deadline when there is one.
func (o *Orchestrator) timedOut(step string, timeout time.Duration, cp *analysis.Checkpoint) stepResult {
	o.metrics.RecordStepTimeout(step)
	timeoutErr := &StepTimeoutError{Step: step, Timeout: timeout}

	out, ok := cp.Latest()
	if !ok {
		return stepResult{output: events.UnavailableOutput(step, nil), err: timeoutErr}
	}

	out.Method = events.MethodFallback
	if out.FailureReason == events.FailureNone {
		out.FailureReason = events.FailureTimeout
	}
	return stepResult{output: out, err: timeoutErr}
}
