// Package assessment runs change requests through analysis and decision and
// delivers the result.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/decision"
	"github.com/antinvestor/releasegate/apps/assessor/service/metrics"
	"github.com/antinvestor/releasegate/apps/assessor/service/notify"
	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/apps/assessor/service/repository"
	"github.com/antinvestor/releasegate/apps/assessor/service/workflow"
	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/scm"
)

var (
	// ErrInvalidRequest is returned for requests without a reference or change set.
	ErrInvalidRequest = errors.New("invalid assessment request")

	// ErrChangeSetUnavailable is returned when the change set can neither be fetched nor was supplied.
	ErrChangeSetUnavailable = errors.New("change set unavailable")

	// ErrAssessmentInFlight is returned when another run is assessing the same revision.
	ErrAssessmentInFlight = errors.New("assessment already in progress for this revision")
)

// Orchestrator runs the analysis steps of one assessment.
type Orchestrator interface {
	Run(ctx context.Context, runID events.RunID, cs events.ChangeSet) (*workflow.State, error)
}

// Decider maps a completed run to a decision.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) (*events.Decision, error)
}

// Config holds pipeline settings.
type Config struct {
	// DefaultChannel receives notifications for requests that name none.
	DefaultChannel string

	// SensitivePaths mark security-sensitive modules for escalation.
	SensitivePaths []string
}

// Pipeline assesses change requests end to end.
type Pipeline struct {
	cfg          Config
	store        events.AssessmentStore
	provider     scm.RepositoryProvider
	orchestrator Orchestrator
	engine       Decider
	repo         repository.DecisionRepository
	sink         notify.Sink
	metrics      *metrics.Metrics
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithRepositoryProvider sets the provider used to fetch change sets.
func WithRepositoryProvider(p scm.RepositoryProvider) Option {
	return func(pl *Pipeline) { pl.provider = p }
}

// WithDecisionRepository sets where decisions are persisted.
func WithDecisionRepository(r repository.DecisionRepository) Option {
	return func(pl *Pipeline) { pl.repo = r }
}

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(pl *Pipeline) { pl.sink = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// NewPipeline creates a pipeline. The assessment store defaults to an
// in-memory store when nil.
func NewPipeline(
	cfg Config,
	store events.AssessmentStore,
	orchestrator Orchestrator,
	engine Decider,
	opts ...Option,
) *Pipeline {
	if store == nil {
		store = events.NewInMemoryAssessmentStore()
	}
	p := &Pipeline{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		engine:       engine,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.repo == nil {
		p.repo = repository.NewMemoryDecisionRepository()
	}
	return p
}

// Assess runs one assessment. A stored decision for the same revision is
// returned unchanged unless the request forces a new run.
func (p *Pipeline) Assess(ctx context.Context, req events.AssessmentRequest) (*events.Decision, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" && req.ChangeSet != nil {
		reference = req.ChangeSet.Reference
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	runID := events.NewRunID()
	log := util.Log(ctx).WithField("run_id", runID.String()).WithField("reference", reference)

	cs, err := p.resolveChangeSet(ctx, reference, req.ChangeSet)
	if err != nil {
		return nil, err
	}

	key := cs.DedupKey()
	if !req.Force {
		stored, lookupErr := p.store.Lookup(ctx, key)
		if lookupErr != nil {
			log.WithError(lookupErr).Warn("assessment lookup failed")
		} else if stored != nil {
			p.metrics.RecordDuplicate()
			log.Info("returning stored decision", "stored_run_id", stored.RunID.String())
			return stored, nil
		}
	}

	claimed, err := p.store.Claim(ctx, key, runID)
	if err != nil {
		return nil, fmt.Errorf("claim assessment: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentInFlight, key)
	}

	d, outputs, err := p.run(ctx, runID, cs)
	if err != nil {
		if releaseErr := p.store.Release(ctx, key); releaseErr != nil {
			log.WithError(releaseErr).Warn("could not release assessment claim")
		}
		return nil, err
	}

	if saveErr := p.repo.Save(ctx, d, outputs); saveErr != nil {
		log.WithError(saveErr).Error("could not persist decision")
	}

	p.notify(ctx, req.Channel, d)

	if storeErr := p.store.Store(ctx, key, d); storeErr != nil {
		log.WithError(storeErr).Warn("could not store decision for de-duplication")
	}

	return d, nil
}

// Get returns a persisted decision by run ID.
func (p *Pipeline) Get(ctx context.Context, runID string) (*events.Decision, error) {
	return p.repo.GetByRunID(ctx, runID)
}

// History lists recent decisions for a change request.
func (p *Pipeline) History(ctx context.Context, reference string, limit int) ([]*events.Decision, error) {
	return p.repo.ListByReference(ctx, reference, limit)
}

func (p *Pipeline) run(
	ctx context.Context,
	runID events.RunID,
	cs events.ChangeSet,
) (*events.Decision, []events.AgentOutput, error) {
	state, err := p.orchestrator.Run(ctx, runID, cs)
	if err != nil {
		return nil, nil, err
	}

	outputs := state.Outputs()
	d, err := p.engine.Decide(ctx, decision.Input{
		RunID:            runID,
		ChangeSet:        cs,
		Outputs:          outputs,
		SensitiveModules: analysis.SensitiveModules(cs, p.cfg.SensitivePaths),
		RunErrors:        state.Errors(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decide: %w", err)
	}

	p.metrics.RecordDecision(d)
	return d, outputs, nil
}

// resolveChangeSet prefers an inline change set with files and otherwise
// fetches it from the repository provider.
func (p *Pipeline) resolveChangeSet(
	ctx context.Context,
	reference string,
	inline *events.ChangeSet,
) (events.ChangeSet, error) {
	if inline != nil && len(inline.Files) > 0 {
		cs := *inline
		cs.Reference = reference
		return cs, nil
	}

	if p.provider == nil {
		return events.ChangeSet{}, fmt.Errorf("%w: no repository provider configured for %s", ErrChangeSetUnavailable, reference)
	}

	cs, err := p.provider.FetchChangeSet(ctx, reference)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not fetch change set", "reference", reference)
		return events.ChangeSet{}, fmt.Errorf("%w: %w", ErrChangeSetUnavailable, err)
	}
	return *cs, nil
}

func (p *Pipeline) notify(ctx context.Context, channel string, d *events.Decision) {
	if p.sink == nil {
		return
	}
	if channel == "" {
		channel = p.cfg.DefaultChannel
	}
	if err := p.sink.Publish(ctx, channel, notify.NewDecisionMessage(d)); err != nil {
		util.Log(ctx).WithError(err).Warn("decision notification incomplete",
			"run_id", d.RunID.String(),
			"channel", channel,
		)
	}
}

// IsPermanent reports whether retrying the request cannot change the outcome.
// An assessment in flight is transient: the other run may still fail and
// release its claim.
func IsPermanent(err error) bool {
	var (
		required   *workflow.RequiredStepError
		cyclic     *plugin.CyclicDependencyError
		unresolved *plugin.UnresolvedDependencyError
	)
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, workflow.ErrUnknownStep),
		errors.Is(err, scm.ErrInvalidReference),
		errors.As(err, &required),
		errors.As(err, &cyclic),
		errors.As(err, &unresolved):
		return true
	}
	return false
}
