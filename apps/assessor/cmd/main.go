package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/antinvestor/releasegate/apps/assessor/config"
	"github.com/antinvestor/releasegate/apps/assessor/middleware"
	"github.com/antinvestor/releasegate/apps/assessor/service/analysis"
	"github.com/antinvestor/releasegate/apps/assessor/service/assessment"
	"github.com/antinvestor/releasegate/apps/assessor/service/decision"
	"github.com/antinvestor/releasegate/apps/assessor/service/metrics"
	"github.com/antinvestor/releasegate/apps/assessor/service/notify"
	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/apps/assessor/service/repository"
	"github.com/antinvestor/releasegate/apps/assessor/service/risk"
	"github.com/antinvestor/releasegate/apps/assessor/service/router"
	"github.com/antinvestor/releasegate/apps/assessor/service/workflow"
	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/llm"
	"github.com/antinvestor/releasegate/internal/scm"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.AssessorConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "release_assessor"
	}

	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	dbPool := svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName)

	if cfg.DoDatabaseMigrate() {
		if migrateErr := repository.Migrate(ctx, dbPool); migrateErr != nil {
			log.WithError(migrateErr).Fatal("could not migrate")
		}
		return
	}

	policy, err := cfg.GetPolicy()
	if err != nil {
		log.WithError(err).Fatal("could not load assessment policy")
	}

	m := metrics.NewMetrics()

	// ==========================================================================
	// Setup Analysis
	// ==========================================================================

	reasoning := setupReasoningProvider(ctx, &cfg)

	analysisRouter, err := router.New(reasoning, policy.RouterConfig(), m)
	if err != nil {
		log.WithError(err).Fatal("could not create analysis router")
	}

	orchestrator := workflow.NewOrchestrator(plugin.NewRegistry(), analysisRouter, policy.WorkflowConfig(), m)
	steps, err := analysis.DefaultSteps(policy.Rules)
	if err != nil {
		log.WithError(err).Fatal("could not create analysis steps")
	}
	for _, step := range steps {
		if regErr := orchestrator.Register(step); regErr != nil {
			log.WithError(regErr).Fatal("could not register analysis step")
		}
	}
	if _, planErr := orchestrator.Plan(); planErr != nil {
		log.WithError(planErr).Fatal("analysis steps cannot be ordered")
	}

	engine, err := decision.NewEngine(policy.DecisionConfig(), risk.NewAggregator(policy.RiskConfig()))
	if err != nil {
		log.WithError(err).Fatal("could not create decision engine")
	}

	// ==========================================================================
	// Setup Backends
	// ==========================================================================

	backends, err := events.NewBackendsWithFallback(ctx, cfg.GetBackendConfig())
	if err != nil {
		log.WithError(err).Fatal("could not create assessment store")
	}
	defer func() { _ = backends.Close() }()

	decisions := repository.NewDecisionRepository(ctx, dbPool)

	changeSets, err := scm.NewGitHubProvider(ctx, cfg.GitHubToken, cfg.GitHubBaseURL)
	if err != nil {
		log.WithError(err).Fatal("could not create repository provider")
	}

	sinks := []notify.Sink{notify.NewQueueSink(svc.QueueManager(), cfg.QueueDecisionName)}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.SlackWebhookURL))
	}

	pipeline := assessment.NewPipeline(
		assessment.Config{
			DefaultChannel: cfg.NotificationChannel,
			SensitivePaths: policy.Rules.SensitivePaths,
		},
		backends.Assessments,
		orchestrator,
		engine,
		assessment.WithRepositoryProvider(changeSets),
		assessment.WithDecisionRepository(decisions),
		assessment.WithSink(notify.NewMultiSink(m, sinks...)),
		assessment.WithMetrics(m),
	)

	// ==========================================================================
	// Register Publishers
	// ==========================================================================

	decisionPublisher := frame.WithRegisterPublisher(
		cfg.QueueDecisionName,
		cfg.QueueDecisionURI,
	)

	requestPublisher := frame.WithRegisterPublisher(
		cfg.QueueAssessmentRequestName,
		cfg.QueueAssessmentRequestURI,
	)

	deadLetterPublisher := frame.WithRegisterPublisher(
		cfg.QueueAssessmentDLQName,
		cfg.QueueAssessmentDLQURI,
	)

	// ==========================================================================
	// Register Subscribers
	// ==========================================================================

	assessmentRequestSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueAssessmentRequestName,
		cfg.QueueAssessmentRequestURI,
		assessment.NewRequestHandler(pipeline, assessment.WithRedelivery(assessment.Redelivery{
			Publisher:    svc.QueueManager(),
			RequestQueue: cfg.QueueAssessmentRequestName,
			DLQQueue:     cfg.QueueAssessmentDLQName,
			Policy:       cfg.GetRetryPolicy(),
		})),
	)

	// ==========================================================================
	// Setup HTTP Server
	// ==========================================================================

	limiter := middleware.NewClientLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurstSize)
	go limiter.Run(ctx)

	guard := limiter.Wrap
	if cfg.AuthEnabled {
		auth := middleware.NewBearerAuth(svc.SecurityManager().GetAuthenticator(ctx))
		guard = func(next http.Handler) http.Handler {
			return auth.Wrap(limiter.Wrap(next))
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"assessor"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthErr := backends.HealthCheck(r.Context()); healthErr != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","service":"assessor"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"assessor","assessment_store":"` + string(backends.Kind) + `"}`))
	})

	mux.Handle("/metrics", promhttp.Handler())

	assessment.NewHTTPHandler(pipeline, cfg.MaxRequestSize).Register(mux, guard)

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		// Publishers
		decisionPublisher,
		requestPublisher,
		deadLetterPublisher,
		// Subscribers
		assessmentRequestSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting release assessor service...",
		"reasoning", reasoning != nil,
		"approve_below", policy.Decision.ApproveThreshold,
		"reject_at", policy.Decision.RejectThreshold,
	)
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// setupReasoningProvider returns nil when no provider is configured, which
// runs every step on its deterministic path.
func setupReasoningProvider(ctx context.Context, cfg *appconfig.AssessorConfig) llm.ReasoningProvider {
	log := util.Log(ctx)

	provider, err := llm.NewProvider(cfg.GetLLMConfig())
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		log.Warn("no reasoning provider configured, using deterministic analysis only")
		return nil
	case err != nil:
		log.WithError(err).Fatal("could not create reasoning provider")
	}
	return provider
}
