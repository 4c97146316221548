package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// BackendType names where assessment de-duplication state lives.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

const redisConnectTimeout = 5 * time.Second

// ErrRedisURLRequired is returned when the redis backend is selected without a URL.
var ErrRedisURLRequired = errors.New("redis URL required for the redis assessment backend")

// BackendConfig selects and configures the assessment store.
type BackendConfig struct {
	AssessmentBackend BackendType
	RedisURL          string

	// AssessmentTTL is how long a stored decision answers repeated requests.
	AssessmentTTL time.Duration
}

// DefaultBackendConfig returns an in-memory configuration.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		AssessmentBackend: BackendMemory,
		AssessmentTTL:     defaultAssessmentTTL,
	}
}

// Backends owns the assessment store and the connections behind it.
type Backends struct {
	Assessments AssessmentStore

	// Kind is the backend actually in use, which differs from the configured
	// one after a fallback.
	Kind BackendType

	// FallbackReason is set when the configured backend could not be used.
	FallbackReason error

	redisClient *redis.Client
	memory      *InMemoryAssessmentStore
}

// NewBackends opens the configured assessment store.
func NewBackends(ctx context.Context, cfg BackendConfig) (*Backends, error) {
	switch cfg.AssessmentBackend {
	case BackendRedis:
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		util.Log(ctx).Info("assessment store ready", "backend", BackendRedis, "redis", redactRedisURL(cfg.RedisURL))
		return &Backends{
			Assessments: NewRedisAssessmentStore(client, cfg.AssessmentTTL),
			Kind:        BackendRedis,
			redisClient: client,
		}, nil
	case BackendMemory, "":
		return newMemoryBackends(ctx), nil
	default:
		return nil, fmt.Errorf("unknown assessment backend %q", cfg.AssessmentBackend)
	}
}

// NewBackendsWithFallback opens the configured store and falls back to
// memory when it is unreachable. De-duplication then only spans this
// process, which is logged.
func NewBackendsWithFallback(ctx context.Context, cfg BackendConfig) (*Backends, error) {
	b, err := NewBackends(ctx, cfg)
	if err == nil {
		return b, nil
	}

	util.Log(ctx).WithError(err).Warn("assessment store unavailable, de-duplicating in memory",
		"configured", cfg.AssessmentBackend)
	b = newMemoryBackends(ctx)
	b.FallbackReason = err
	return b, nil
}

func newMemoryBackends(ctx context.Context) *Backends {
	mem := NewInMemoryAssessmentStore()
	util.Log(ctx).Info("assessment store ready", "backend", BackendMemory)
	return &Backends{Assessments: mem, Kind: BackendMemory, memory: mem}
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, ErrRedisURLRequired
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// redactRedisURL drops credentials from a redis URL.
func redactRedisURL(rawURL string) string {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return "[invalid]"
	}
	return fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
}

// HealthCheck reports whether the store's connection is usable.
func (b *Backends) HealthCheck(ctx context.Context) error {
	if b.redisClient == nil {
		return nil
	}
	if err := b.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	return nil
}

// Close releases the store and its connections.
func (b *Backends) Close() error {
	if b.memory != nil {
		_ = b.memory.Close()
	}
	if b.redisClient != nil {
		return b.redisClient.Close()
	}
	return nil
}
