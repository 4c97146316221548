package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/releasegate/internal/events"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		t.Skipf("redis not available: %v", pingErr)
	}

	t.Cleanup(func() {
		cleanupTestKeys(context.Background(), client)
		client.Close()
	})
	cleanupTestKeys(context.Background(), client)

	return client
}

func cleanupTestKeys(ctx context.Context, client *redis.Client) {
	for _, pattern := range []string{"assessment:*", "assessment-claim:*"} {
		iter := client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
}

func TestRedisAssessmentStore(t *testing.T) {
	client := getRedisClient(t)
	store := events.NewRedisAssessmentStore(client, time.Hour)
	ctx := context.Background()

	t.Run("store and lookup decision", func(t *testing.T) {
		key := "acme/payments#12@abc123"
		decision := &events.Decision{
			RunID:     events.NewRunID(),
			Reference: "acme/payments#12",
			Verdict:   events.VerdictConditional,
			Score:     30,
			Rationale: []string{"testing: no tests changed (+30)"},
		}

		missing, err := store.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, store.Store(ctx, key, decision))

		found, err := store.Lookup(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, events.VerdictConditional, found.Verdict)
		assert.Equal(t, 30, found.Score)
		assert.Equal(t, decision.RunID.String(), found.RunID.String())
	})

	t.Run("claim contention", func(t *testing.T) {
		key := "acme/payments#13@def456"

		first, err := store.Claim(ctx, key, events.NewRunID())
		require.NoError(t, err)
		assert.True(t, first)

		second, err := store.Claim(ctx, key, events.NewRunID())
		require.NoError(t, err)
		assert.False(t, second)

		require.NoError(t, store.Release(ctx, key))

		third, err := store.Claim(ctx, key, events.NewRunID())
		require.NoError(t, err)
		assert.True(t, third)
	})

	t.Run("store drops claim", func(t *testing.T) {
		key := "acme/payments#14@0a0b0c"

		claimed, err := store.Claim(ctx, key, events.NewRunID())
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, store.Store(ctx, key, &events.Decision{Verdict: events.VerdictApprove}))

		again, err := store.Claim(ctx, key, events.NewRunID())
		require.NoError(t, err)
		assert.True(t, again)
	})
}

func TestNewBackendsWithFallback_RedisUnreachable_UsesMemory(t *testing.T) {
	ctx := context.Background()

	backends, err := events.NewBackendsWithFallback(ctx, events.BackendConfig{
		AssessmentBackend: events.BackendRedis,
		RedisURL:          "redis://127.0.0.1:1/0",
	})
	require.NoError(t, err)
	defer backends.Close()

	_, isMemory := backends.Assessments.(*events.InMemoryAssessmentStore)
	assert.True(t, isMemory)
	assert.Equal(t, events.BackendMemory, backends.Kind)
	require.Error(t, backends.FallbackReason)
	assert.NoError(t, backends.HealthCheck(ctx))
}

func TestNewBackends_RedisWithoutURL(t *testing.T) {
	_, err := events.NewBackends(context.Background(), events.BackendConfig{AssessmentBackend: events.BackendRedis})
	require.ErrorIs(t, err, events.ErrRedisURLRequired)

	backends, err := events.NewBackendsWithFallback(context.Background(), events.BackendConfig{AssessmentBackend: events.BackendRedis})
	require.NoError(t, err)
	defer backends.Close()
	assert.ErrorIs(t, backends.FallbackReason, events.ErrRedisURLRequired)
}

func TestNewBackends_UnknownBackend(t *testing.T) {
	_, err := events.NewBackends(context.Background(), events.BackendConfig{AssessmentBackend: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}
