package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes and TTLs.
const (
	assessmentKeyPrefix  = "assessment:"
	claimKeyPrefix       = "assessment-claim:"
	defaultAssessmentTTL = 24 * time.Hour
	defaultClaimTTL      = 15 * time.Minute
)

// RedisAssessmentStore is a Redis-backed AssessmentStore shared by every assessor replica.
type RedisAssessmentStore struct {
	client   *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedisAssessmentStore creates a new Redis-backed assessment store.
func NewRedisAssessmentStore(client *redis.Client, ttl time.Duration) *RedisAssessmentStore {
	if ttl <= 0 {
		ttl = defaultAssessmentTTL
	}
	return &RedisAssessmentStore{
		client:   client,
		ttl:      ttl,
		claimTTL: defaultClaimTTL,
	}
}

// redisAssessmentEntry is the JSON-serializable form for Redis storage.
type redisAssessmentEntry struct {
	Key      string    `json:"key"`
	StoredAt time.Time `json:"stored_at"`
	Decision *Decision `json:"decision"`
}

// Claim implements AssessmentStore.
func (s *RedisAssessmentStore) Claim(ctx context.Context, key string, runID RunID) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKeyPrefix+key, runID.String(), s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim key: %w", err)
	}
	return ok, nil
}

// Release implements AssessmentStore.
func (s *RedisAssessmentStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, claimKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Store implements AssessmentStore.
func (s *RedisAssessmentStore) Store(ctx context.Context, key string, decision *Decision) error {
	entry := &redisAssessmentEntry{
		Key:      key,
		StoredAt: time.Now(),
		Decision: decision,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, assessmentKeyPrefix+key, data, s.ttl)
	pipe.Del(ctx, claimKeyPrefix+key)
	if _, execErr := pipe.Exec(ctx); execErr != nil {
		return fmt.Errorf("store decision: %w", execErr)
	}

	return nil
}

// Lookup implements AssessmentStore.
func (s *RedisAssessmentStore) Lookup(ctx context.Context, key string) (*Decision, error) {
	data, err := s.client.Get(ctx, assessmentKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // nil decision means not yet assessed
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}

	var entry redisAssessmentEntry
	if unmarshalErr := json.Unmarshal(data, &entry); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", unmarshalErr)
	}

	return entry.Decision, nil
}

// Cleanup implements AssessmentStore. Keys expire on their own TTL.
func (s *RedisAssessmentStore) Cleanup(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}
