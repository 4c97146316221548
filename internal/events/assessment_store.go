package events

import (
	"context"
	"sync"
	"time"
)

// AssessmentStore remembers decisions per revision so repeated requests
// for the same change do not trigger another run.
type AssessmentStore interface {
	// Claim marks a revision as in flight. It returns false when another run holds the claim.
	Claim(ctx context.Context, key string, runID RunID) (bool, error)

	// Release drops an in-flight claim without storing a decision.
	Release(ctx context.Context, key string) error

	// Store records the decision for a revision and drops its claim.
	Store(ctx context.Context, key string, decision *Decision) error

	// Lookup returns the stored decision for a revision, or nil when none exists.
	Lookup(ctx context.Context, key string) (*Decision, error)

	// Cleanup removes entries older than the given age.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// InMemoryAssessmentStore is an in-memory AssessmentStore for tests and single-instance deployments.
type InMemoryAssessmentStore struct {
	mu        sync.RWMutex
	decisions map[string]*assessmentEntry
	claims    map[string]claimEntry
	claimTTL  time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type assessmentEntry struct {
	decision *Decision
	storedAt time.Time
}

type claimEntry struct {
	runID     RunID
	claimedAt time.Time
}

// NewInMemoryAssessmentStore creates a new in-memory assessment store.
func NewInMemoryAssessmentStore() *InMemoryAssessmentStore {
	store := &InMemoryAssessmentStore{
		decisions: make(map[string]*assessmentEntry),
		claims:    make(map[string]claimEntry),
		claimTTL:  defaultClaimTTL,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go store.periodicCleanup()
	return store
}

// Close stops the store's cleanup goroutine.
func (s *InMemoryAssessmentStore) Close() error {
	close(s.stopCh)
	<-s.stoppedCh
	return nil
}

func (s *InMemoryAssessmentStore) periodicCleanup() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), defaultAssessmentTTL)
		}
	}
}

// Claim implements AssessmentStore.
func (s *InMemoryAssessmentStore) Claim(_ context.Context, key string, runID RunID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.claims[key]; ok && time.Since(existing.claimedAt) < s.claimTTL {
		return false, nil
	}
	s.claims[key] = claimEntry{runID: runID, claimedAt: time.Now()}
	return true, nil
}

// Release implements AssessmentStore.
func (s *InMemoryAssessmentStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, key)
	return nil
}

// Store implements AssessmentStore.
func (s *InMemoryAssessmentStore) Store(_ context.Context, key string, decision *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions[key] = &assessmentEntry{decision: decision, storedAt: time.Now()}
	delete(s.claims, key)
	return nil
}

// Lookup implements AssessmentStore.
func (s *InMemoryAssessmentStore) Lookup(_ context.Context, key string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.decisions[key]
	if !exists {
		return nil, nil //nolint:nilnil // nil decision means not yet assessed
	}
	return entry.decision, nil
}

// Cleanup implements AssessmentStore.
func (s *InMemoryAssessmentStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for key, entry := range s.decisions {
		if entry.storedAt.Before(cutoff) {
			delete(s.decisions, key)
			removed++
		}
	}
	for key, claim := range s.claims {
		if time.Since(claim.claimedAt) >= s.claimTTL {
			delete(s.claims, key)
		}
	}

	return removed, nil
}
