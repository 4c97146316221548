package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/releasegate/internal/events"
)

func sampleDecision(reference string, decidedAt time.Time) *events.Decision {
	return &events.Decision{
		RunID:      events.NewRunID(),
		Reference:  reference,
		HeadSHA:    "abc123",
		Verdict:    events.VerdictConditional,
		Score:      30,
		Rationale:  []string{"Composite risk score 30: conditional"},
		Conditions: []string{"Add or update tests covering the changed code"},
		Confidence: 0.8,
		Methods: map[string]events.AnalysisMethod{
			"ingest":  events.MethodFallback,
			"testing": events.MethodPrimary,
		},
		Factors: []events.RiskFactor{
			{Category: events.RiskCategoryTesting, Description: "no tests", Contribution: 30, Source: "testing"},
		},
		DecidedAt: decidedAt,
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	d := sampleDecision("acme/api#1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	rec := ToRecord(d)
	assert.Equal(t, d.RunID.String(), rec.RunID)
	assert.Equal(t, "conditional", rec.Verdict)

	got, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestFromRecord_InvalidRunID(t *testing.T) {
	_, err := FromRecord(DecisionRecord{RunID: "not-an-xid"})
	require.Error(t, err)
}

func TestToStepRecords(t *testing.T) {
	outputs := []events.AgentOutput{
		{Step: "ingest", Method: events.MethodFallback, Confidence: 1, Duration: 1500 * time.Microsecond},
		{
			Step:          "security",
			Method:        events.MethodUnavailable,
			FailureReason: events.FailureTimeout,
			Errors:        []string{"step security timed out after 20s"},
		},
	}

	records := ToStepRecords("run-1", outputs)

	require.Len(t, records, 2)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, int64(1), records[0].DurationMS)
	assert.Equal(t, "unavailable", records[1].Method)
	assert.Equal(t, "timeout", records[1].FailureReason)
	assert.Equal(t, []string{"step security timed out after 20s"}, records[1].Errors)
}

func TestNewDecisionRepository_NoPoolUsesMemory(t *testing.T) {
	repo := NewDecisionRepository(context.Background(), nil)
	_, ok := repo.(*MemoryDecisionRepository)
	assert.True(t, ok)
}

func TestPGDecisionRepository_NoPool(t *testing.T) {
	repo := &PGDecisionRepository{}
	ctx := context.Background()

	require.ErrorIs(t, repo.Save(ctx, sampleDecision("acme/api#1", time.Now()), nil), ErrDatabaseUnavailable)
	_, err := repo.GetByRunID(ctx, "x")
	require.ErrorIs(t, err, ErrDatabaseUnavailable)
	_, err = repo.ListByReference(ctx, "acme/api#1", 5)
	require.ErrorIs(t, err, ErrDatabaseUnavailable)
	require.ErrorIs(t, Migrate(ctx, nil), ErrDatabaseUnavailable)
}

func TestMemoryDecisionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDecisionRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := sampleDecision("acme/api#1", base)
	newer := sampleDecision("acme/api#1", base.Add(time.Hour))
	other := sampleDecision("acme/web#2", base)

	require.NoError(t, repo.Save(ctx, older, []events.AgentOutput{{Step: "ingest", Method: events.MethodFallback}}))
	require.NoError(t, repo.Save(ctx, newer, nil))
	require.NoError(t, repo.Save(ctx, other, nil))

	t.Run("get by run id", func(t *testing.T) {
		got, err := repo.GetByRunID(ctx, older.RunID.String())
		require.NoError(t, err)
		assert.Equal(t, older.Verdict, got.Verdict)
		assert.Len(t, repo.Steps(older.RunID.String()), 1)
	})

	t.Run("missing run id", func(t *testing.T) {
		_, err := repo.GetByRunID(ctx, events.NewRunID().String())
		require.ErrorIs(t, err, ErrDecisionNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		got, err := repo.ListByReference(ctx, "acme/api#1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.RunID, got[0].RunID)
		assert.Equal(t, older.RunID, got[1].RunID)
	})

	t.Run("list limit", func(t *testing.T) {
		got, err := repo.ListByReference(ctx, "acme/api#1", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, newer.RunID, got[0].RunID)
	})
}
