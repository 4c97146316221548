package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/releasegate/internal/events"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(Config{
		Rules: []AmplificationRule{
			{
				Name:       "untested architectural change",
				Categories: []events.RiskCategory{events.RiskCategoryTesting, events.RiskCategoryArchitecture},
				Bonus:      15,
			},
		},
	})
}

func factor(category events.RiskCategory, contribution float64) events.RiskFactor {
	return events.RiskFactor{Category: category, Description: string(category) + " risk", Contribution: contribution}
}

func TestAggregator_SingleFactor_SumIsScore(t *testing.T) {
	result := newTestAggregator().Aggregate([]events.RiskFactor{factor(events.RiskCategoryTesting, 30)})

	assert.Equal(t, 30, result.Score)
	assert.Empty(t, result.Amplifications)
	assert.False(t, result.Overridden())
}

func TestAggregator_CompoundingPair_AddsBonus(t *testing.T) {
	result := newTestAggregator().Aggregate([]events.RiskFactor{
		factor(events.RiskCategoryTesting, 30),
		factor(events.RiskCategoryArchitecture, 20),
	})

	assert.Equal(t, 65, result.Score)
	assert.InDelta(t, 50.0, result.Base, 0.0001)
	require.Len(t, result.Amplifications, 1)
	assert.Equal(t, "untested architectural change", result.Amplifications[0].Name)
}

func TestAggregator_Override_ForcesMaximumAndSkipsBonus(t *testing.T) {
	result := newTestAggregator().Aggregate([]events.RiskFactor{
		{Category: events.RiskCategorySecurity, Description: "AWS key committed", Contribution: 5, Override: true},
		factor(events.RiskCategoryTesting, 30),
		factor(events.RiskCategoryArchitecture, 20),
	})

	assert.Equal(t, MaxScore, result.Score)
	assert.Empty(t, result.Amplifications)
	require.Len(t, result.Overrides, 1)
	assert.Equal(t, "AWS key committed", result.Overrides[0].Description)
	// Non-override factors are still reported.
	assert.Len(t, result.Factors, 3)
}

func TestAggregator_ScoreIsClamped(t *testing.T) {
	tests := []struct {
		name    string
		factors []events.RiskFactor
		want    int
	}{
		{"empty", nil, 0},
		{"negative total", []events.RiskFactor{factor(events.RiskCategoryComplexity, -40)}, 0},
		{"above maximum", []events.RiskFactor{
			factor(events.RiskCategoryTesting, 80),
			factor(events.RiskCategoryArchitecture, 60),
		}, 100},
		{"rounded", []events.RiskFactor{factor(events.RiskCategoryComplexity, 12.6)}, 13},
	}

	agg := newTestAggregator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := agg.Aggregate(tt.factors)
			assert.Equal(t, tt.want, result.Score)
			assert.GreaterOrEqual(t, result.Score, MinScore)
			assert.LessOrEqual(t, result.Score, MaxScore)
		})
	}
}

func TestAggregator_CategoryWeights(t *testing.T) {
	agg := NewAggregator(Config{Weights: map[events.RiskCategory]float64{events.RiskCategorySecurity: 2}})

	result := agg.Aggregate([]events.RiskFactor{
		factor(events.RiskCategorySecurity, 10),
		factor(events.RiskCategoryTesting, 5),
	})

	assert.Equal(t, 25, result.Score)
	assert.InDelta(t, 20.0, result.CategoryTotals[events.RiskCategorySecurity], 0.0001)
}

func TestAggregator_RuleNeedsPositiveContributionInEveryCategory(t *testing.T) {
	result := newTestAggregator().Aggregate([]events.RiskFactor{
		factor(events.RiskCategoryTesting, 30),
		factor(events.RiskCategoryArchitecture, 0),
	})

	assert.Equal(t, 30, result.Score)
	assert.Empty(t, result.Amplifications)
}

func TestAggregator_IsPure(t *testing.T) {
	agg := newTestAggregator()
	input := []events.RiskFactor{
		factor(events.RiskCategoryArchitecture, 20),
		factor(events.RiskCategoryTesting, 30),
	}
	snapshot := append([]events.RiskFactor(nil), input...)

	first := agg.Aggregate(input)
	second := agg.Aggregate(input)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, input)
	assert.Equal(t, events.RiskCategoryTesting, first.Factors[0].Category)
}
