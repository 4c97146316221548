// Package risk combines the risk factors reported by analysis steps into one composite score.
package risk

import (
	"math"
	"sort"

	"github.com/antinvestor/releasegate/internal/events"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// AmplificationRule adds Bonus when every listed category carries a positive contribution.
type AmplificationRule struct {
	Name       string                `json:"name"       yaml:"name"`
	Categories []events.RiskCategory `json:"categories" yaml:"categories"`
	Bonus      float64               `json:"bonus"      yaml:"bonus"`
}

// Config holds the aggregation weights and amplification rules.
type Config struct {
	// Weights scales contributions per category. Missing categories weigh 1.0.
	Weights map[events.RiskCategory]float64

	// Rules are the co-occurrence amplification rules.
	Rules []AmplificationRule
}

// DefaultRules returns the compounding pairs used when none are configured.
func DefaultRules() []AmplificationRule {
	return []AmplificationRule{
		{
			Name:       "untested architectural change",
			Categories: []events.RiskCategory{events.RiskCategoryTesting, events.RiskCategoryArchitecture},
			Bonus:      15,
		},
		{
			Name:       "untested security-sensitive change",
			Categories: []events.RiskCategory{events.RiskCategoryTesting, events.RiskCategorySecurity},
			Bonus:      15,
		},
		{
			Name:       "dependency change in sensitive code",
			Categories: []events.RiskCategory{events.RiskCategoryDependency, events.RiskCategorySecurity},
			Bonus:      10,
		},
	}
}

// Assessment is the outcome of one aggregation.
type Assessment struct {
	// Score is the composite score, clamped to [0,100].
	Score int

	// Base is the clamped weighted sum of non-override contributions before amplification.
	Base float64

	// Factors are all input factors sorted by contribution (desc), category, description.
	Factors []events.RiskFactor

	// Overrides are the factors that forced the maximum score.
	Overrides []events.RiskFactor

	// Amplifications are the rules that fired.
	Amplifications []AmplificationRule

	// CategoryTotals are the weighted non-override contributions per category.
	CategoryTotals map[events.RiskCategory]float64
}

// Overridden reports whether any override factor fired.
func (a Assessment) Overridden() bool {
	return len(a.Overrides) > 0
}

// Aggregator computes composite scores. It holds no mutable state.
type Aggregator struct {
	cfg Config
}

// NewAggregator creates an aggregator from the configuration.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

func (a *Aggregator) weight(category events.RiskCategory) float64 {
	if w, ok := a.cfg.Weights[category]; ok {
		return w
	}
	return 1.0
}

// Aggregate combines the factors. The input slice is not modified.
func (a *Aggregator) Aggregate(factors []events.RiskFactor) Assessment {
	result := Assessment{
		Factors:        sortedFactors(factors),
		CategoryTotals: make(map[events.RiskCategory]float64),
	}

	var base float64
	for _, factor := range result.Factors {
		if factor.Override {
			result.Overrides = append(result.Overrides, factor)
			continue
		}
		weighted := factor.Contribution * a.weight(factor.Category)
		base += weighted
		result.CategoryTotals[factor.Category] += weighted
	}
	result.Base = clamp(base)

	if result.Overridden() {
		result.Score = MaxScore
		return result
	}

	total := result.Base
	for _, rule := range a.cfg.Rules {
		if a.ruleFires(rule, result.CategoryTotals) {
			total += rule.Bonus
			result.Amplifications = append(result.Amplifications, rule)
		}
	}

	result.Score = int(math.Round(clamp(total)))
	return result
}

func (a *Aggregator) ruleFires(rule AmplificationRule, totals map[events.RiskCategory]float64) bool {
	if len(rule.Categories) < 2 {
		return false
	}
	for _, category := range rule.Categories {
		if totals[category] <= 0 {
			return false
		}
	}
	return true
}

func sortedFactors(factors []events.RiskFactor) []events.RiskFactor {
	sorted := make([]events.RiskFactor, len(factors))
	copy(sorted, factors)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Override != sorted[j].Override {
			return sorted[i].Override
		}
		if sorted[i].Contribution != sorted[j].Contribution {
			return sorted[i].Contribution > sorted[j].Contribution
		}
		if sorted[i].Category != sorted[j].Category {
			return sorted[i].Category < sorted[j].Category
		}
		return sorted[i].Description < sorted[j].Description
	})
	return sorted
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, v))
}
