package analysis

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// StepTesting is the name of the test coverage step.
const StepTesting = "testing"

const (
	deletedTestContribution = 10.0
	coverageConfidence      = 0.75
)

// CoverageStep checks that changed production code comes with test changes.
type CoverageStep struct {
	rules   Rules
	prompts *PromptBuilder
}

// NewCoverageStep creates the test coverage step.
func NewCoverageStep(rules Rules, prompts *PromptBuilder) *CoverageStep {
	return &CoverageStep{rules: rules, prompts: prompts}
}

// Metadata implements Step.
func (s *CoverageStep) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         StepTesting,
		Dependencies: []string{StepIngest},
		Priority:     20,
		Parallel:     true,
		Capability:   plugin.CapabilityTesting,
	}
}

// Prompt implements Step.
func (s *CoverageStep) Prompt(snap Snapshot) string {
	if s.prompts == nil {
		return ""
	}
	return s.prompts.Build(s.Metadata(), snap)
}

// Analyze implements Step.
func (s *CoverageStep) Analyze(_ context.Context, snap Snapshot) (Finding, error) {
	var production []string
	testDirs := make(map[string]bool)
	testStems := make(map[string]bool)
	var deletedTests []string

	for _, f := range snap.ChangeSet.Files {
		switch {
		case IsTestFile(f.Path):
			if f.Status == "removed" {
				deletedTests = append(deletedTests, f.Path)
				continue
			}
			testDirs[path.Dir(f.Path)] = true
			testStems[testSubject(f.Path)] = true
		case IsSourceFile(f.Path) && f.Status != "removed":
			production = append(production, f.Path)
		}
	}

	var uncovered []string
	for _, p := range production {
		if testDirs[path.Dir(p)] || testStems[stem(p)] {
			continue
		}
		uncovered = append(uncovered, p)
	}

	finding := Finding{
		Confidence: coverageConfidence,
		Summary: fmt.Sprintf("%d of %d changed source files have no accompanying test changes",
			len(uncovered), len(production)),
		Details: map[string]any{
			"production_files": len(production),
			"uncovered_files":  uncovered,
			"deleted_tests":    deletedTests,
		},
	}

	if len(production) > 0 && len(uncovered) > 0 {
		share := float64(len(uncovered)) / float64(len(production))
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryTesting,
			Description:  fmt.Sprintf("%d changed source files without test changes", len(uncovered)),
			Contribution: roundTenth(s.rules.TestingGapContribution * share),
		})
	}
	if len(deletedTests) > 0 {
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryTesting,
			Description:  fmt.Sprintf("%d test files deleted", len(deletedTests)),
			Contribution: deletedTestContribution,
		})
	}

	return finding, nil
}

// stem returns the file name without directory and extension.
func stem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// testSubject maps a test file to the stem of the file it most likely covers.
func testSubject(p string) string {
	s := stem(p)
	for _, suffix := range []string{"_test", ".test", ".spec", "Test", "Tests"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.TrimPrefix(s, "test_")
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
