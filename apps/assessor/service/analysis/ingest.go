package analysis

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// ErrEmptyChangeSet is returned when a change request has no files.
var ErrEmptyChangeSet = errors.New("change set contains no files")

// StepIngest is the name of the ingest step.
const StepIngest = "ingest"

// IngestStep summarises the change set for the steps that depend on it.
type IngestStep struct {
	rules Rules
}

// NewIngestStep creates the ingest step.
func NewIngestStep(rules Rules) *IngestStep {
	return &IngestStep{rules: rules}
}

// Metadata implements Step.
func (s *IngestStep) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:       StepIngest,
		Priority:   1,
		Required:   true,
		Capability: plugin.CapabilitySummary,
	}
}

// Prompt implements Step. Ingest is deterministic only.
func (s *IngestStep) Prompt(Snapshot) string {
	return ""
}

// Analyze implements Step.
func (s *IngestStep) Analyze(_ context.Context, snap Snapshot) (Finding, error) {
	cs := snap.ChangeSet
	if len(cs.Files) == 0 {
		return Finding{}, ErrEmptyChangeSet
	}

	languages := make(map[string]int)
	sourceFiles, testFiles := 0, 0
	for _, f := range cs.Files {
		if IsTestFile(f.Path) {
			testFiles++
		} else if IsSourceFile(f.Path) {
			sourceFiles++
		}
		if ext := strings.TrimPrefix(path.Ext(f.Path), "."); ext != "" {
			languages[ext]++
		}
	}

	sensitive := SensitiveModules(cs, s.rules.SensitivePaths)
	churn := cs.Churn()

	finding := Finding{
		Confidence: 1.0,
		Summary: fmt.Sprintf("%d files changed (+%d -%d), %d sensitive modules",
			len(cs.Files), cs.TotalAdditions(), cs.TotalDeletions(), len(sensitive)),
		Details: map[string]any{
			"files":             len(cs.Files),
			"source_files":      sourceFiles,
			"test_files":        testFiles,
			"churn":             churn,
			"languages":         sortedKeys(languages),
			"sensitive_modules": sensitive,
		},
	}

	if large := s.rules.LargeChangeLines; large > 0 && churn > large {
		contribution := 10.0
		if churn > 2*large {
			contribution = 20
		}
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryComplexity,
			Description:  fmt.Sprintf("large change: %d lines changed", churn),
			Contribution: contribution,
		})
	}

	return finding, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
