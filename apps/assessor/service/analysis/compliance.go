package analysis

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// StepCompliance is the name of the compliance step.
const StepCompliance = "compliance"

const (
	changelogContribution       = 5.0
	rollbackContribution        = 15.0
	licenceContribution         = 5.0
	missingEvidenceContribution = 5.0
	complianceConfidence        = 0.8
)

// ComplianceStep checks release hygiene and reads the security and testing outputs.
type ComplianceStep struct {
	rules   Rules
	prompts *PromptBuilder
}

// NewComplianceStep creates the compliance step.
func NewComplianceStep(rules Rules, prompts *PromptBuilder) *ComplianceStep {
	return &ComplianceStep{rules: rules, prompts: prompts}
}

// Metadata implements Step.
func (s *ComplianceStep) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         StepCompliance,
		Dependencies: []string{StepSecurity, StepTesting},
		Priority:     40,
		Parallel:     true,
		Capability:   plugin.CapabilityCompliance,
	}
}

// Prompt implements Step.
func (s *ComplianceStep) Prompt(snap Snapshot) string {
	if s.prompts == nil {
		return ""
	}
	return s.prompts.Build(s.Metadata(), snap)
}

// Analyze implements Step.
func (s *ComplianceStep) Analyze(_ context.Context, snap Snapshot) (Finding, error) {
	cs := snap.ChangeSet
	finding := Finding{Confidence: complianceConfidence}

	var findings []string
	add := func(description string, contribution float64) {
		findings = append(findings, description)
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryCompliance,
			Description:  description,
			Contribution: contribution,
		})
	}

	if large := s.rules.LargeChangeLines; large > 0 && cs.Churn() > large && !touchesChangelog(cs) {
		add("large change without a changelog entry", changelogContribution)
	}

	if ups := migrationsWithoutRollback(cs); len(ups) > 0 {
		add("migrations without rollback: "+strings.Join(ups, ", "), rollbackContribution)
	}

	if header := s.rules.LicenceHeader; header != "" {
		var missing []string
		for _, f := range cs.Files {
			if f.Status != "added" || !IsSourceFile(f.Path) || f.Patch == "" {
				continue
			}
			if !strings.Contains(strings.Join(addedLines(f.Patch), "\n"), header) {
				missing = append(missing, f.Path)
			}
		}
		if len(missing) > 0 {
			add(fmt.Sprintf("%d new files without licence header", len(missing)), licenceContribution)
		}
	}

	for _, dep := range []string{StepSecurity, StepTesting} {
		if out, ok := snap.Output(dep); !ok || !out.Produced() {
			add(fmt.Sprintf("no %s evidence for the release record", dep), missingEvidenceContribution)
		}
	}

	finding.Summary = fmt.Sprintf("%d compliance findings", len(findings))
	finding.Details = map[string]any{"findings": findings}
	return finding, nil
}

func touchesChangelog(cs events.ChangeSet) bool {
	for _, f := range cs.Files {
		base := strings.ToLower(path.Base(f.Path))
		if strings.HasPrefix(base, "changelog") || strings.HasPrefix(base, "changes") ||
			strings.Contains(strings.ToLower(f.Path), ".changeset/") {
			return true
		}
	}
	return false
}

// migrationsWithoutRollback returns added up-migrations that have no matching down-migration in the change.
func migrationsWithoutRollback(cs events.ChangeSet) []string {
	downs := make(map[string]bool)
	var ups []string
	for _, f := range cs.Files {
		lower := strings.ToLower(f.Path)
		if !strings.Contains(lower, "migration") || f.Status != "added" {
			continue
		}
		switch {
		case strings.Contains(lower, ".down."):
			downs[strings.Replace(lower, ".down.", ".", 1)] = true
		case strings.Contains(lower, ".up."):
			ups = append(ups, f.Path)
		}
	}

	var missing []string
	for _, up := range ups {
		if !downs[strings.Replace(strings.ToLower(up), ".up.", ".", 1)] {
			missing = append(missing, up)
		}
	}
	return missing
}
