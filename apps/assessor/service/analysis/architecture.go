package analysis

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// StepArchitecture is the name of the architecture step.
const StepArchitecture = "architecture"

const (
	dependencyContribution = 10.0
	publicAPIContribution  = 20.0
	layerSpanContribution  = 10.0
	layerSpanThreshold     = 3
	architectureConfidence = 0.7
)

var exportedDeclPattern = regexp.MustCompile(`^\s*(func\s+(\([^)]*\)\s*)?[A-Z]\w*|type\s+[A-Z]\w*|export\s+(default\s+)?(function|class|const|interface)\s+\w+|public\s+\w+)`)

// ArchitectureStep looks at dependency changes, public API changes and how many
// architectural layers a change spans.
type ArchitectureStep struct {
	rules   Rules
	prompts *PromptBuilder
}

// NewArchitectureStep creates the architecture step.
func NewArchitectureStep(rules Rules, prompts *PromptBuilder) *ArchitectureStep {
	return &ArchitectureStep{rules: rules, prompts: prompts}
}

// Metadata implements Step.
func (s *ArchitectureStep) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         StepArchitecture,
		Dependencies: []string{StepIngest},
		Priority:     30,
		Parallel:     true,
		Capability:   plugin.CapabilityArchitecture,
	}
}

// Prompt implements Step.
func (s *ArchitectureStep) Prompt(snap Snapshot) string {
	if s.prompts == nil {
		return ""
	}
	return s.prompts.Build(s.Metadata(), snap)
}

// Analyze implements Step.
func (s *ArchitectureStep) Analyze(_ context.Context, snap Snapshot) (Finding, error) {
	var manifests, apiFiles []string
	layers := make(map[string]bool)

	for _, f := range snap.ChangeSet.Files {
		if IsDependencyManifest(f.Path) {
			manifests = append(manifests, f.Path)
			continue
		}
		if layer := detectLayer(f.Path); layer != "" {
			layers[layer] = true
		}
		if IsTestFile(f.Path) || !IsSourceFile(f.Path) {
			continue
		}
		if f.Status == "removed" || changesExportedAPI(f.Patch) {
			apiFiles = append(apiFiles, f.Path)
		}
	}

	layerNames := make([]string, 0, len(layers))
	for l := range layers {
		layerNames = append(layerNames, l)
	}
	sort.Strings(layerNames)

	finding := Finding{
		Confidence: architectureConfidence,
		Summary: fmt.Sprintf("%d dependency manifests, %d files with public API changes, %d layers",
			len(manifests), len(apiFiles), len(layerNames)),
		Details: map[string]any{
			"dependency_manifests": manifests,
			"public_api_files":     apiFiles,
			"layers":               layerNames,
		},
	}

	if len(manifests) > 0 {
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryDependency,
			Description:  "dependencies changed: " + strings.Join(manifests, ", "),
			Contribution: dependencyContribution,
		})
	}
	if len(apiFiles) > 0 {
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryArchitecture,
			Description:  fmt.Sprintf("public API removed or changed in %d files", len(apiFiles)),
			Contribution: publicAPIContribution,
		})
	}
	if len(layerNames) >= layerSpanThreshold {
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategoryArchitecture,
			Description:  "change spans layers: " + strings.Join(layerNames, ", "),
			Contribution: layerSpanContribution,
		})
	}

	return finding, nil
}

// changesExportedAPI reports whether the patch removes an exported declaration.
func changesExportedAPI(patch string) bool {
	for _, line := range removedLines(patch) {
		if exportedDeclPattern.MatchString(line) {
			return true
		}
	}
	return false
}
