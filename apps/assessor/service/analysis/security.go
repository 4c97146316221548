package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

// StepSecurity is the name of the security step.
const StepSecurity = "security"

const (
	insecurePatternContribution = 10.0
	insecurePatternLimit        = 40.0
	sensitiveModuleContribution = 5.0
	sensitiveModuleLimit        = 20.0
	secretOverrideContribution  = 50.0
	securityFallbackConfidence  = 0.7
	securityNoPatchConfidence   = 0.4
)

// insecurePattern flags a risky construct on an added line.
type insecurePattern struct {
	Name    string
	Pattern *regexp.Regexp
}

func initInsecurePatterns() []insecurePattern {
	return []insecurePattern{
		{
			Name:    "SQL built by string concatenation",
			Pattern: regexp.MustCompile(`(?i)"\s*(SELECT|INSERT|UPDATE|DELETE)\s[^"]*"\s*\+`),
		},
		{
			Name:    "SQL built with fmt.Sprintf",
			Pattern: regexp.MustCompile(`(?i)fmt\.Sprintf\(\s*"(SELECT|INSERT|UPDATE|DELETE)\s`),
		},
		{
			Name:    "shell command with dynamic input",
			Pattern: regexp.MustCompile(`(?i)(exec\.Command\("(sh|bash)"|os\.system\(|subprocess\.\w+\([^)]*shell\s*=\s*True)`),
		},
		{
			Name:    "TLS verification disabled",
			Pattern: regexp.MustCompile(`InsecureSkipVerify:\s*true|verify\s*=\s*False`),
		},
		{
			Name:    "weak hash algorithm",
			Pattern: regexp.MustCompile(`(?i)\b(md5|sha1)\.(New|Sum)|hashlib\.(md5|sha1)\(`),
		},
		{
			Name:    "dynamic code evaluation",
			Pattern: regexp.MustCompile(`\beval\s*\(`),
		},
	}
}

// SecurityStep scans added lines for secrets and risky constructs and weighs
// changes to sensitive modules.
type SecurityStep struct {
	rules    Rules
	prompts  *PromptBuilder
	patterns []insecurePattern
	secrets  *SecretScanner
}

// NewSecurityStep creates the security step with the default gitleaks rule set.
func NewSecurityStep(rules Rules, prompts *PromptBuilder) (*SecurityStep, error) {
	scanner, err := NewSecretScanner()
	if err != nil {
		return nil, err
	}
	return newSecurityStep(rules, prompts, scanner), nil
}

func newSecurityStep(rules Rules, prompts *PromptBuilder, scanner *SecretScanner) *SecurityStep {
	return &SecurityStep{
		rules:    rules,
		prompts:  prompts,
		patterns: initInsecurePatterns(),
		secrets:  scanner,
	}
}

// Metadata implements Step.
func (s *SecurityStep) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         StepSecurity,
		Dependencies: []string{StepIngest},
		Priority:     10,
		Parallel:     true,
		Capability:   plugin.CapabilitySecurity,
	}
}

// Prompt implements Step.
func (s *SecurityStep) Prompt(snap Snapshot) string {
	if s.prompts == nil {
		return ""
	}
	return s.prompts.Build(s.Metadata(), snap)
}

// Analyze implements Step.
func (s *SecurityStep) Analyze(ctx context.Context, snap Snapshot) (Finding, error) {
	log := util.Log(ctx)

	finding := Finding{
		Confidence: securityFallbackConfidence,
		Details:    map[string]any{},
	}

	var secrets []string
	patternHits := 0
	patched := 0

	for _, f := range snap.ChangeSet.Files {
		if err := ctx.Err(); err != nil {
			return Finding{}, err
		}
		if f.Patch == "" {
			continue
		}
		patched++

		added := addedLines(f.Patch)
		for _, leak := range s.secrets.scan(strings.Join(added, "\n")) {
			secrets = append(secrets, fmt.Sprintf("%s:+%d", f.Path, leak.line))
			finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
				Category:     events.RiskCategorySecurity,
				Description:  fmt.Sprintf("secret detected (%s) in %s, added line %d", leak.rule, f.Path, leak.line),
				Contribution: secretOverrideContribution,
				Override:     true,
			})
		}

		if IsTestFile(f.Path) {
			continue
		}
		for _, line := range added {
			for _, p := range s.patterns {
				if p.Pattern.MatchString(line) {
					patternHits++
					finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
						Category:     events.RiskCategorySecurity,
						Description:  fmt.Sprintf("%s in %s", p.Name, f.Path),
						Contribution: insecurePatternContribution,
					})
				}
			}
		}
	}

	finding.RiskFactors = capCategory(finding.RiskFactors, insecurePatternLimit)

	sensitive := SensitiveModules(snap.ChangeSet, s.rules.SensitivePaths)
	if len(sensitive) > 0 {
		finding.RiskFactors = append(finding.RiskFactors, events.RiskFactor{
			Category:     events.RiskCategorySecurity,
			Description:  fmt.Sprintf("sensitive modules touched: %s", strings.Join(sensitive, ", ")),
			Contribution: clampContribution(sensitiveModuleContribution*float64(len(sensitive)), sensitiveModuleLimit),
		})
	}

	if patched == 0 {
		finding.Confidence = securityNoPatchConfidence
	}

	finding.Summary = fmt.Sprintf("%d secrets, %d risky constructs, %d sensitive modules", len(secrets), patternHits, len(sensitive))
	finding.Details["secrets"] = secrets
	finding.Details["sensitive_modules"] = sensitive

	log.Debug("security analysis complete",
		"run_id", snap.RunID.String(),
		"secrets", len(secrets),
		"patterns", patternHits,
	)

	return finding, nil
}

// capCategory limits the summed non-override contribution of the factors to limit,
// trimming the last factors first.
func capCategory(factors []events.RiskFactor, limit float64) []events.RiskFactor {
	var total float64
	out := factors[:0]
	for _, f := range factors {
		if f.Override {
			out = append(out, f)
			continue
		}
		if total >= limit {
			continue
		}
		f.Contribution = clampContribution(f.Contribution, limit-total)
		total += f.Contribution
		out = append(out, f)
	}
	return out
}
