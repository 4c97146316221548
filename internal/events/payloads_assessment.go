package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ===== CHANGE SET =====

// FileChange describes one file touched by a change request.
type FileChange struct {
	// Path is the repository-relative file path.
	Path string `json:"path"`

	// Status is the change status reported by the host (added, modified, removed, renamed).
	Status string `json:"status"`

	// Additions is the number of added lines.
	Additions int `json:"additions"`

	// Deletions is the number of removed lines.
	Deletions int `json:"deletions"`

	// Patch is the unified diff hunk for the file, when available.
	Patch string `json:"patch,omitempty"`
}

// ChangeSet is the change request under assessment.
type ChangeSet struct {
	// Reference identifies the change request, e.g. "owner/repo#42".
	Reference string `json:"reference"`

	// Title is the change request title.
	Title string `json:"title,omitempty"`

	// Description is the change request body.
	Description string `json:"description,omitempty"`

	// Author is the login of the change author.
	Author string `json:"author,omitempty"`

	// BaseBranch is the branch the change targets.
	BaseBranch string `json:"base_branch,omitempty"`

	// HeadSHA is the commit being assessed.
	HeadSHA string `json:"head_sha,omitempty"`

	// Files are the files touched by the change.
	Files []FileChange `json:"files"`

	// Comments are review comments left on the change request.
	Comments []string `json:"comments,omitempty"`
}

// TotalAdditions returns the number of added lines across all files.
func (c ChangeSet) TotalAdditions() int {
	total := 0
	for _, f := range c.Files {
		total += f.Additions
	}
	return total
}

// TotalDeletions returns the number of removed lines across all files.
func (c ChangeSet) TotalDeletions() int {
	total := 0
	for _, f := range c.Files {
		total += f.Deletions
	}
	return total
}

// Churn returns additions plus deletions.
func (c ChangeSet) Churn() int {
	return c.TotalAdditions() + c.TotalDeletions()
}

// DedupKey returns the key identifying an assessment of this exact revision.
// Change sets without a head commit are keyed on a digest of their files, so
// different content under the same reference never shares a decision.
func (c ChangeSet) DedupKey() string {
	if c.HeadSHA == "" {
		return c.Reference + "@content-" + c.ContentDigest()
	}
	return c.Reference + "@" + c.HeadSHA
}

// ContentDigest returns a short hex digest of the files and their patches,
// independent of file order.
func (c ChangeSet) ContentDigest() string {
	files := slices.Clone(c.Files)
	slices.SortFunc(files, func(a, b FileChange) int { return strings.Compare(a.Path, b.Path) })

	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%d\x00", f.Path, f.Status, f.Additions, f.Deletions, len(f.Patch))
		h.Write([]byte(f.Patch))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ===== RISK =====

// RiskCategory categorizes risk factors.
type RiskCategory string

const (
	RiskCategoryTesting      RiskCategory = "testing"
	RiskCategorySecurity     RiskCategory = "security"
	RiskCategoryArchitecture RiskCategory = "architecture"
	RiskCategoryCompliance   RiskCategory = "compliance"
	RiskCategoryComplexity   RiskCategory = "complexity"
	RiskCategoryDependency   RiskCategory = "dependency"
	RiskCategoryError        RiskCategory = "error"
)

// KnownRiskCategories lists every category the aggregator and decision engine understand.
func KnownRiskCategories() []RiskCategory {
	return []RiskCategory{
		RiskCategoryTesting,
		RiskCategorySecurity,
		RiskCategoryArchitecture,
		RiskCategoryCompliance,
		RiskCategoryComplexity,
		RiskCategoryDependency,
		RiskCategoryError,
	}
}

// IsKnown reports whether c is one of the known categories.
func (c RiskCategory) IsKnown() bool {
	for _, known := range KnownRiskCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// RiskFactor is one contribution to the composite risk score.
type RiskFactor struct {
	// Category is the risk category.
	Category RiskCategory `json:"category"`

	// Description explains the factor in one line.
	Description string `json:"description"`

	// Contribution is the number of points this factor adds to the score.
	Contribution float64 `json:"contribution"`

	// Override forces the composite score to its maximum when set.
	Override bool `json:"override,omitempty"`

	// Source is the analysis step that reported the factor.
	Source string `json:"source,omitempty"`
}

// String renders the factor for rationale lines.
func (f RiskFactor) String() string {
	if f.Override {
		return fmt.Sprintf("%s: %s (override)", f.Category, f.Description)
	}
	return fmt.Sprintf("%s: %s (+%g)", f.Category, f.Description, f.Contribution)
}

// ===== STEP OUTPUT =====

// AnalysisMethod records which path produced a step output.
type AnalysisMethod string

const (
	MethodPrimary         AnalysisMethod = "primary"
	MethodPrimaryDegraded AnalysisMethod = "primary-degraded"
	MethodFallback        AnalysisMethod = "fallback"
	MethodUnavailable     AnalysisMethod = "unavailable"
)

// FailureReason records why the primary reasoning path was abandoned.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureTimeout       FailureReason = "timeout"
	FailureMalformed     FailureReason = "malformed_output"
	FailureLowConfidence FailureReason = "low_confidence"
	FailureProviderError FailureReason = "provider_error"
)

// AgentOutput is the normalized result of one analysis step.
type AgentOutput struct {
	// Step is the name of the step that produced the output.
	Step string `json:"step"`

	// Result is the step-specific structured payload.
	Result map[string]any `json:"result,omitempty"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// Method is the path that produced the output.
	Method AnalysisMethod `json:"method"`

	// RiskFactors are the factors reported by the step.
	RiskFactors []RiskFactor `json:"risk_factors,omitempty"`

	// Errors are the errors recorded while producing the output.
	Errors []string `json:"errors,omitempty"`

	// FailureReason is set when the primary path was abandoned.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// Duration is the wall time spent on the step.
	Duration time.Duration `json:"duration"`
}

// UnavailableOutput returns the sentinel output recorded for a step that produced nothing usable.
func UnavailableOutput(step string, err error) AgentOutput {
	out := AgentOutput{
		Step:   step,
		Method: MethodUnavailable,
	}
	if err != nil {
		out.Errors = []string{err.Error()}
	}
	return out
}

// Produced reports whether the output carries a usable result.
func (o AgentOutput) Produced() bool {
	return o.Method != MethodUnavailable && o.Method != ""
}

// Degraded reports whether the step fell short of a clean primary result.
func (o AgentOutput) Degraded() bool {
	return o.Method != MethodPrimary
}

// ===== DECISION =====

// Verdict is the Go/No-Go outcome.
type Verdict string

const (
	VerdictApprove     Verdict = "approve"
	VerdictConditional Verdict = "conditional"
	VerdictReject      Verdict = "reject"
)

// Decision is the final result of an assessment run.
type Decision struct {
	// RunID identifies the run that produced the decision.
	RunID RunID `json:"run_id"`

	// Reference is the assessed change request.
	Reference string `json:"reference"`

	// HeadSHA is the assessed revision.
	HeadSHA string `json:"head_sha,omitempty"`

	// Verdict is the outcome.
	Verdict Verdict `json:"verdict"`

	// Score is the composite risk score in [0,100].
	Score int `json:"score"`

	// Rationale lists the reasons for the verdict, most significant first.
	Rationale []string `json:"rationale"`

	// Conditions are the actions required before merge; only set for conditional verdicts.
	Conditions []string `json:"conditions,omitempty"`

	// Escalate requests human review regardless of verdict.
	Escalate bool `json:"escalate"`

	// EscalationReasons explains why escalation was requested.
	EscalationReasons []string `json:"escalation_reasons,omitempty"`

	// Confidence is the lowest confidence among the step outputs.
	Confidence float64 `json:"confidence"`

	// RetriesUsed counts quality-check retries.
	RetriesUsed int `json:"retries_used"`

	// Methods maps each step to the path that produced its output.
	Methods map[string]AnalysisMethod `json:"methods,omitempty"`

	// Factors are the risk factors that contributed, highest first.
	Factors []RiskFactor `json:"factors,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}

// Headline renders a one-line summary for notifications.
func (d *Decision) Headline() string {
	escalation := ""
	if d.Escalate {
		escalation = " [escalated]"
	}
	return fmt.Sprintf("%s: %s (risk %d)%s", d.Reference, strings.ToUpper(string(d.Verdict)), d.Score, escalation)
}

// ===== REQUESTS =====

// AssessmentRequest asks for a change request to be assessed.
type AssessmentRequest struct {
	// Reference identifies the change request, e.g. "owner/repo#42".
	Reference string `json:"reference"`

	// ChangeSet carries the change inline; when nil it is fetched from the repository provider.
	ChangeSet *ChangeSet `json:"change_set,omitempty"`

	// Channel is the notification channel for the decision.
	Channel string `json:"channel,omitempty"`

	// Force bypasses the stored decision for an already assessed revision.
	Force bool `json:"force,omitempty"`
}
