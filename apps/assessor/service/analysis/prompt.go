package analysis

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/antinvestor/releasegate/apps/assessor/service/plugin"
	"github.com/antinvestor/releasegate/internal/events"
)

const maxPatchChars = 4000

// PromptBuilder renders the reasoning prompt for each capability.
type PromptBuilder struct {
	templates map[plugin.Capability]*template.Template
	secrets   *SecretScanner
}

// PromptOption configures a PromptBuilder.
type PromptOption func(*PromptBuilder)

// WithSecretRedaction strips lines carrying detected secrets from patches and
// descriptions before they are rendered into a prompt.
func WithSecretRedaction(scanner *SecretScanner) PromptOption {
	return func(pb *PromptBuilder) {
		pb.secrets = scanner
	}
}

// NewPromptBuilder parses the prompt templates.
func NewPromptBuilder(opts ...PromptOption) (*PromptBuilder, error) {
	pb := &PromptBuilder{
		templates: make(map[plugin.Capability]*template.Template),
	}
	for _, opt := range opts {
		opt(pb)
	}

	focus := map[plugin.Capability]string{
		plugin.CapabilitySecurity: "Focus on security: exposed credentials, authentication and authorization " +
			"changes, injection risks, cryptography and changes to sensitive modules. Mark a factor as override " +
			"only for a confirmed credential leak or an authentication bypass.",
		plugin.CapabilityTesting: "Focus on test coverage: production code changed without matching tests, " +
			"deleted or skipped tests, and untested error paths.",
		plugin.CapabilityArchitecture: "Focus on architecture: public API and contract changes, new dependencies, " +
			"cross-layer coupling, size and complexity of the change.",
		plugin.CapabilityCompliance: "Focus on compliance: changelog entries, licence headers, database " +
			"migrations without rollback and the findings of the earlier steps listed below.",
	}

	for capability, instructions := range focus {
		t, err := template.New(string(capability)).Funcs(templateFuncs).Parse(reviewTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", capability, err)
		}
		if _, err = t.New("focus").Parse(instructions); err != nil {
			return nil, fmt.Errorf("parse focus %s: %w", capability, err)
		}
		pb.templates[capability] = t
	}

	return pb, nil
}

// promptData is the template input.
type promptData struct {
	Step      string
	ChangeSet events.ChangeSet
	Prior     []events.AgentOutput
}

// Build renders the prompt for meta's capability. It returns "" for capabilities
// without a template.
func (pb *PromptBuilder) Build(meta plugin.Metadata, snap Snapshot) string {
	t, ok := pb.templates[meta.Capability]
	if !ok {
		return ""
	}

	data := promptData{Step: meta.Name, ChangeSet: pb.redact(snap.ChangeSet)}
	for _, dep := range meta.Dependencies {
		if out, found := snap.Output(dep); found && out.Produced() {
			data.Prior = append(data.Prior, out)
		}
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, string(meta.Capability), data); err != nil {
		return ""
	}
	return buf.String()
}

// redact returns a copy of c with secrets removed. The snapshot's change set
// is shared with other steps and is left untouched.
func (pb *PromptBuilder) redact(c events.ChangeSet) events.ChangeSet {
	if pb.secrets == nil {
		return c
	}
	c.Description = pb.secrets.Redact(c.Description)
	files := make([]events.FileChange, len(c.Files))
	for i, f := range c.Files {
		f.Patch = pb.secrets.Redact(f.Patch)
		files[i] = f
	}
	c.Files = files
	return c
}

//nolint:gochecknoglobals // Template functions are inherently global
var templateFuncs = template.FuncMap{
	"truncate": func(s string) string {
		if len(s) <= maxPatchChars {
			return s
		}
		return s[:maxPatchChars] + "\n... (truncated)"
	},
	"categories": func() string {
		names := make([]string, 0, len(events.KnownRiskCategories()))
		for _, c := range events.KnownRiskCategories() {
			names = append(names, string(c))
		}
		return strings.Join(names, ", ")
	},
}

const reviewTemplate = `You are assessing the release risk of a code change for the "{{.Step}}" step.
{{template "focus"}}

Change: {{.ChangeSet.Reference}}{{if .ChangeSet.Title}} - {{.ChangeSet.Title}}{{end}}
{{- if .ChangeSet.Description}}

Description:
{{.ChangeSet.Description}}
{{- end}}

Files ({{len .ChangeSet.Files}}):
{{- range .ChangeSet.Files}}
- {{.Path}} [{{.Status}}] +{{.Additions}} -{{.Deletions}}
{{- end}}
{{- range .ChangeSet.Files}}{{if .Patch}}

--- {{.Path}}
{{truncate .Patch}}
{{- end}}{{end}}
{{- if .Prior}}

Earlier findings:
{{- range .Prior}}
- {{.Step}} ({{.Method}}, confidence {{printf "%.2f" .Confidence}}):{{range .RiskFactors}} {{.Category}} +{{.Contribution}};{{end}}
{{- end}}
{{- end}}

Respond with a single JSON object and nothing else:
{"confidence": <0..1>, "summary": "<one sentence>", "risk_factors": [{"category": "<one of: {{categories}}>", "description": "<one line>", "contribution": <points 0..100>, "override": <true|false>}], "details": {}}
`
