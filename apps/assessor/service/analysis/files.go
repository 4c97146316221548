package analysis

import (
	"path"
	"sort"
	"strings"

	"github.com/antinvestor/releasegate/internal/events"
)

// Rules are the heuristic knobs shared by the deterministic step implementations.
type Rules struct {
	// SensitivePaths are path fragments marking security-sensitive modules.
	SensitivePaths []string `yaml:"sensitive_paths"`

	// LargeChangeLines is the churn above which a change counts as large.
	LargeChangeLines int `yaml:"large_change_lines"`

	// TestingGapContribution is the testing contribution when no changed production file has tests.
	TestingGapContribution float64 `yaml:"testing_gap_contribution"`

	// LicenceHeader, when set, must appear in every added source file.
	LicenceHeader string `yaml:"licence_header"`
}

// DefaultRules returns the built-in heuristics.
func DefaultRules() Rules {
	return Rules{
		SensitivePaths:         []string{"auth", "security", "crypto", "payment", "billing", "secret", "migrations"},
		LargeChangeLines:       500,
		TestingGapContribution: 30,
	}
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".kt": true, ".rb": true, ".rs": true, ".cs": true, ".php": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".swift": true, ".scala": true,
}

var dependencyManifests = map[string]bool{
	"go.mod": true, "package.json": true, "package-lock.json": true, "yarn.lock": true,
	"requirements.txt": true, "pyproject.toml": true, "poetry.lock": true, "pom.xml": true,
	"build.gradle": true, "cargo.toml": true, "gemfile": true, "composer.json": true,
}

// IsSourceFile reports whether p is program source.
func IsSourceFile(p string) bool {
	return sourceExtensions[strings.ToLower(path.Ext(p))]
}

// IsTestFile reports whether p is a test file.
func IsTestFile(p string) bool {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasSuffix(base, "test.java"),
		strings.HasSuffix(base, "tests.cs"):
		return true
	}
	return strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/") ||
		strings.HasPrefix(lower, "test/") || strings.HasPrefix(lower, "tests/") ||
		strings.Contains(lower, "__tests__/")
}

// IsDependencyManifest reports whether p declares third-party dependencies.
func IsDependencyManifest(p string) bool {
	return dependencyManifests[strings.ToLower(path.Base(p))]
}

// SensitiveModules returns the distinct directories of changed files whose
// path contains one of the sensitive fragments, sorted.
func SensitiveModules(cs events.ChangeSet, fragments []string) []string {
	seen := make(map[string]bool)
	for _, f := range cs.Files {
		lower := strings.ToLower(f.Path)
		for _, fragment := range fragments {
			if fragment != "" && strings.Contains(lower, strings.ToLower(fragment)) {
				seen[path.Dir(f.Path)] = true
				break
			}
		}
	}
	modules := make([]string, 0, len(seen))
	for m := range seen {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

// addedLines returns the lines a unified diff adds, without the leading '+'.
func addedLines(patch string) []string {
	var lines []string
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			lines = append(lines, line[1:])
		}
	}
	return lines
}

// removedLines returns the lines a unified diff removes, without the leading '-'.
func removedLines(patch string) []string {
	var lines []string
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			lines = append(lines, line[1:])
		}
	}
	return lines
}

// detectLayer maps a path to the architectural layer its directory names.
func detectLayer(filePath string) string {
	lowerPath := "/" + strings.ToLower(filePath)

	layers := map[string]string{
		"handlers": "presentation", "handler": "presentation", "controllers": "presentation",
		"controller": "presentation", "api": "presentation", "cmd": "presentation",
		"service": "application", "services": "application", "usecase": "application",
		"domain": "domain", "models": "domain", "entities": "domain", "entity": "domain",
		"repository": "infrastructure", "repositories": "infrastructure", "infrastructure": "infrastructure",
		"database": "infrastructure", "db": "infrastructure", "migrations": "infrastructure",
	}

	for _, segment := range strings.Split(path.Dir(lowerPath), "/") {
		if layer, ok := layers[segment]; ok {
			return layer
		}
	}
	return ""
}

func clampContribution(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
