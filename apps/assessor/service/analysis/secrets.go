package analysis

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretScanner finds credentials in text with the default gitleaks rule set.
// The detector is not safe for concurrent use, so calls are serialized.
type SecretScanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewSecretScanner loads the default gitleaks configuration.
func NewSecretScanner() (*SecretScanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create secret detector: %w", err)
	}
	return &SecretScanner{detector: detector}, nil
}

type secretLeak struct {
	rule   string
	line   int
	secret string
}

func (s *SecretScanner) scan(content string) []secretLeak {
	if content == "" {
		return nil
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	leaks := make([]secretLeak, 0, len(findings))
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		leaks = append(leaks, secretLeak{rule: f.RuleID, line: f.StartLine, secret: secret})
	}
	return leaks
}

// Redact replaces every line of content that carries a detected secret with a
// marker naming the rule. A leading diff marker is kept so patches still read
// as patches.
func (s *SecretScanner) Redact(content string) string {
	leaks := s.scan(content)
	if len(leaks) == 0 {
		return content
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for _, leak := range leaks {
			if leak.secret == "" || !strings.Contains(line, leak.secret) {
				continue
			}
			prefix := ""
			if line != "" && strings.ContainsRune("+- ", rune(line[0])) {
				prefix = line[:1]
			}
			lines[i] = prefix + "[redacted secret: " + leak.rule + "]"
			break
		}
	}
	return strings.Join(lines, "\n")
}
