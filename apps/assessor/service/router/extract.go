package router

import (
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// embeddedJSON returns the candidate JSON objects found in free text: the
// contents of fenced code blocks first, then every balanced top-level {...}
// span in order of appearance.
func embeddedJSON(text string) []string {
	var candidates []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		candidates = append(candidates, s)
	}

	for _, m := range fencedBlockPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, span := range balancedObjects(text) {
		add(span)
	}
	return candidates
}

// balancedObjects scans text for top-level brace-balanced spans, skipping
// braces inside JSON string literals.
func balancedObjects(text string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, text[start:i+1])
				start = -1
			}
		}
	}
	return spans
}
