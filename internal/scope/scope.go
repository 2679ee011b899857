// Package scope decides whether a repository path lies inside a task's
// allowed file set.
//
// Patterns use gitignore syntax anchored at the repository root: "src/"
// allows everything below src, "**/*.md" allows markdown anywhere and a
// leading "!" carves an exception out of an earlier pattern. The last
// matching pattern wins.
package scope

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Matcher tests paths against a fixed pattern set.
type Matcher struct {
	patterns []string
	matcher  gitignore.Matcher
}

// New compiles patterns. At least one pattern is required.
func New(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		return nil, errors.New("scope has no patterns")
	}
	compiled := make([]gitignore.Pattern, 0, len(patterns))
	normalized := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := normalize(raw)
		if p == "" {
			return nil, fmt.Errorf("invalid scope pattern %q", raw)
		}
		normalized = append(normalized, p)
		compiled = append(compiled, gitignore.ParsePattern(p, nil))
	}
	return &Matcher{patterns: normalized, matcher: gitignore.NewMatcher(compiled)}, nil
}

// Patterns returns the normalized patterns.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Allowed reports whether p is inside the scope. Paths that leave the
// repository root are never allowed.
func (m *Matcher) Allowed(p string) bool {
	clean, ok := Clean(p)
	if !ok {
		return false
	}
	// A gitignore "exclude" match is an allow here.
	return m.matcher.Match(strings.Split(clean, "/"), false)
}

// Violations returns the paths of ps outside the scope, in input order and
// without duplicates.
func (m *Matcher) Violations(ps []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range ps {
		if seen[p] {
			continue
		}
		seen[p] = true
		if !m.Allowed(p) {
			out = append(out, p)
		}
	}
	return out
}

// Clean normalizes a slash-separated repository path. It reports false for
// empty, absolute or escaping paths.
func Clean(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// normalize anchors a pattern at the root.
func normalize(raw string) string {
	p := strings.TrimSpace(raw)
	negate := strings.HasPrefix(p, "!")
	p = strings.TrimPrefix(p, "!")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.Contains(p, "..") {
		return ""
	}
	if p == "**" {
		p = "*"
	}
	p = "/" + p
	if negate {
		p = "!" + p
	}
	return p
}

// ParseFile reads patterns from a gitignore-style file. Blank lines and
// comments are skipped.
func ParseFile(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p := parseLine(scanner.Text()); p != "" {
			patterns = append(patterns, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deduplicate(patterns), nil
}

func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
