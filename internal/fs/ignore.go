package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// ignorePattern is a compiled ignore pattern with its matching strategy.
type ignorePattern struct {
	raw       string
	g         glob.Glob
	matchPath bool // true = match against the path and its suffixes; false = basename only
}

// IgnoreMatcher checks file paths against a set of glob patterns.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full slash-separated path or any
// trailing run of its components, so "build/*.o" matches "/src/build/x.o".
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher compiles raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) (*IgnoreMatcher, error) {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", raw, err)
		}
		patterns = append(patterns, ignorePattern{
			raw:       raw,
			g:         g,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}, nil
}

// Len returns the number of compiled patterns.
func (m *IgnoreMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// Match reports whether path matches any pattern. A nil matcher matches nothing.
func (m *IgnoreMatcher) Match(path string) bool {
	if m.Len() == 0 {
		return false
	}

	normalized := filepath.ToSlash(path)
	basename := filepath.Base(path)

	for _, p := range m.patterns {
		if !p.matchPath {
			if p.g.Match(basename) {
				return true
			}
			continue
		}
		if p.g.Match(normalized) {
			return true
		}
		for i := 0; i < len(normalized); i++ {
			if normalized[i] == '/' && p.g.Match(normalized[i+1:]) {
				return true
			}
		}
	}
	return false
}

// IsHidden reports whether the basename of path starts with a dot.
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// ParseIgnoreFile reads one pattern per line from path.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
