package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m, err := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		if err != nil {
			t.Fatalf("NewIgnoreMatcher() error = %v", err)
		}
		if m.Len() != 1 {
			t.Fatalf("expected 1 pattern, got %d", m.Len())
		}
		if m.patterns[0].raw != "*.log" {
			t.Errorf("expected *.log, got %s", m.patterns[0].raw)
		}
	})

	t.Run("classifies path vs basename patterns", func(t *testing.T) {
		t.Parallel()
		m, err := NewIgnoreMatcher([]string{"*.log", "build/output"})
		if err != nil {
			t.Fatalf("NewIgnoreMatcher() error = %v", err)
		}
		if m.patterns[0].matchPath {
			t.Error("*.log should not be a path pattern")
		}
		if !m.patterns[1].matchPath {
			t.Error("build/output should be a path pattern")
		}
	})

	t.Run("rejects malformed pattern", func(t *testing.T) {
		t.Parallel()
		if _, err := NewIgnoreMatcher([]string{"[unclosed"}); err == nil {
			t.Error("NewIgnoreMatcher() expected error for malformed pattern")
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{
			name:     "basename glob matches file at root",
			patterns: []string{"*.log"},
			path:     "/w/app.log",
			want:     true,
		},
		{
			name:     "basename glob matches file in subdirectory",
			patterns: []string{"*.log"},
			path:     "/w/sub/app.log",
			want:     true,
		},
		{
			name:     "basename glob does not match different extension",
			patterns: []string{"*.log"},
			path:     "/w/app.txt",
			want:     false,
		},
		{
			name:     "hidden-file glob",
			patterns: []string{".*"},
			path:     "/w/.DS_Store",
			want:     true,
		},
		{
			name:     "path pattern matches trailing components",
			patterns: []string{"build/output"},
			path:     "/src/build/output",
			want:     true,
		},
		{
			name:     "path pattern does not match wrong directory",
			patterns: []string{"build/output"},
			path:     "/src/dist/output",
			want:     false,
		},
		{
			name:     "path pattern with star stays within one component",
			patterns: []string{"build/*.o"},
			path:     "/src/build/deep/main.o",
			want:     false,
		},
		{
			name:     "double star crosses components",
			patterns: []string{"/src/**/*.o"},
			path:     "/src/build/deep/main.o",
			want:     true,
		},
		{
			name:     "alternation",
			patterns: []string{"*.{jpg,png}"},
			path:     "/w/photo.png",
			want:     true,
		},
		{
			name:     "question mark does not match multiple chars",
			patterns: []string{"?.txt"},
			path:     "/w/ab.txt",
			want:     false,
		},
		{
			name:     "character class",
			patterns: []string{"*.[oa]"},
			path:     "/w/main.o",
			want:     true,
		},
		{
			name:     "no patterns matches nothing",
			patterns: nil,
			path:     "/w/anything.txt",
			want:     false,
		},
		{
			name:     "multiple patterns second matches",
			patterns: []string{"*.log", "*.tmp"},
			path:     "/w/data.tmp",
			want:     true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewIgnoreMatcher(tt.patterns)
			if err != nil {
				t.Fatalf("NewIgnoreMatcher() error = %v", err)
			}
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_NilMatchesNothing(t *testing.T) {
	var m *IgnoreMatcher
	if m.Match("/w/a.txt") {
		t.Error("nil matcher should match nothing")
	}
}

func TestIsHidden(t *testing.T) {
	tests := map[string]bool{
		"/w/.git":     true,
		"/w/.env":     true,
		"/w/a.txt":    false,
		"/w/.hidden/": true,
		".":           false,
	}
	for path, want := range tests {
		if got := IsHidden(path); got != want {
			t.Errorf("IsHidden(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("reads patterns from file", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, ".panoptesignore")
		content := "*.log\n# comment\n\n*.tmp\nbuild/output\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		patterns, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(patterns) != 5 {
			t.Fatalf("expected 5 raw lines, got %d", len(patterns))
		}

		m, err := NewIgnoreMatcher(patterns)
		if err != nil {
			t.Fatalf("NewIgnoreMatcher() error = %v", err)
		}
		if m.Len() != 3 {
			t.Errorf("expected 3 parsed patterns, got %d", m.Len())
		}
	})

	t.Run("returns nil for missing file", func(t *testing.T) {
		t.Parallel()
		patterns, err := ParseIgnoreFile("/nonexistent/.panoptesignore")
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if patterns != nil {
			t.Errorf("expected nil patterns, got %v", patterns)
		}
	})
}
