// Package analyzer holds the analyzer registry and the built-in analyzers.
package analyzer

import (
	"path/filepath"
	"strings"
)

// Base supplies the name, extension list and priority of an analyzer, plus
// an extension-based CanAnalyze. Concrete analyzers embed it.
type Base struct {
	name     string
	exts     []string
	priority uint8
}

// NewBase returns a Base. Extensions are given without the leading dot.
func NewBase(name string, priority uint8, exts ...string) Base {
	lowered := make([]string, len(exts))
	for i, e := range exts {
		lowered[i] = strings.ToLower(strings.TrimPrefix(e, "."))
	}
	return Base{name: name, exts: lowered, priority: priority}
}

func (b Base) Name() string         { return b.name }
func (b Base) Extensions() []string { return b.exts }
func (b Base) Priority() uint8      { return b.priority }

// CanAnalyze reports whether the extension of path, compared without case,
// is one of the analyzer's extensions.
func (b Base) CanAnalyze(path string) bool {
	ext := Ext(path)
	if ext == "" {
		return false
	}
	for _, e := range b.exts {
		if e == ext {
			return true
		}
	}
	return false
}

// Ext returns the lowercased extension of path without the dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
