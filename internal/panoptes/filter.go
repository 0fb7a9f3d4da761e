package panoptes

import (
	"fmt"
	"path/filepath"
	"strings"

	"panoptes-go/internal/fs"
)

// FilterConfig selects which files reach analyzer dispatch. Zero sizes
// mean no bound; extensions are matched without the dot and without case.
type FilterConfig struct {
	MinSize           int64
	MaxSize           int64
	IncludeExtensions []string
	ExcludeExtensions []string
	ExcludeHidden     bool
	ExcludePatterns   []string
}

// Filter is a compiled FilterConfig.
type Filter struct {
	cfg      FilterConfig
	include  map[string]bool
	exclude  map[string]bool
	patterns *fs.IgnoreMatcher
}

func extSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))] = true
	}
	return set
}

// NewFilter compiles cfg.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	patterns, err := fs.NewIgnoreMatcher(cfg.ExcludePatterns)
	if err != nil {
		return nil, E(KindConfig, "compile filter", err)
	}
	return &Filter{
		cfg:      cfg,
		include:  extSet(cfg.IncludeExtensions),
		exclude:  extSet(cfg.ExcludeExtensions),
		patterns: patterns,
	}, nil
}

// Allow reports whether a file of the given size at path passes the filter.
// When it does not, the second result says why.
func (f *Filter) Allow(path string, size int64) (bool, string) {
	if f.cfg.ExcludeHidden && fs.IsHidden(path) {
		return false, "hidden"
	}
	if f.cfg.MinSize > 0 && size < f.cfg.MinSize {
		return false, fmt.Sprintf("smaller than %d bytes", f.cfg.MinSize)
	}
	if f.cfg.MaxSize > 0 && size > f.cfg.MaxSize {
		return false, fmt.Sprintf("larger than %d bytes", f.cfg.MaxSize)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if f.include != nil && !f.include[ext] {
		return false, "extension not included"
	}
	if f.exclude[ext] {
		return false, "extension excluded"
	}
	if f.patterns.Match(path) {
		return false, "matches exclude pattern"
	}
	return true, ""
}

// SkipDir reports whether a directory is left out of enumeration.
func (f *Filter) SkipDir(path string) bool {
	if f.cfg.ExcludeHidden && fs.IsHidden(path) {
		return true
	}
	return f.patterns.Match(path)
}
