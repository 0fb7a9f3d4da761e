package analyzer

import (
	"slices"
	"sort"
	"sync"

	"panoptes-go/internal/panoptes"
)

// Registry dispatches paths to analyzers in descending priority order.
// Analyzers of equal priority keep their registration order.
type Registry struct {
	mu        sync.RWMutex
	analyzers []panoptes.Analyzer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry returns a registry with the built-in analyzers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTextAnalyzer())
	r.Register(NewGenericAnalyzer())
	return r
}

// Register adds a and re-sorts the registry.
func (r *Registry) Register(a panoptes.Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.analyzers = append(r.analyzers, a)
	sort.SliceStable(r.analyzers, func(i, j int) bool {
		return r.analyzers[i].Priority() > r.analyzers[j].Priority()
	})
}

// FindAnalyzer returns the highest-priority analyzer accepting path, or nil.
func (r *Registry) FindAnalyzer(path string) panoptes.Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.analyzers {
		if a.CanAnalyze(path) {
			return a
		}
	}
	return nil
}

// FindAllAnalyzers returns every analyzer accepting path, best first.
func (r *Registry) FindAllAnalyzers(path string) []panoptes.Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []panoptes.Analyzer
	for _, a := range r.analyzers {
		if a.CanAnalyze(path) {
			out = append(out, a)
		}
	}
	return out
}

// Info describes one registered analyzer.
type Info struct {
	Name       string   `json:"name"`
	Priority   uint8    `json:"priority"`
	Extensions []string `json:"extensions"`
}

// List describes the registered analyzers in dispatch order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		out = append(out, Info{Name: a.Name(), Priority: a.Priority(), Extensions: a.Extensions()})
	}
	return out
}

// SupportedExtensions returns the sorted union of all analyzer extensions.
func (r *Registry) SupportedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var exts []string
	for _, a := range r.analyzers {
		exts = append(exts, a.Extensions()...)
	}
	slices.Sort(exts)
	return slices.Compact(exts)
}

// Len returns the number of registered analyzers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.analyzers)
}

var _ panoptes.Registry = (*Registry)(nil)
