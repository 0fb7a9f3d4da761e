package panoptes

import (
	"context"
	"time"
)

// AnalyzeOptions carries the tagging settings analyzers honor.
type AnalyzeOptions struct {
	MaxTags     int
	DefaultTags []string
}

// AnalysisResult is what an analyzer learned about one file.
// The With* builders mutate the receiver and return it for chaining.
type AnalysisResult struct {
	SuggestedName  string
	Description    string
	Tags           []string
	Category       string
	Confidence     float64
	Metadata       map[string]any
	Analyzer       string
	ProcessingTime time.Duration
}

// NewAnalysisResult returns an empty result attributed to analyzer.
func NewAnalysisResult(analyzer string) *AnalysisResult {
	return &AnalysisResult{Analyzer: analyzer, Metadata: map[string]any{}}
}

func (r *AnalysisResult) WithSuggestedName(name string) *AnalysisResult {
	r.SuggestedName = name
	return r
}

func (r *AnalysisResult) WithDescription(desc string) *AnalysisResult {
	r.Description = desc
	return r
}

func (r *AnalysisResult) WithTags(tags ...string) *AnalysisResult {
	r.Tags = append([]string(nil), tags...)
	return r
}

func (r *AnalysisResult) AddTag(tag string) *AnalysisResult {
	r.Tags = append(r.Tags, tag)
	return r
}

func (r *AnalysisResult) WithCategory(category string) *AnalysisResult {
	r.Category = category
	return r
}

// WithConfidence sets the confidence clamped to [0,1].
func (r *AnalysisResult) WithConfidence(c float64) *AnalysisResult {
	if clamped := ClampConfidence(&c); clamped != nil {
		r.Confidence = *clamped
	} else {
		r.Confidence = 0
	}
	return r
}

func (r *AnalysisResult) WithMetadata(key string, value any) *AnalysisResult {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
	return r
}

// ProcessingTimeMS returns the elapsed analysis time in whole milliseconds.
func (r *AnalysisResult) ProcessingTimeMS() int64 {
	return r.ProcessingTime.Milliseconds()
}

// Analyzer maps a file path to an AnalysisResult.
type Analyzer interface {
	Name() string
	Extensions() []string
	// Priority orders analyzers; higher wins.
	Priority() uint8
	CanAnalyze(path string) bool
	Analyze(ctx context.Context, path string, opts AnalyzeOptions) (*AnalysisResult, error)
}

// Registry selects analyzers for paths.
type Registry interface {
	FindAnalyzer(path string) Analyzer
	FindAllAnalyzers(path string) []Analyzer
}
