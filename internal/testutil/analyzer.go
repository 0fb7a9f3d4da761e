package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"panoptes-go/internal/panoptes"
)

// StubAnalyzer is a scriptable panoptes.Analyzer. Each call to Analyze pops
// the next queued error, if any, before building the result with Result.
type StubAnalyzer struct {
	AnalyzerName string
	Exts         []string
	Prio         uint8

	// Result builds the result for a successful call. Nil yields an empty result.
	Result func(path string) *panoptes.AnalysisResult

	// Block, when set, makes Analyze wait until it is closed or ctx is done.
	Block chan struct{}

	mu     sync.Mutex
	errs   []error
	calls  []string
	active int
	peak   int
}

func (a *StubAnalyzer) Name() string         { return a.AnalyzerName }
func (a *StubAnalyzer) Extensions() []string { return a.Exts }
func (a *StubAnalyzer) Priority() uint8      { return a.Prio }

func (a *StubAnalyzer) CanAnalyze(path string) bool {
	if len(a.Exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range a.Exts {
		if e == ext {
			return true
		}
	}
	return false
}

// FailNext queues errs to be returned by the next calls, in order.
func (a *StubAnalyzer) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
}

// Calls returns the paths analyzed so far.
func (a *StubAnalyzer) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// PeakConcurrency returns the largest number of overlapping Analyze calls seen.
func (a *StubAnalyzer) PeakConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

func (a *StubAnalyzer) Analyze(ctx context.Context, path string, opts panoptes.AnalyzeOptions) (*panoptes.AnalysisResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, path)
	a.active++
	if a.active > a.peak {
		a.peak = a.active
	}
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	if a.Block != nil {
		select {
		case <-a.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if a.Result != nil {
		return a.Result(path), nil
	}
	return panoptes.NewAnalysisResult(a.AnalyzerName), nil
}

var _ panoptes.Analyzer = (*StubAnalyzer)(nil)

// StubRegistry returns its single analyzer for every path it can analyze.
type StubRegistry struct {
	Analyzers []panoptes.Analyzer
}

func (r *StubRegistry) FindAnalyzer(path string) panoptes.Analyzer {
	for _, a := range r.Analyzers {
		if a.CanAnalyze(path) {
			return a
		}
	}
	return nil
}

func (r *StubRegistry) FindAllAnalyzers(path string) []panoptes.Analyzer {
	var out []panoptes.Analyzer
	for _, a := range r.Analyzers {
		if a.CanAnalyze(path) {
			out = append(out, a)
		}
	}
	return out
}

var _ panoptes.Registry = (*StubRegistry)(nil)
