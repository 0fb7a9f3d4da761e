package panoptes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"panoptes-go/internal/fs"
)

// DefaultCacheSize is the number of file stamps remembered between events.
const DefaultCacheSize = 4096

// Deps are the collaborators of a Pipeline. Store, Journal and Registry are
// required. Watcher is only needed by Run; Correlator and Trash are optional.
type Deps struct {
	Store      Store
	Journal    Journal
	Registry   Registry
	Watcher    Watcher
	Correlator Correlator
	Trash      Trash
	Logger     Logger
	Clock      Clock
	IDGen      IDGenerator
}

// PipelineConfig tunes processing.
type PipelineConfig struct {
	MaxJobs int
	// Timeout bounds one analyzer attempt. Zero means no bound.
	Timeout time.Duration
	Retry   RetryPolicy

	Roots           []string
	Recursive       bool
	ProcessExisting bool

	Filter           FilterConfig
	Analyze          AnalyzeOptions
	Naming           NamingConfig
	// CacheSize bounds the unchanged-file cache. Zero selects
	// DefaultCacheSize and a negative size disables the cache.
	CacheSize        int
	RecordTagHistory bool
	ComputeHash      bool
}

// errSkipped marks a file that was deliberately not processed.
var errSkipped = errors.New("skipped")

// stamp identifies one version of a file's content.
type stamp struct {
	size  int64
	mtime time.Time
}

// Pipeline turns file events into analyzed store records.
type Pipeline struct {
	deps   Deps
	cfg    PipelineConfig
	logger Logger
	clock  Clock

	filter *Filter
	sem    *semaphore.Weighted
	sched  *scheduler
	stamps *lru.Cache[string, stamp]

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	removed   atomic.Int64
	retries   atomic.Int64
	coalesced atomic.Int64
	inFlight  atomic.Int64

	wg sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline validates deps and cfg and returns an idle Pipeline.
func NewPipeline(deps Deps, cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, E(KindConfig, "new pipeline", errors.New("store is required"))
	case deps.Journal == nil:
		return nil, E(KindConfig, "new pipeline", errors.New("journal is required"))
	case deps.Registry == nil:
		return nil, E(KindConfig, "new pipeline", errors.New("registry is required"))
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDGen == nil {
		deps.IDGen = UUIDGenerator{}
	}
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Naming.Style == "" {
		cfg.Naming.Style = StyleKebab
	}

	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	var stamps *lru.Cache[string, stamp]
	if cfg.CacheSize > 0 {
		if stamps, err = lru.New[string, stamp](cfg.CacheSize); err != nil {
			return nil, E(KindConfig, "new pipeline", err)
		}
	}

	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		clock:  deps.Clock,
		filter: filter,
		sem:    semaphore.NewWeighted(int64(cfg.MaxJobs)),
		sched:  newScheduler(),
		stamps: stamps,
	}, nil
}

// Dispatch schedules ev. A second event for a path already in flight is
// coalesced into one follow-up instead of running concurrently.
func (p *Pipeline) Dispatch(ctx context.Context, ev FileEvent) {
	if !p.sched.begin(ev) {
		p.coalesced.Add(1)
		p.logger.Debug("coalesced event", "path", ev.Path, "kind", ev.Kind.String())
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSlot(ctx, ev)
	}()
}

// runSlot processes ev and any follow-ups queued for its path while it ran.
// The caller must hold the path's slot.
func (p *Pipeline) runSlot(ctx context.Context, ev FileEvent) {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.sched.drop(ev.Path)
			return
		}
		p.inFlight.Add(1)
		p.handle(ctx, ev)
		p.inFlight.Add(-1)
		p.sem.Release(1)

		next, ok := p.sched.finish(ev.Path)
		if !ok {
			return
		}
		ev = next
	}
}

func (p *Pipeline) handle(ctx context.Context, ev FileEvent) {
	if ev.Kind == Removed {
		p.forget(ctx, ev.Path)
		return
	}

	err := p.process(ctx, ev)
	switch {
	case err == nil:
		p.processed.Add(1)
	case errors.Is(err, errSkipped):
		p.skipped.Add(1)
	case ctx.Err() != nil:
		p.logger.Debug("discarded analysis after shutdown", "path", ev.Path)
	default:
		p.failed.Add(1)
		p.logger.Error("failed to process file", "path", ev.Path, "kind", KindOf(err).String(), "error", err)
		p.recordFailure(ctx, ev.Path, err)
	}
}

func (p *Pipeline) forget(ctx context.Context, path string) {
	p.evict(path)
	deleted, err := p.deps.Store.DeleteFileByPath(ctx, path)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("failed to remove record", "path", path, "error", err)
		return
	}
	if deleted {
		p.removed.Add(1)
		p.logger.Info("removed record", "path", path)
	}
}

func (p *Pipeline) skip(path, reason string) error {
	p.logger.Debug("skipping file", "path", path, "reason", reason)
	return errSkipped
}

// process runs one Created or Modified event to completion.
func (p *Pipeline) process(ctx context.Context, ev FileEvent) error {
	path := ev.Path
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p.skip(path, "file no longer exists")
		}
		return PathError(KindOf(err), "stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return p.skip(path, "not a regular file")
	}
	if ok, reason := p.filter.Allow(path, info.Size()); !ok {
		return p.skip(path, reason)
	}

	st := stamp{size: info.Size(), mtime: info.ModTime()}
	if p.unchanged(path, st) {
		return p.skip(path, "unchanged since last analysis")
	}

	var hash string
	if p.cfg.ComputeHash {
		if hash, err = hashFile(path); err != nil {
			return PathError(KindOf(err), "hash", path, err)
		}
	}

	existing, err := p.deps.Store.GetFileByPath(ctx, path)
	if err != nil {
		return err
	}
	if existing == nil && p.deps.Correlator != nil {
		existing = p.correlate(ctx, path, hash)
	}

	analyzer := p.deps.Registry.FindAnalyzer(path)
	if analyzer == nil {
		return p.skip(path, "no analyzer")
	}

	result, err := p.analyze(ctx, analyzer, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := p.clock.Now()
	rec := &FileRecord{
		Path:          path,
		Hash:          hash,
		Size:          info.Size(),
		MimeType:      fs.MediaType(path),
		CurrentName:   filepath.Base(path),
		SuggestedName: result.SuggestedName,
		Description:   result.Description,
		Confidence:    ClampConfidence(&result.Confidence),
		Analyzer:      result.Analyzer,
		AnalyzedAt:    &now,
	}
	if existing != nil {
		rec.ID = existing.ID
		rec.OriginalName = existing.OriginalName
		rec.CreatedAt = existing.CreatedAt
	}
	if err := p.deps.Store.UpsertFile(ctx, rec); err != nil {
		return err
	}

	if err := p.applyTags(ctx, rec, result.Tags); err != nil {
		return err
	}
	if err := p.applyCategory(ctx, rec, result.Category); err != nil {
		return err
	}
	if err := p.applyMetadata(ctx, rec, result); err != nil {
		return err
	}

	if p.cfg.Naming.AutoRename {
		if err := p.autoRename(ctx, rec, result.SuggestedName); err != nil {
			p.logger.Warn("auto-rename failed", "path", path, "error", err)
		}
	}

	if p.deps.Correlator != nil {
		if err := p.deps.Correlator.Remember(rec.Path, rec); err != nil {
			p.logger.Warn("failed to remember file identity", "path", rec.Path, "error", err)
		}
	}
	p.remember(rec.Path, st)

	var confidence any
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}
	p.logger.Info("analyzed file",
		"path", rec.Path,
		"analyzer", result.Analyzer,
		"confidence", confidence,
		"ms", result.ProcessingTimeMS())
	return nil
}

// correlate looks for an earlier record of the file now at path and moves
// it there when its old path is gone.
func (p *Pipeline) correlate(ctx context.Context, path, hash string) *FileRecord {
	prev, err := p.deps.Correlator.Correlate(ctx, path, hash)
	if err != nil {
		p.logger.Warn("correlation failed", "path", path, "error", err)
		return nil
	}
	if prev == nil || prev.Path == path {
		return prev
	}
	if _, err := os.Lstat(prev.Path); err == nil {
		// A copy, not a move.
		return nil
	}
	if err := p.deps.Store.MoveFile(ctx, prev.ID, path, filepath.Base(path)); err != nil {
		p.logger.Warn("failed to move correlated record", "from", prev.Path, "to", path, "error", err)
		return nil
	}
	p.evict(prev.Path)
	p.logger.Info("correlated moved file", "from", prev.Path, "to", path)
	prev.Path = path
	prev.CurrentName = filepath.Base(path)
	return prev
}

// analyze runs a with per-attempt timeouts, retrying retryable failures
// with exponential backoff.
func (p *Pipeline) analyze(ctx context.Context, a Analyzer, path string) (*AnalysisResult, error) {
	for attempt := 0; ; attempt++ {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		}
		start := time.Now()
		result, err := runAnalyzer(actx, a, path, p.cfg.Analyze)
		elapsed := time.Since(start)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if result == nil {
				result = NewAnalysisResult(a.Name())
			}
			if result.Analyzer == "" {
				result.Analyzer = a.Name()
			}
			result.ProcessingTime = elapsed
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut && KindOf(err) != KindTimeout {
			err = PathError(KindTimeout, "analyze", path, fmt.Errorf("%s exceeded %s: %w", a.Name(), p.cfg.Timeout, err))
		}
		if !IsRetryable(err) || attempt >= p.cfg.Retry.MaxRetries {
			return nil, err
		}

		delay := p.cfg.Retry.Backoff(attempt)
		p.retries.Add(1)
		p.logger.Warn("analysis failed, retrying",
			"path", path,
			"analyzer", a.Name(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

type analyzeOutcome struct {
	result *AnalysisResult
	err    error
}

// runAnalyzer returns ctx's error as soon as ctx is done, even if a keeps
// running. A result delivered after that is dropped.
func runAnalyzer(ctx context.Context, a Analyzer, path string, opts AnalyzeOptions) (*AnalysisResult, error) {
	done := make(chan analyzeOutcome, 1)
	go func() {
		result, err := a.Analyze(ctx, path, opts)
		done <- analyzeOutcome{result: result, err: err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// autoTags merges default and analyzer tags, dropping blanks and
// case-insensitive duplicates, and caps the result at MaxTags.
func (p *Pipeline) autoTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), p.cfg.Analyze.DefaultTags...), tags...) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	if limit := p.cfg.Analyze.MaxTags; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Pipeline) applyTags(ctx context.Context, rec *FileRecord, tags []string) error {
	var ops []Operation
	for _, name := range p.autoTags(tags) {
		tag, err := p.deps.Store.GetOrCreateTag(ctx, name)
		if err != nil {
			return err
		}
		added, err := p.deps.Store.AddFileTag(ctx, rec.ID, tag.ID)
		if err != nil {
			return err
		}
		if added {
			ops = append(ops, TagOp(rec.Path, tag.Name, true))
		}
	}

	if p.cfg.RecordTagHistory && len(ops) > 0 {
		desc := fmt.Sprintf("Tagged %s with %d tags", filepath.Base(rec.Path), len(ops))
		if _, err := p.deps.Journal.RecordBatch(desc, ops); err != nil {
			p.logger.Warn("failed to record tag history", "path", rec.Path, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) applyCategory(ctx context.Context, rec *FileRecord, category string) error {
	if strings.TrimSpace(category) == "" {
		return nil
	}
	cat, err := p.deps.Store.GetOrCreateCategoryByPath(ctx, category)
	if err != nil {
		return err
	}
	_, err = p.deps.Store.AddFileCategory(ctx, rec.ID, cat.ID)
	return err
}

// StringifyMetadata renders analyzer metadata as store strings. Strings are
// kept verbatim and everything else is JSON-encoded.
func StringifyMetadata(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = string(b)
	}
	return out
}

func (p *Pipeline) applyMetadata(ctx context.Context, rec *FileRecord, result *AnalysisResult) error {
	values := StringifyMetadata(result.Metadata)
	values["processing_time_ms"] = fmt.Sprint(result.ProcessingTimeMS())
	values[MetaOutcome] = "ok"
	values[MetaLastError] = ""
	return p.deps.Store.SetFileMetadata(ctx, rec.ID, values)
}

// Metadata keys holding the outcome of the most recent analysis of a file.
const (
	MetaOutcome   = "outcome"
	MetaLastError = "last_error"
)

// recordFailure notes err against the stored record for path, if any.
func (p *Pipeline) recordFailure(ctx context.Context, path string, err error) {
	rec, lookupErr := p.deps.Store.GetFileByPath(ctx, path)
	if lookupErr != nil || rec == nil {
		return
	}
	values := map[string]string{
		MetaOutcome:   "error:" + KindOf(err).String(),
		MetaLastError: err.Error(),
	}
	if err := p.deps.Store.SetFileMetadata(ctx, rec.ID, values); err != nil {
		p.logger.Warn("failed to record analysis failure", "path", path, "error", err)
	}
}

// autoRename renames rec's file to its styled suggested name. An existing
// file at the target is never replaced.
func (p *Pipeline) autoRename(ctx context.Context, rec *FileRecord, suggested string) error {
	if strings.TrimSpace(suggested) == "" {
		return nil
	}
	name := SuggestedFilename(rec.CurrentName, suggested, p.cfg.Naming)
	if name == "" || name == rec.CurrentName {
		return nil
	}

	from := rec.Path
	to := filepath.Join(filepath.Dir(from), name)
	if _, err := os.Lstat(to); err == nil {
		return PathError(KindRename, "auto-rename", to, errors.New("destination already exists"))
	}
	other, err := p.deps.Store.GetFileByPath(ctx, to)
	if err != nil {
		return err
	}
	if other != nil && other.ID != rec.ID {
		return PathError(KindRename, "auto-rename", to, errors.New("destination already tracked"))
	}

	if err := os.Rename(from, to); err != nil {
		return PathError(KindRename, "auto-rename", from, err)
	}
	if err := p.deps.Store.MoveFile(ctx, rec.ID, to, name); err != nil {
		if rbErr := os.Rename(to, from); rbErr != nil {
			p.logger.Error("failed to restore file after rename failure", "from", to, "to", from, "error", rbErr)
		}
		return PathError(KindRename, "auto-rename", from, err)
	}
	if _, err := p.deps.Journal.RecordRename(from, to); err != nil {
		p.logger.Warn("failed to record rename", "from", from, "to", to, "error", err)
	}

	p.evict(from)
	rec.Path = to
	rec.CurrentName = name
	p.logger.Info("renamed file", "from", from, "to", to)
	return nil
}

func (p *Pipeline) unchanged(path string, st stamp) bool {
	if p.stamps == nil {
		return false
	}
	prev, ok := p.stamps.Get(path)
	return ok && prev == st
}

func (p *Pipeline) remember(path string, st stamp) {
	if p.stamps != nil {
		p.stamps.Add(path, st)
	}
}

func (p *Pipeline) evict(path string) {
	if p.stamps != nil {
		p.stamps.Remove(path)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
