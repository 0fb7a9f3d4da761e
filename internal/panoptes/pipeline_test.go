package panoptes_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"panoptes-go/internal/database"
	"panoptes-go/internal/fs"
	"panoptes-go/internal/history"
	"panoptes-go/internal/panoptes"
	"panoptes-go/internal/testutil"
)

type harness struct {
	dir      string
	store    *database.SQLiteStore
	journal  *history.Journal
	analyzer *testutil.StubAnalyzer
	watcher  *testutil.FakeWatcher
	pipeline *panoptes.Pipeline
}

func newHarness(t *testing.T, configure func(*panoptes.Deps, *panoptes.PipelineConfig)) *harness {
	t.Helper()

	clock := testutil.FixedClock()
	h := &harness{
		dir:     t.TempDir(),
		store:   testutil.NewTestStore(t, clock),
		journal: testutil.NewTestJournal(t, clock),
		analyzer: &testutil.StubAnalyzer{
			AnalyzerName: "stub",
			Prio:         50,
		},
		watcher: testutil.NewFakeWatcher(),
	}
	t.Cleanup(func() { h.watcher.Close() })

	deps := panoptes.Deps{
		Store:    h.store,
		Journal:  h.journal,
		Registry: &testutil.StubRegistry{Analyzers: []panoptes.Analyzer{h.analyzer}},
		Watcher:  h.watcher,
		Clock:    clock,
	}
	cfg := panoptes.PipelineConfig{
		MaxJobs: 4,
		Timeout: 5 * time.Second,
		Retry: panoptes.RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		Recursive:        true,
		RecordTagHistory: true,
	}
	if configure != nil {
		configure(&deps, &cfg)
	}

	p, err := panoptes.NewPipeline(deps, cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	h.pipeline = p
	return h
}

func (h *harness) process(path string, kind panoptes.EventKind) {
	h.pipeline.Process(context.Background(), panoptes.FileEvent{Path: path, Kind: kind})
}

func (h *harness) stats(t *testing.T) *panoptes.PipelineStats {
	t.Helper()
	st, err := h.pipeline.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func (h *harness) record(t *testing.T, path string) *panoptes.FileRecord {
	t.Helper()
	rec, err := h.store.GetFileByPath(context.Background(), path)
	if err != nil {
		t.Fatalf("GetFileByPath(%s): %v", path, err)
	}
	return rec
}

func (h *harness) tagNames(t *testing.T, fileID string) []string {
	t.Helper()
	tags, err := h.store.GetFileTags(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFileTags: %v", err)
	}
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	sort.Strings(names)
	return names
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func notesResult(path string) *panoptes.AnalysisResult {
	return panoptes.NewAnalysisResult("stub").
		WithSuggestedName("Meeting Notes").
		WithDescription("Notes from the weekly sync").
		WithTags("alpha", "beta", "Alpha").
		WithCategory("documents/notes").
		WithConfidence(0.9).
		WithMetadata("lines", 3).
		WithMetadata("encoding", "utf-8").
		WithMetadata("flags", []string{"draft"})
}

func TestPipeline_ProcessCreated(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Analyze = panoptes.AnalyzeOptions{MaxTags: 2, DefaultTags: []string{"inbox"}}
	})
	h.analyzer.Result = notesResult
	path := testutil.WriteFile(t, h.dir, "scan001.txt", "alpha\nbeta\ngamma\n")

	h.process(path, panoptes.Created)

	rec := h.record(t, path)
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Analyzer != "stub" || rec.MimeType != fs.MediaType(path) || rec.Size != 17 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", rec.Confidence)
	}
	if rec.SuggestedName != "Meeting Notes" || rec.OriginalName != "scan001.txt" {
		t.Errorf("names = %q/%q", rec.SuggestedName, rec.OriginalName)
	}
	if rec.AnalyzedAt == nil {
		t.Error("analyzed_at not set")
	}
	if rec.Hash != "" {
		t.Errorf("hash = %q, want empty without ComputeHash", rec.Hash)
	}

	if diff := cmp.Diff([]string{"alpha", "inbox"}, h.tagNames(t, rec.ID)); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	cats, err := h.store.GetFileCategories(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetFileCategories: %v", err)
	}
	if len(cats) != 1 || cats[0].Path != "documents/notes" {
		t.Errorf("categories = %+v", cats)
	}

	meta, err := h.store.GetFileMetadata(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetFileMetadata: %v", err)
	}
	if meta["lines"] != "3" || meta["encoding"] != "utf-8" || meta["flags"] != `["draft"]` {
		t.Errorf("metadata = %v", meta)
	}
	if _, ok := meta["processing_time_ms"]; !ok {
		t.Error("processing_time_ms missing")
	}

	entries, err := h.journal.All()
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation.Type != panoptes.OpBatch {
		t.Fatalf("expected one batch entry, got %+v", entries)
	}
	want := []panoptes.Operation{
		panoptes.TagOp(path, "inbox", true),
		panoptes.TagOp(path, "alpha", true),
	}
	if diff := cmp.Diff(want, entries[0].Operation.Operations); diff != "" {
		t.Errorf("batch ops mismatch (-want +got):\n%s", diff)
	}

	st := h.stats(t)
	if st.Processed != 1 || st.Failed != 0 || st.Store.FileCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// infoLogger keeps the key/value args of each Info call by message.
type infoLogger struct {
	panoptes.NopLogger
	mu   sync.Mutex
	info map[string][]any
}

func (l *infoLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.info == nil {
		l.info = map[string][]any{}
	}
	l.info[msg] = args
}

func (l *infoLogger) value(msg, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	args := l.info[msg]
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1], true
		}
	}
	return nil, false
}

func TestPipeline_LogsStoredConfidence(t *testing.T) {
	logger := &infoLogger{}
	h := newHarness(t, func(deps *panoptes.Deps, _ *panoptes.PipelineConfig) {
		deps.Logger = logger
	})
	h.analyzer.Result = func(string) *panoptes.AnalysisResult {
		r := panoptes.NewAnalysisResult("stub")
		r.Confidence = 1.7
		return r
	}
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	rec := h.record(t, path)
	if rec == nil || rec.Confidence == nil || *rec.Confidence != 1 {
		t.Fatalf("stored record = %+v", rec)
	}
	got, ok := logger.value("analyzed file", "confidence")
	if !ok || got != 1.0 {
		t.Errorf("logged confidence = %v, want 1", got)
	}
}

func TestPipeline_ReprocessKeepsIdentity(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.Result = notesResult
	path := testutil.WriteFile(t, h.dir, "a.txt", "one")

	h.process(path, panoptes.Created)
	first := h.record(t, path)

	if err := os.WriteFile(path, []byte("one two"), 0644); err != nil {
		t.Fatal(err)
	}
	h.process(path, panoptes.Modified)
	second := h.record(t, path)

	if second.ID != first.ID || second.OriginalName != first.OriginalName || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("identity changed: %+v -> %+v", first, second)
	}
	if second.Size != 7 {
		t.Errorf("size = %d, want 7", second.Size)
	}

	entries, _ := h.journal.All()
	if len(entries) != 1 {
		t.Errorf("tags already present must not be journaled again, got %d entries", len(entries))
	}
}

func TestPipeline_UnchangedModifiedSkipped(t *testing.T) {
	h := newHarness(t, nil)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)
	h.process(path, panoptes.Modified)

	if n := len(h.analyzer.Calls()); n != 1 {
		t.Errorf("analyzer calls = %d, want 1", n)
	}
	if st := h.stats(t); st.Processed != 1 || st.Skipped != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_Removed(t *testing.T) {
	h := newHarness(t, nil)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")
	h.process(path, panoptes.Created)

	os.Remove(path)
	h.process(path, panoptes.Removed)

	if rec := h.record(t, path); rec != nil {
		t.Errorf("record should be gone, got %+v", rec)
	}
	if st := h.stats(t); st.Removed != 1 {
		t.Errorf("removed = %d, want 1", st.Removed)
	}

	// A removal for an unknown path is not counted.
	h.process(filepath.Join(h.dir, "never.txt"), panoptes.Removed)
	if st := h.stats(t); st.Removed != 1 {
		t.Errorf("removed = %d, want 1", st.Removed)
	}
}

func TestPipeline_SkipsFilteredAndMissing(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Filter = panoptes.FilterConfig{MinSize: 4, ExcludeExtensions: []string{"iso"}}
	})
	small := testutil.WriteFile(t, h.dir, "small.txt", "ab")
	image := testutil.WriteFile(t, h.dir, "disk.iso", "0123456789")
	sub := filepath.Join(h.dir, "sub")
	os.Mkdir(sub, 0755)

	h.process(small, panoptes.Created)
	h.process(image, panoptes.Created)
	h.process(sub, panoptes.Created)
	h.process(filepath.Join(h.dir, "gone.txt"), panoptes.Created)

	if calls := h.analyzer.Calls(); len(calls) != 0 {
		t.Errorf("analyzer should not run, got %v", calls)
	}
	if st := h.stats(t); st.Skipped != 4 || st.Processed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_NoAnalyzer(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.Exts = []string{"jpg"}
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	if rec := h.record(t, path); rec != nil {
		t.Errorf("no record expected, got %+v", rec)
	}
	if st := h.stats(t); st.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", st.Skipped)
	}
}

func TestPipeline_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.FailNext(
		panoptes.TransientAnalyzerError("analyze", errors.New("model busy")),
		panoptes.E(panoptes.KindExternalUnavailable, "analyze", errors.New("connection refused")),
	)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	if n := len(h.analyzer.Calls()); n != 3 {
		t.Errorf("analyzer calls = %d, want 3", n)
	}
	st := h.stats(t)
	if st.Processed != 1 || st.Retries != 2 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
	if h.record(t, path) == nil {
		t.Error("expected a record after recovery")
	}
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Retry.MaxRetries = 2
	})
	transient := panoptes.TransientAnalyzerError("analyze", errors.New("model busy"))
	h.analyzer.FailNext(transient, transient, transient, transient)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	if n := len(h.analyzer.Calls()); n != 3 {
		t.Errorf("analyzer calls = %d, want 3", n)
	}
	if st := h.stats(t); st.Failed != 1 || st.Retries != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.FailNext(panoptes.E(panoptes.KindAnalyzer, "analyze", errors.New("corrupt header")))
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	if n := len(h.analyzer.Calls()); n != 1 {
		t.Errorf("analyzer calls = %d, want 1", n)
	}
	if st := h.stats(t); st.Failed != 1 || st.Retries != 0 {
		t.Errorf("stats = %+v", st)
	}
	if rec := h.record(t, path); rec != nil {
		t.Errorf("no record expected, got %+v", rec)
	}
}

func TestPipeline_FailureRecordedOnExistingRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)
	rec := h.record(t, path)
	if rec == nil {
		t.Fatal("no record after first analysis")
	}
	meta, err := h.store.GetFileMetadata(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetFileMetadata() error = %v", err)
	}
	if meta[panoptes.MetaOutcome] != "ok" {
		t.Errorf("outcome = %q, want ok", meta[panoptes.MetaOutcome])
	}

	testutil.WriteFile(t, h.dir, "a.txt", "hello, changed")
	h.analyzer.FailNext(panoptes.E(panoptes.KindAnalyzer, "analyze", errors.New("corrupt header")))
	h.process(path, panoptes.Modified)

	meta, err = h.store.GetFileMetadata(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetFileMetadata() error = %v", err)
	}
	if meta[panoptes.MetaOutcome] != "error:analyzer" {
		t.Errorf("outcome = %q, want error:analyzer", meta[panoptes.MetaOutcome])
	}
	if !strings.Contains(meta[panoptes.MetaLastError], "corrupt header") {
		t.Errorf("last_error = %q", meta[panoptes.MetaLastError])
	}
}

func TestPipeline_TimeoutIsRetried(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.Retry.MaxRetries = 1
	})
	h.analyzer.Block = make(chan struct{})
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	h.process(path, panoptes.Created)

	if n := len(h.analyzer.Calls()); n != 2 {
		t.Errorf("analyzer calls = %d, want 2", n)
	}
	if st := h.stats(t); st.Failed != 1 || st.Retries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// stubbornAnalyzer ignores ctx and succeeds once release is closed.
type stubbornAnalyzer struct {
	release  chan struct{}
	finished chan struct{}
}

func (a *stubbornAnalyzer) Name() string           { return "stubborn" }
func (a *stubbornAnalyzer) Extensions() []string   { return nil }
func (a *stubbornAnalyzer) Priority() uint8        { return 10 }
func (a *stubbornAnalyzer) CanAnalyze(string) bool { return true }

func (a *stubbornAnalyzer) Analyze(_ context.Context, _ string, _ panoptes.AnalyzeOptions) (*panoptes.AnalysisResult, error) {
	defer close(a.finished)
	<-a.release
	return panoptes.NewAnalysisResult("stubborn").WithDescription("late"), nil
}

func TestPipeline_TimeoutIgnoresLateResult(t *testing.T) {
	slow := &stubbornAnalyzer{release: make(chan struct{}), finished: make(chan struct{})}
	h := newHarness(t, func(deps *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		deps.Registry = &testutil.StubRegistry{Analyzers: []panoptes.Analyzer{slow}}
		cfg.Timeout = 20 * time.Millisecond
		cfg.Retry.MaxRetries = 0
	})
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	start := time.Now()
	h.process(path, panoptes.Created)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Process took %s, want it bounded by the timeout", elapsed)
	}

	close(slow.release)
	<-slow.finished

	if rec := h.record(t, path); rec != nil {
		t.Errorf("late result must not be stored, got %+v", rec)
	}
	if st := h.stats(t); st.Failed != 1 || st.Processed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_CancelledAnalysisDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.Block = make(chan struct{})
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.Process(ctx, panoptes.FileEvent{Path: path, Kind: panoptes.Created})
	}()
	waitFor(t, "analysis to start", func() bool { return len(h.analyzer.Calls()) == 1 })
	cancel()
	<-done

	if rec := h.record(t, path); rec != nil {
		t.Errorf("cancelled analysis must not be stored, got %+v", rec)
	}
	if st := h.stats(t); st.Failed != 0 || st.Processed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_AutoRenameAndUndo(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Naming = panoptes.NamingConfig{AutoRename: true, Style: panoptes.StyleKebab, MaxLength: 40}
	})
	h.analyzer.Result = notesResult
	orig := testutil.WriteFile(t, h.dir, "scan001.TXT", "alpha\n")
	renamed := filepath.Join(h.dir, "meeting-notes.txt")
	ctx := context.Background()

	h.process(orig, panoptes.Created)

	if testutil.Exists(t, orig) || !testutil.Exists(t, renamed) {
		t.Fatal("file was not renamed")
	}
	rec := h.record(t, renamed)
	if rec == nil || rec.CurrentName != "meeting-notes.txt" || rec.OriginalName != "scan001.TXT" {
		t.Fatalf("record after rename = %+v", rec)
	}

	// The watcher reports the rename; neither half changes anything.
	h.process(orig, panoptes.Removed)
	h.process(renamed, panoptes.Created)
	if n := len(h.analyzer.Calls()); n != 1 {
		t.Errorf("analyzer calls = %d, want 1", n)
	}
	if h.record(t, renamed) == nil {
		t.Fatal("record lost after rename events")
	}

	ids, err := h.pipeline.UndoLast(ctx, 1)
	if err != nil || len(ids) != 1 {
		t.Fatalf("UndoLast = %v, %v", ids, err)
	}
	if !testutil.Exists(t, orig) || testutil.Exists(t, renamed) {
		t.Fatal("rename was not undone on disk")
	}
	back := h.record(t, orig)
	if back == nil || back.ID != rec.ID {
		t.Fatalf("record not moved back: %+v", back)
	}

	if _, err := h.pipeline.UndoLast(ctx, 1); err != nil {
		t.Fatalf("UndoLast tags: %v", err)
	}
	if tags := h.tagNames(t, rec.ID); len(tags) != 0 {
		t.Errorf("tags after undo = %v, want none", tags)
	}

	ids, err = h.pipeline.UndoLast(ctx, 5)
	if err != nil || len(ids) != 0 {
		t.Errorf("nothing left to undo, got %v, %v", ids, err)
	}
}

func TestPipeline_AutoRenameCollisionKeepsSource(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.Naming = panoptes.NamingConfig{AutoRename: true, Style: panoptes.StyleKebab}
	})
	h.analyzer.Result = notesResult
	orig := testutil.WriteFile(t, h.dir, "scan001.txt", "alpha\n")
	taken := testutil.WriteFile(t, h.dir, "meeting-notes.txt", "someone else's notes")

	h.process(orig, panoptes.Created)

	if !testutil.Exists(t, orig) {
		t.Fatal("source must stay in place")
	}
	if data, _ := os.ReadFile(taken); string(data) != "someone else's notes" {
		t.Error("existing file was overwritten")
	}
	if h.record(t, orig) == nil {
		t.Error("record should stay at the original path")
	}
	if st := h.stats(t); st.Processed != 1 || st.History.Renames != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// moveFailingStore rejects every MoveFile.
type moveFailingStore struct {
	*database.SQLiteStore
}

func (s moveFailingStore) MoveFile(context.Context, string, string, string) error {
	return errors.New("store unavailable")
}

func TestPipeline_AutoRenameStoreFailureKeepsSource(t *testing.T) {
	ctx := context.Background()

	t.Run("target already tracked", func(t *testing.T) {
		h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
			cfg.Naming = panoptes.NamingConfig{AutoRename: true, Style: panoptes.StyleKebab}
		})
		h.analyzer.Result = notesResult
		orig := testutil.WriteFile(t, h.dir, "scan001.txt", "alpha\n")
		target := filepath.Join(h.dir, "meeting-notes.txt")
		stale := &panoptes.FileRecord{Path: target, OriginalName: "meeting-notes.txt", CurrentName: "meeting-notes.txt"}
		if err := h.store.UpsertFile(ctx, stale); err != nil {
			t.Fatalf("UpsertFile: %v", err)
		}

		h.process(orig, panoptes.Created)

		if !testutil.Exists(t, orig) || testutil.Exists(t, target) {
			t.Fatal("source must stay in place")
		}
		if h.record(t, orig) == nil {
			t.Error("record should stay at the original path")
		}
		if st := h.stats(t); st.History.Renames != 0 {
			t.Errorf("renames recorded = %d, want 0", st.History.Renames)
		}
	})

	t.Run("move rejected by store", func(t *testing.T) {
		h := newHarness(t, func(deps *panoptes.Deps, cfg *panoptes.PipelineConfig) {
			deps.Store = moveFailingStore{deps.Store.(*database.SQLiteStore)}
			cfg.Naming = panoptes.NamingConfig{AutoRename: true, Style: panoptes.StyleKebab}
		})
		h.analyzer.Result = notesResult
		orig := testutil.WriteFile(t, h.dir, "scan001.txt", "alpha\n")
		target := filepath.Join(h.dir, "meeting-notes.txt")

		h.process(orig, panoptes.Created)

		if !testutil.Exists(t, orig) || testutil.Exists(t, target) {
			t.Fatal("file must be moved back when the store rejects the rename")
		}
		if h.record(t, orig) == nil {
			t.Error("record should stay at the original path")
		}
		if st := h.stats(t); st.History.Renames != 0 {
			t.Errorf("renames recorded = %d, want 0", st.History.Renames)
		}
	})
}

type dirTrash struct{ dir string }

func (d dirTrash) Put(path string) (string, error) {
	dst := filepath.Join(d.dir, filepath.Base(path)+".trashed")
	return dst, os.Rename(path, dst)
}

func TestPipeline_TrashAndUndo(t *testing.T) {
	trashDir := t.TempDir()
	h := newHarness(t, func(deps *panoptes.Deps, _ *panoptes.PipelineConfig) {
		deps.Trash = dirTrash{dir: trashDir}
	})
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")
	ctx := context.Background()
	h.process(path, panoptes.Created)

	backup, err := h.pipeline.Trash(ctx, path)
	if err != nil {
		t.Fatalf("Trash: %v", err)
	}
	if testutil.Exists(t, path) || !testutil.Exists(t, backup) {
		t.Fatal("file not moved to trash")
	}
	if rec := h.record(t, path); rec != nil {
		t.Errorf("record should be deleted, got %+v", rec)
	}

	last, _ := h.journal.Last(1)
	if len(last) != 1 {
		t.Fatalf("journal = %+v", last)
	}
	if diff := cmp.Diff(panoptes.DeleteOp(path, backup), last[0].Operation); diff != "" {
		t.Errorf("delete op mismatch (-want +got):\n%s", diff)
	}

	if _, err := h.pipeline.UndoLast(ctx, 1); err != nil {
		t.Fatalf("UndoLast: %v", err)
	}
	if !testutil.Exists(t, path) {
		t.Fatal("file not restored")
	}
	if h.record(t, path) == nil {
		t.Error("restored file should be indexed again")
	}
}

func TestPipeline_TrashWithoutTrashDir(t *testing.T) {
	h := newHarness(t, nil)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	if _, err := h.pipeline.Trash(context.Background(), path); !panoptes.IsKind(err, panoptes.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !testutil.Exists(t, path) {
		t.Fatal("file must be untouched")
	}
}

type memCorrelator struct {
	mu     sync.Mutex
	byHash map[string]panoptes.FileRecord
}

func (c *memCorrelator) Correlate(_ context.Context, _, hash string) (*panoptes.FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byHash[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (c *memCorrelator) Remember(_ string, rec *panoptes.FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash[rec.Hash] = *rec
	return nil
}

func TestPipeline_CorrelatesMovedFile(t *testing.T) {
	h := newHarness(t, func(deps *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		deps.Correlator = &memCorrelator{byHash: map[string]panoptes.FileRecord{}}
		cfg.ComputeHash = true
	})
	from := testutil.WriteFile(t, h.dir, "inbox/a.txt", "same bytes")
	to := filepath.Join(h.dir, "archive", "b.txt")

	h.process(from, panoptes.Created)
	first := h.record(t, from)
	if first.Hash != testutil.SHA256Hex([]byte("same bytes")) {
		t.Fatalf("hash = %q", first.Hash)
	}

	os.MkdirAll(filepath.Dir(to), 0755)
	if err := os.Rename(from, to); err != nil {
		t.Fatal(err)
	}
	h.process(to, panoptes.Created)
	h.process(from, panoptes.Removed)

	moved := h.record(t, to)
	if moved == nil || moved.ID != first.ID || moved.OriginalName != "a.txt" || moved.CurrentName != "b.txt" {
		t.Fatalf("moved record = %+v", moved)
	}
	if st := h.stats(t); st.Store.FileCount != 1 || st.Removed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_CorrelatorIgnoresCopies(t *testing.T) {
	h := newHarness(t, func(deps *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		deps.Correlator = &memCorrelator{byHash: map[string]panoptes.FileRecord{}}
		cfg.ComputeHash = true
	})
	a := testutil.WriteFile(t, h.dir, "a.txt", "same bytes")
	b := testutil.WriteFile(t, h.dir, "b.txt", "same bytes")

	h.process(a, panoptes.Created)
	h.process(b, panoptes.Created)

	ra, rb := h.record(t, a), h.record(t, b)
	if ra == nil || rb == nil || ra.ID == rb.ID {
		t.Fatalf("copies must be separate records: %+v %+v", ra, rb)
	}
}

func TestPipeline_ScanRespectsMaxJobs(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.MaxJobs = 2
	})
	h.analyzer.Block = make(chan struct{})
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d/e.txt", "d/f.txt"} {
		testutil.WriteFile(t, h.dir, name, "content "+name)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := h.pipeline.Scan(context.Background(), h.dir)
		done <- result{n, err}
	}()

	waitFor(t, "two analyses", func() bool { return len(h.analyzer.Calls()) == 2 })
	time.Sleep(30 * time.Millisecond)
	if n := len(h.analyzer.Calls()); n != 2 {
		t.Errorf("analyzer calls while blocked = %d, want 2", n)
	}
	if st := h.stats(t); st.InFlight != 2 {
		t.Errorf("in flight = %d, want 2", st.InFlight)
	}
	close(h.analyzer.Block)

	r := <-done
	if r.err != nil || r.n != 5 {
		t.Fatalf("Scan = %d, %v", r.n, r.err)
	}
	if peak := h.analyzer.PeakConcurrency(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if st := h.stats(t); st.Processed != 5 || st.InFlight != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_ScanErrors(t *testing.T) {
	h := newHarness(t, nil)
	file := testutil.WriteFile(t, h.dir, "a.txt", "x")

	if _, err := h.pipeline.Scan(context.Background(), filepath.Join(h.dir, "missing")); !panoptes.IsKind(err, panoptes.KindNotFound) {
		t.Errorf("missing root: got %v", err)
	}
	if _, err := h.pipeline.Scan(context.Background(), file); !panoptes.IsKind(err, panoptes.KindInvalidFileType) {
		t.Errorf("file root: got %v", err)
	}
}

func TestPipeline_RunCoalescesInFlightEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.Block = make(chan struct{})
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	runErr := make(chan error, 1)
	go func() { runErr <- h.pipeline.Run(context.Background()) }()

	h.watcher.Emit(panoptes.FileEvent{Path: path, Kind: panoptes.Created})
	waitFor(t, "analysis to start", func() bool { return len(h.analyzer.Calls()) == 1 })

	h.watcher.Emit(panoptes.FileEvent{Path: path, Kind: panoptes.Modified})
	h.watcher.Emit(panoptes.FileEvent{Path: path, Kind: panoptes.Modified})
	waitFor(t, "events to coalesce", func() bool { return h.stats(t).Coalesced == 2 })

	close(h.analyzer.Block)
	waitFor(t, "follow-up to run", func() bool {
		st := h.stats(t)
		return st.Processed+st.Skipped == 2
	})

	h.pipeline.Stop()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.analyzer.Calls()); n != 1 {
		t.Errorf("analyzer calls = %d, want 1 (follow-up saw unchanged file)", n)
	}
}

func TestPipeline_RunProcessesExistingFiles(t *testing.T) {
	h := newHarness(t, func(_ *panoptes.Deps, cfg *panoptes.PipelineConfig) {
		cfg.ProcessExisting = true
	})
	testutil.WriteFile(t, h.dir, "a.txt", "hello")
	testutil.WriteFile(t, h.dir, "nested/b.txt", "world")
	if err := h.pipeline.AddWatch(h.dir); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.pipeline.Run(ctx) }()

	waitFor(t, "existing files", func() bool { return h.stats(t).Processed == 2 })
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{h.dir}, h.pipeline.Watches()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}
	recent, err := h.pipeline.ListRecent(context.Background(), 10)
	if err != nil || len(recent) != 2 {
		t.Errorf("ListRecent = %d records, %v", len(recent), err)
	}
}

func TestPipeline_RunRejectsSecondRun(t *testing.T) {
	h := newHarness(t, nil)
	path := testutil.WriteFile(t, h.dir, "a.txt", "hello")

	runErr := make(chan error, 1)
	go func() { runErr <- h.pipeline.Run(context.Background()) }()
	h.watcher.Emit(panoptes.FileEvent{Path: path, Kind: panoptes.Created})
	waitFor(t, "pipeline to start", func() bool { return h.stats(t).Processed == 1 })

	if err := h.pipeline.Run(context.Background()); !panoptes.IsKind(err, panoptes.KindBusy) {
		t.Errorf("second Run: got %v, want busy", err)
	}

	h.pipeline.Stop()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.pipeline.Stop()
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	_, err := panoptes.NewPipeline(panoptes.Deps{}, panoptes.PipelineConfig{})
	if !panoptes.IsKind(err, panoptes.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestStringifyMetadata(t *testing.T) {
	got := panoptes.StringifyMetadata(map[string]any{
		"s":    "plain",
		"n":    42,
		"f":    1.5,
		"b":    true,
		"list": []int{1, 2},
		"obj":  map[string]string{"k": "v"},
		"nil":  nil,
	})
	want := map[string]string{
		"s":    "plain",
		"n":    "42",
		"f":    "1.5",
		"b":    "true",
		"list": "[1,2]",
		"obj":  `{"k":"v"}`,
		"nil":  "null",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("StringifyMetadata mismatch (-want +got):\n%s", diff)
	}
}
