package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"panoptes-go/internal/panoptes"
	"panoptes-go/internal/testutil"
)

type fakeControl struct {
	watches  []string
	undone   []string
	undoErr  error
	history  []*panoptes.HistoryEntry
	addErr   error
	undoArgs []int
}

func (f *fakeControl) Stats(ctx context.Context) (*panoptes.PipelineStats, error) {
	return &panoptes.PipelineStats{Processed: 7, Store: &panoptes.StoreStats{FileCount: 3}}, nil
}

func (f *fakeControl) History(n int) ([]*panoptes.HistoryEntry, error) {
	if n < len(f.history) {
		return f.history[len(f.history)-n:], nil
	}
	return f.history, nil
}

func (f *fakeControl) UndoLast(ctx context.Context, n int) ([]string, error) {
	f.undoArgs = append(f.undoArgs, n)
	return f.undone, f.undoErr
}

func (f *fakeControl) AddWatch(path string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.watches = append(f.watches, path)
	return nil
}

func (f *fakeControl) RemoveWatch(path string) error {
	var kept []string
	for _, w := range f.watches {
		if w != path {
			kept = append(kept, w)
		}
	}
	f.watches = kept
	return nil
}

func (f *fakeControl) Watches() []string { return f.watches }

func newTestServer(t *testing.T, control *fakeControl) (*Server, panoptes.Store) {
	t.Helper()
	store := testutil.NewTestStore(t, testutil.FixedClock())
	return New(control, store, nil), store
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeControl{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["status"] != "healthy" {
		t.Errorf("body = %v", got)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, &fakeControl{})
	rec := do(t, s, http.MethodGet, "/api/stats", "")
	got := decode[map[string]any](t, rec)
	if got["processed"] != float64(7) {
		t.Errorf("processed = %v", got["processed"])
	}
	if store, _ := got["store"].(map[string]any); store["file_count"] != float64(3) {
		t.Errorf("store = %v", got["store"])
	}
}

func TestFilesAndSearch(t *testing.T) {
	s, store := newTestServer(t, &fakeControl{})
	ctx := context.Background()
	for _, p := range []string{"/w/invoice_2024.pdf", "/w/holiday.jpg", "/w/invoice-old.pdf"} {
		if err := store.UpsertFile(ctx, &panoptes.FileRecord{Path: p, Size: 1}); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(t, s, http.MethodGet, "/api/files?limit=2", "")
	if files := decode[[]fileJSON](t, rec); len(files) != 2 {
		t.Errorf("files = %d, want 2", len(files))
	}

	rec = do(t, s, http.MethodGet, "/api/search?q=invoice_", "")
	files := decode[[]fileJSON](t, rec)
	if len(files) != 1 || files[0].Path != "/w/invoice_2024.pdf" {
		t.Errorf("search = %+v", files)
	}

	if rec := do(t, s, http.MethodGet, "/api/search", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/files?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}
}

func TestHistoryAndUndo(t *testing.T) {
	control := &fakeControl{
		history: []*panoptes.HistoryEntry{
			{ID: "h-1", Operation: panoptes.RenameOp("/w/a", "/w/b")},
			{ID: "h-2", Operation: panoptes.DeleteOp("/w/c", "/t/c")},
		},
		undone: []string{"h-2"},
	}
	s, _ := newTestServer(t, control)

	rec := do(t, s, http.MethodGet, "/api/history?n=1", "")
	entries := decode[[]panoptes.HistoryEntry](t, rec)
	if len(entries) != 1 || entries[0].ID != "h-2" {
		t.Errorf("history = %+v", entries)
	}

	rec = do(t, s, http.MethodPost, "/api/undo?n=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("undo status = %d", rec.Code)
	}
	if diff := cmp.Diff([]int{2}, control.undoArgs); diff != "" {
		t.Errorf("undo args mismatch (-want +got):\n%s", diff)
	}

	control.undoErr = panoptes.E(panoptes.KindRename, "undo", errors.New("destination already exists"))
	rec = do(t, s, http.MethodPost, "/api/undo", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("failed undo status = %d, want 409", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["error"] == nil {
		t.Errorf("body = %v", got)
	}
}

func TestWatches(t *testing.T) {
	control := &fakeControl{}
	s, _ := newTestServer(t, control)

	if rec := do(t, s, http.MethodPost, "/api/watches", `{"path":"/w/inbox"}`); rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/watches", "")
	if diff := cmp.Diff(map[string][]string{"watching": {"/w/inbox"}}, decode[map[string][]string](t, rec)); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}

	if rec := do(t, s, http.MethodDelete, "/api/watches?path=/w/inbox", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if len(control.watches) != 0 {
		t.Errorf("watches = %v", control.watches)
	}

	if rec := do(t, s, http.MethodPost, "/api/watches", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
	control.addErr = panoptes.PathError(panoptes.KindNotFound, "watch", "/nope", errors.New("stat path"))
	if rec := do(t, s, http.MethodPost, "/api/watches", `{"path":"/nope"}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing dir status = %d", rec.Code)
	}
}

func TestServeListener_Shutdown(t *testing.T) {
	s, _ := newTestServer(t, &fakeControl{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
