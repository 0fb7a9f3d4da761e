package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"panoptes-go/internal/panoptes"
)

// fileJSON is the wire form of a FileRecord.
type fileJSON struct {
	ID            string     `json:"id"`
	Path          string     `json:"path"`
	Hash          string     `json:"hash,omitempty"`
	Size          int64      `json:"size"`
	MimeType      string     `json:"mime_type,omitempty"`
	OriginalName  string     `json:"original_name"`
	CurrentName   string     `json:"current_name"`
	SuggestedName string     `json:"suggested_name,omitempty"`
	Description   string     `json:"description,omitempty"`
	Confidence    *float64   `json:"confidence,omitempty"`
	Analyzer      string     `json:"analyzer,omitempty"`
	AnalyzedAt    *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toFileJSON(recs []*panoptes.FileRecord) []fileJSON {
	out := make([]fileJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, fileJSON{
			ID:            r.ID,
			Path:          r.Path,
			Hash:          r.Hash,
			Size:          r.Size,
			MimeType:      r.MimeType,
			OriginalName:  r.OriginalName,
			CurrentName:   r.CurrentName,
			SuggestedName: r.SuggestedName,
			Description:   r.Description,
			Confidence:    r.Confidence,
			Analyzer:      r.Analyzer,
			AnalyzedAt:    r.AnalyzedAt,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch panoptes.KindOf(err) {
	case panoptes.KindNotFound:
		return http.StatusNotFound
	case panoptes.KindConfig, panoptes.KindInvalidFileType, panoptes.KindWatcher:
		return http.StatusBadRequest
	case panoptes.KindBusy, panoptes.KindRename, panoptes.KindDuplicate:
		return http.StatusConflict
	case panoptes.KindPermissionDenied:
		return http.StatusForbidden
	case panoptes.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadParam = errors.New("bad parameter")

// intParam reads a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, panoptes.E(panoptes.KindConfig, "parse query", fmt.Errorf("%w: %s=%q", errBadParam, name, v))
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "panoptes",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.control.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	recs, err := s.store.ListFiles(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileJSON(recs))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, r, panoptes.E(panoptes.KindConfig, "search", errors.New("query parameter q is required")))
		return
	}
	recs, err := s.store.SearchFiles(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileJSON(recs))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.control.History(n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*panoptes.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.control.UndoLast(r.Context(), n)
	if ids == nil {
		ids = []string{}
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"undone": ids, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"undone": ids})
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	watches := s.control.Watches()
	if watches == nil {
		watches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"watching": watches})
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.writeError(w, r, panoptes.E(panoptes.KindConfig, "add watch", errors.New("body must be {\"path\": \"...\"}")))
		return
	}
	if err := s.control.AddWatch(req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"watching": req.Path})
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, r, panoptes.E(panoptes.KindConfig, "remove watch", errors.New("query parameter path is required")))
		return
	}
	if err := s.control.RemoveWatch(path); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
