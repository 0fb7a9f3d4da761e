// Package history implements the append-only JSONL journal of reversible
// file operations.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"panoptes-go/internal/panoptes"
)

// Journal is a file-backed panoptes.Journal. One line holds one entry.
//
// A sibling "<path>.lock" file is held for the Journal's lifetime so two
// processes never interleave rewrites.
type Journal struct {
	path   string
	lock   *flock.Flock
	mu     sync.Mutex
	logger panoptes.Logger
	clock  panoptes.Clock
	idgen  panoptes.IDGenerator
}

// Open opens the journal at path, creating its directory and the file.
// Nil collaborators select the real clock, UUIDs and a discarding logger.
func Open(path string, logger panoptes.Logger, clock panoptes.Clock, idgen panoptes.IDGenerator) (*Journal, error) {
	if logger == nil {
		logger = panoptes.NewNopLogger()
	}
	if clock == nil {
		clock = panoptes.RealClock{}
	}
	if idgen == nil {
		idgen = panoptes.UUIDGenerator{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, panoptes.PathError(panoptes.KindHistory, "open journal", path, fmt.Errorf("creating directory: %w", err))
	}

	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindHistory, "lock journal", path, err)
	}
	if !ok {
		return nil, panoptes.PathError(panoptes.KindBusy, "lock journal", path,
			errors.New("journal is held by another process"))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		fl.Unlock()
		return nil, panoptes.PathError(panoptes.KindHistory, "open journal", path, err)
	}
	f.Close()

	return &Journal{
		path:   path,
		lock:   fl,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
	}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

func historyErr(op string, err error) error {
	return panoptes.E(panoptes.KindHistory, op, err)
}

// Record appends entry, filling in a missing id and timestamp.
func (j *Journal) Record(entry *panoptes.HistoryEntry) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(entry)
}

func (j *Journal) appendLocked(entry *panoptes.HistoryEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = j.idgen.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.clock.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	line, err := json.Marshal(entry)
	if err != nil {
		return "", historyErr("record", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return "", historyErr("record", err)
	}
	torn, err := endsTorn(f)
	if err != nil {
		f.Close()
		return "", historyErr("record", err)
	}
	out := line
	if torn {
		out = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return "", historyErr("record", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", historyErr("record", err)
	}
	if err := f.Close(); err != nil {
		return "", historyErr("record", err)
	}
	entry.Raw = line[:len(line)-1]
	return entry.ID, nil
}

// endsTorn reports whether f is non-empty and lacks a final newline.
func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (j *Journal) RecordRename(from, to string) (string, error) {
	return j.Record(&panoptes.HistoryEntry{
		Operation:   panoptes.RenameOp(from, to),
		Description: fmt.Sprintf("Renamed %s to %s", filepath.Base(from), filepath.Base(to)),
	})
}

func (j *Journal) RecordTag(path, tag string, added bool) (string, error) {
	verb := "Removed"
	if added {
		verb = "Added"
	}
	return j.Record(&panoptes.HistoryEntry{
		Operation:   panoptes.TagOp(path, tag, added),
		Description: fmt.Sprintf("%s tag %q on %s", verb, tag, filepath.Base(path)),
	})
}

func (j *Journal) RecordDelete(path, backup string) (string, error) {
	return j.Record(&panoptes.HistoryEntry{
		Operation:   panoptes.DeleteOp(path, backup),
		Description: fmt.Sprintf("Deleted %s", filepath.Base(path)),
	})
}

func (j *Journal) RecordBatch(description string, ops []panoptes.Operation) (string, error) {
	return j.Record(&panoptes.HistoryEntry{
		Operation:   panoptes.BatchOp(ops),
		Description: description,
	})
}

// readLines returns every line of the journal without its newline.
func (j *Journal) readLines() ([][]byte, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func decodeEntry(line []byte) (*panoptes.HistoryEntry, error) {
	var entry panoptes.HistoryEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, errors.New("entry has no id")
	}
	entry.Raw = line
	return &entry, nil
}

func (j *Journal) allLocked() ([]*panoptes.HistoryEntry, error) {
	lines, err := j.readLines()
	if err != nil {
		return nil, historyErr("read journal", err)
	}

	entries := make([]*panoptes.HistoryEntry, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		entry, err := decodeEntry(line)
		if err != nil {
			j.logger.Warn("skipping malformed journal line", "path", j.path, "line", i+1, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// All returns every well-formed entry in append order.
func (j *Journal) All() ([]*panoptes.HistoryEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.allLocked()
}

// Last returns the n most recent entries in chronological order.
func (j *Journal) Last(n int) ([]*panoptes.HistoryEntry, error) {
	entries, err := j.All()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Get returns the entry with id, or nil.
func (j *Journal) Get(id string) (*panoptes.HistoryEntry, error) {
	entries, err := j.All()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

// Undoable returns the entries not yet undone, in append order.
func (j *Journal) Undoable() ([]*panoptes.HistoryEntry, error) {
	entries, err := j.All()
	if err != nil {
		return nil, err
	}
	var out []*panoptes.HistoryEntry
	for _, e := range entries {
		if !e.Undone {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkUndone flips the undone flag of id and rewrites the journal.
func (j *Journal) MarkUndone(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.findLocked(id)
	if err != nil {
		return err
	}
	if entry.Undone {
		return historyErr("mark undone", fmt.Errorf("entry already undone: %s", id))
	}
	return j.markUndoneLocked(id)
}

func (j *Journal) findLocked(id string) (*panoptes.HistoryEntry, error) {
	entries, err := j.allLocked()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, historyErr("find entry", fmt.Errorf("entry not found: %s", id))
}

// markUndoneLocked rewrites the journal with the entry id flagged undone.
// Every other line, malformed ones included, is copied byte-for-byte and
// the target keeps fields this version does not model.
func (j *Journal) markUndoneLocked(id string) error {
	lines, err := j.readLines()
	if err != nil {
		return historyErr("mark undone", err)
	}

	now := j.clock.Now().UTC()
	found := false
	var buf bytes.Buffer
	for _, line := range lines {
		if !found {
			if rewritten, ok := rewriteUndone(line, id, now); ok {
				line = rewritten
				found = true
			}
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if !found {
		return historyErr("mark undone", fmt.Errorf("entry not found: %s", id))
	}

	if err := writeAtomic(j.path, buf.Bytes()); err != nil {
		return historyErr("mark undone", err)
	}
	return nil
}

// rewriteUndone returns line with undone set when it holds entry id.
func rewriteUndone(line []byte, id string, at time.Time) ([]byte, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, false
	}
	var lineID string
	if err := json.Unmarshal(fields["id"], &lineID); err != nil || lineID != id {
		return nil, false
	}

	fields["undone"] = json.RawMessage("true")
	ts, err := json.Marshal(at)
	if err != nil {
		return nil, false
	}
	fields["undone_at"] = ts

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return out, true
}

// writeAtomic replaces path with data using a synced sibling temp file.
func writeAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-history-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Clear truncates the journal.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.Truncate(j.path, 0); err != nil {
		return historyErr("clear", err)
	}
	return nil
}

// Stats counts entries overall and per operation kind.
func (j *Journal) Stats() (*panoptes.HistoryStats, error) {
	entries, err := j.All()
	if err != nil {
		return nil, err
	}

	var st panoptes.HistoryStats
	for _, e := range entries {
		st.Total++
		if e.Undone {
			st.Undone++
		}
		switch e.Operation.Type {
		case panoptes.OpRename:
			st.Renames++
		case panoptes.OpDelete:
			st.Deletes++
		case panoptes.OpTagAdded:
			st.TagsAdded++
		case panoptes.OpTagRemoved:
			st.TagsRemoved++
		case panoptes.OpBatch:
			st.Batches++
		}
	}
	st.Pending = st.Total - st.Undone
	return &st, nil
}

// Close releases the journal lock.
func (j *Journal) Close() error {
	return j.lock.Unlock()
}

// Compile-time check that Journal implements panoptes.Journal
var _ panoptes.Journal = (*Journal)(nil)
