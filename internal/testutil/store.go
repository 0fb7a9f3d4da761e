package testutil

import (
	"path/filepath"
	"testing"

	"panoptes-go/internal/database"
	"panoptes-go/internal/history"
	"panoptes-go/internal/panoptes"
)

// NewTestStore creates an in-memory store with schema applied.
// The store is closed when the test completes.
func NewTestStore(t *testing.T, clock panoptes.Clock) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(database.MemoryPath, clock, NewPrefixedIDGenerator("rec"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewTestJournal opens a journal in a fresh temp directory.
func NewTestJournal(t *testing.T, clock panoptes.Clock) *history.Journal {
	t.Helper()

	j, err := history.Open(filepath.Join(t.TempDir(), "history.jsonl"), nil, clock, NewPrefixedIDGenerator("h"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}
