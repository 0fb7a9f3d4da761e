package panoptes

import (
	"encoding/json"
	"time"
)

// OpType discriminates the Operation variants in the journal.
type OpType string

const (
	OpRename     OpType = "rename"
	OpDelete     OpType = "delete"
	OpTagAdded   OpType = "tag_added"
	OpTagRemoved OpType = "tag_removed"
	OpBatch      OpType = "batch"
)

// Operation is a reversible change. Only the fields relevant to Type are set.
type Operation struct {
	Type OpType `json:"type"`

	// rename
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// delete
	Path   string `json:"path,omitempty"`
	Backup string `json:"backup,omitempty"`

	// tag_added, tag_removed
	File string `json:"file,omitempty"`
	Tag  string `json:"tag,omitempty"`

	// batch
	Operations []Operation `json:"operations,omitempty"`
}

func RenameOp(from, to string) Operation {
	return Operation{Type: OpRename, From: from, To: to}
}

func DeleteOp(path, backup string) Operation {
	return Operation{Type: OpDelete, Path: path, Backup: backup}
}

// TagOp returns a tag_added or tag_removed operation.
func TagOp(file, tag string, added bool) Operation {
	if added {
		return Operation{Type: OpTagAdded, File: file, Tag: tag}
	}
	return Operation{Type: OpTagRemoved, File: file, Tag: tag}
}

func BatchOp(ops []Operation) Operation {
	return Operation{Type: OpBatch, Operations: ops}
}

// HistoryEntry is one journal record.
type HistoryEntry struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Operation   Operation  `json:"operation"`
	Undone      bool       `json:"undone,omitempty"`
	UndoneAt    *time.Time `json:"undone_at,omitempty"`
	Description string     `json:"description,omitempty"`

	// Raw is the line the entry was decoded from, kept so rewrites
	// preserve fields this version does not know about.
	Raw json.RawMessage `json:"-"`
}

// HistoryStats summarizes the journal.
type HistoryStats struct {
	Total       int `json:"total"`
	Undone      int `json:"undone"`
	Pending     int `json:"pending"`
	Renames     int `json:"renames"`
	Deletes     int `json:"deletes"`
	TagsAdded   int `json:"tags_added"`
	TagsRemoved int `json:"tags_removed"`
	Batches     int `json:"batches"`
}

// UndoHook receives tag operations during undo so the caller can reverse
// them in the store. It is called with the inverse already decided: the
// operation passed is the one being undone.
type UndoHook func(op Operation) error

// Journal is the append-only log of reversible operations.
type Journal interface {
	Record(entry *HistoryEntry) (string, error)
	RecordRename(from, to string) (string, error)
	RecordTag(path, tag string, added bool) (string, error)
	RecordDelete(path, backup string) (string, error)
	RecordBatch(description string, ops []Operation) (string, error)
	All() ([]*HistoryEntry, error)
	Last(n int) ([]*HistoryEntry, error)
	Get(id string) (*HistoryEntry, error)
	Undoable() ([]*HistoryEntry, error)
	Undo(id string) error
	UndoWith(id string, hook UndoHook) error
	UndoLast(n int) ([]string, error)
	UndoLastWith(n int, hook UndoHook) ([]string, error)
	MarkUndone(id string) error
	Clear() error
	Stats() (*HistoryStats, error)
	Close() error
}
