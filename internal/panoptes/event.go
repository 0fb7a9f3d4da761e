package panoptes

import (
	"context"
	"time"
)

// EventKind is the semantic kind of a file event.
type EventKind int

const (
	Created EventKind = iota + 1
	Modified
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// FileEvent is a classified, possibly debounced, filesystem event.
type FileEvent struct {
	Path string
	Kind EventKind
	Time time.Time
}

// MergeKinds returns the kind a pending event takes when next arrives for the
// same path. The later kind wins, except that Modified never replaces Removed.
func MergeKinds(pending, next EventKind) EventKind {
	if pending == Removed && next == Modified {
		return Removed
	}
	return next
}

// Watcher is a source of semantic file events for a set of watched roots.
type Watcher interface {
	Watch(path string) error
	Unwatch(path string) error
	WatchedPaths() []string
	// Start begins delivering events. The channel is closed when ctx is
	// done or the watcher is closed.
	Start(ctx context.Context) <-chan FileEvent
	Close() error
}

// Correlator decides whether a newly observed path is a previously known
// file that moved. It returns the earlier record, or nil.
type Correlator interface {
	Correlate(ctx context.Context, path, hash string) (*FileRecord, error)
	// Remember is called after a record is committed for path.
	Remember(path string, rec *FileRecord) error
}

// Trash keeps backups of deleted files so deletes can be undone.
type Trash interface {
	// Put moves path into the trash and returns the backup location.
	Put(path string) (string, error)
}
