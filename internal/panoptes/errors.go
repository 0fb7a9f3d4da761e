package panoptes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies an error for retry decisions and process exit codes.
type Kind int

const (
	KindOther Kind = iota
	KindConfig
	KindNotFound
	KindPermissionDenied
	KindInvalidFileType
	KindAnalyzer
	KindExternalUnavailable
	KindDatabase
	KindHistory
	KindWatcher
	KindRename
	KindDuplicate
	KindTimeout
	KindBusy
	KindUsage
)

var kindNames = map[Kind]string{
	KindOther:               "other",
	KindConfig:              "config",
	KindNotFound:            "not found",
	KindPermissionDenied:    "permission denied",
	KindInvalidFileType:     "invalid file type",
	KindAnalyzer:            "analyzer",
	KindExternalUnavailable: "external service unavailable",
	KindDatabase:            "database",
	KindHistory:             "history",
	KindWatcher:             "watcher",
	KindRename:              "rename",
	KindDuplicate:           "duplicate",
	KindTimeout:             "timeout",
	KindBusy:                "busy or locked",
	KindUsage:               "usage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Op names the failing operation and Path the
// file involved, when there is one.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error

	// Transient marks an Analyzer error caused by a dependency that may recover.
	Transient bool
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// PathError builds a classified error about a specific path.
func PathError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// TransientAnalyzerError marks an analyzer failure as retryable.
func TransientAnalyzerError(op string, err error) *Error {
	return &Error{Kind: KindAnalyzer, Op: op, Err: err, Transient: true}
}

// KindOf returns the classification of err. Unclassified filesystem and
// deadline errors are mapped to their natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindOther
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the pipeline should retry the operation that produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindExternalUnavailable, KindTimeout:
		return true
	case KindAnalyzer:
		var e *Error
		return errors.As(err, &e) && e.Transient
	}
	return false
}

// ExitCode maps err to a sysexits-style process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfig, KindUsage:
		return 64
	case KindNotFound:
		return 66
	case KindPermissionDenied:
		return 77
	case KindExternalUnavailable, KindBusy:
		return 69
	case KindDatabase, KindHistory:
		return 74
	}
	return 1
}
