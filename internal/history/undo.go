package history

import (
	"errors"
	"fmt"
	"os"

	"panoptes-go/internal/fs"
	"panoptes-go/internal/panoptes"
)

// Undo reverses entry id. Tag operations are left to the caller.
func (j *Journal) Undo(id string) error {
	return j.UndoWith(id, nil)
}

// UndoWith reverses entry id and marks it undone. hook receives each tag
// operation so the caller can reverse it in the store; a nil hook skips them.
// On failure the entry stays pending.
func (j *Journal) UndoWith(id string, hook panoptes.UndoHook) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.undoLocked(id, hook)
}

func (j *Journal) undoLocked(id string, hook panoptes.UndoHook) error {
	entry, err := j.findLocked(id)
	if err != nil {
		return err
	}
	if entry.Undone {
		return historyErr("undo", fmt.Errorf("entry already undone: %s", id))
	}

	if err := invert(entry.Operation, hook); err != nil {
		return err
	}
	if err := j.markUndoneLocked(id); err != nil {
		return err
	}
	j.logger.Info("undid operation", "id", id, "type", string(entry.Operation.Type))
	return nil
}

// UndoLast undoes the n newest pending entries, newest first.
func (j *Journal) UndoLast(n int) ([]string, error) {
	return j.UndoLastWith(n, nil)
}

// UndoLastWith is UndoLast with a tag hook. It stops at the first failure
// and returns the ids undone before it.
func (j *Journal) UndoLastWith(n int, hook panoptes.UndoHook) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.allLocked()
	if err != nil {
		return nil, err
	}

	var undone []string
	for i := len(entries) - 1; i >= 0 && len(undone) < n; i-- {
		if entries[i].Undone {
			continue
		}
		if err := j.undoLocked(entries[i].ID, hook); err != nil {
			return undone, err
		}
		undone = append(undone, entries[i].ID)
	}
	return undone, nil
}

func invert(op panoptes.Operation, hook panoptes.UndoHook) error {
	switch op.Type {
	case panoptes.OpRename:
		return moveBack(op.To, op.From)
	case panoptes.OpDelete:
		if op.Backup == "" {
			return panoptes.PathError(panoptes.KindHistory, "undo delete", op.Path, errors.New("no backup recorded"))
		}
		return moveBack(op.Backup, op.Path)
	case panoptes.OpTagAdded, panoptes.OpTagRemoved:
		if hook == nil {
			return nil
		}
		return hook(op)
	case panoptes.OpBatch:
		for i := len(op.Operations) - 1; i >= 0; i-- {
			if err := invert(op.Operations[i], hook); err != nil {
				return err
			}
		}
		return nil
	}
	return historyErr("undo", fmt.Errorf("unknown operation type %q", op.Type))
}

// moveBack moves src to dst without replacing an existing dst. Across
// devices the file is copied.
func moveBack(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return panoptes.PathError(panoptes.KindNotFound, "undo", src, err)
		}
		return panoptes.PathError(panoptes.KindOf(err), "undo", src, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return panoptes.PathError(panoptes.KindRename, "undo", dst, errors.New("destination already exists"))
	}

	if err := fs.Move(src, dst); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return panoptes.PathError(panoptes.KindPermissionDenied, "undo", src, err)
		}
		return panoptes.PathError(panoptes.KindRename, "undo", src, err)
	}
	return nil
}
