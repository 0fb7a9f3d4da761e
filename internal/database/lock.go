package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"panoptes-go/internal/panoptes"
)

// processLock is an exclusive advisory lock on a sibling ".lock" file that
// keeps a second process from opening the same store.
type processLock struct {
	fl *flock.Flock
}

func acquireProcessLock(path string) (*processLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, panoptes.PathError(panoptes.KindDatabase, "open store", path, fmt.Errorf("creating directory: %w", err))
	}

	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindDatabase, "lock store", path, err)
	}
	if !ok {
		return nil, panoptes.PathError(panoptes.KindBusy, "lock store", path,
			fmt.Errorf("store is held by another process"))
	}
	return &processLock{fl: fl}, nil
}

func (l *processLock) release() {
	if l == nil || l.fl == nil {
		return
	}
	l.fl.Unlock()
}
