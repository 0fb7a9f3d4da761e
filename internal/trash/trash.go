// Package trash keeps backups of deleted files so deletes can be undone.
package trash

import (
	"fmt"
	"os"
	"path/filepath"

	"panoptes-go/internal/fs"
	"panoptes-go/internal/panoptes"
)

// Dir is a directory-backed panoptes.Trash. Backups are named
// "<timestamp>-<id>-<basename>" so repeated deletes of one name never clash.
type Dir struct {
	root  string
	clock panoptes.Clock
	idgen panoptes.IDGenerator
}

// New creates the trash directory at root.
func New(root string, clock panoptes.Clock, idgen panoptes.IDGenerator) (*Dir, error) {
	if clock == nil {
		clock = panoptes.RealClock{}
	}
	if idgen == nil {
		idgen = panoptes.UUIDGenerator{}
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, panoptes.PathError(panoptes.KindOf(err), "create trash", root, err)
	}
	return &Dir{root: root, clock: clock, idgen: idgen}, nil
}

// Root returns the trash directory.
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) backupPath(path string) string {
	id := d.idgen.New()
	if len(id) > 8 {
		id = id[:8]
	}
	stamp := d.clock.Now().UTC().Format("20060102-150405")
	return filepath.Join(d.root, fmt.Sprintf("%s-%s-%s", stamp, id, filepath.Base(path)))
}

// Put moves path into the trash and returns the backup location. Across
// devices the file is copied and the source removed afterwards.
func (d *Dir) Put(path string) (string, error) {
	backup := d.backupPath(path)

	if err := fs.Move(path, backup); err != nil {
		return "", panoptes.PathError(panoptes.KindOf(err), "trash", path, err)
	}
	return backup, nil
}

var _ panoptes.Trash = (*Dir)(nil)
