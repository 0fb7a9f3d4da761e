package correlate

import (
	"context"
	"errors"
	"syscall"

	"github.com/pkg/xattr"

	"panoptes-go/internal/panoptes"
)

// IDAttr is the extended attribute holding a file's record id.
const IDAttr = "user.panoptes.id"

// XattrCorrelator stamps each committed file with its record id and reads
// the stamp back when the file reappears under a new path. Attributes
// travel with the inode, so renames keep them.
type XattrCorrelator struct {
	store  panoptes.Store
	logger panoptes.Logger
}

func NewXattrCorrelator(store panoptes.Store, logger panoptes.Logger) *XattrCorrelator {
	if logger == nil {
		logger = panoptes.NewNopLogger()
	}
	return &XattrCorrelator{store: store, logger: logger}
}

// unsupported reports errors meaning the file simply carries no stamp.
func unsupported(err error) bool {
	return errors.Is(err, xattr.ENOATTR) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EPERM)
}

// FileID returns the record id stamped on path, or "".
func FileID(path string) (string, error) {
	val, err := xattr.Get(path, IDAttr)
	if err != nil {
		if unsupported(err) {
			return "", nil
		}
		return "", err
	}
	return string(val), nil
}

// SetFileID stamps path with id.
func SetFileID(path, id string) error {
	return xattr.Set(path, IDAttr, []byte(id))
}

func (c *XattrCorrelator) Correlate(ctx context.Context, path, _ string) (*panoptes.FileRecord, error) {
	id, err := FileID(path)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindOf(err), "read file id", path, err)
	}
	if id == "" {
		return nil, nil
	}
	rec, err := c.store.GetFile(ctx, id)
	if err != nil || rec == nil || rec.Path == path {
		return nil, err
	}
	return rec, nil
}

func (c *XattrCorrelator) Remember(path string, rec *panoptes.FileRecord) error {
	if current, err := FileID(path); err == nil && current == rec.ID {
		return nil
	}
	if err := SetFileID(path, rec.ID); err != nil {
		if unsupported(err) {
			c.logger.Debug("extended attributes unsupported", "path", path)
			return nil
		}
		return panoptes.PathError(panoptes.KindOf(err), "write file id", path, err)
	}
	return nil
}

var _ panoptes.Correlator = (*XattrCorrelator)(nil)
