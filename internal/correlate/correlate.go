// Package correlate decides whether a newly seen path is a known file that
// moved.
package correlate

import (
	"context"
	"fmt"

	"panoptes-go/internal/panoptes"
)

const (
	ModeNone  = "none"
	ModeHash  = "hash"
	ModeXattr = "xattr"
)

// New returns the correlator for mode. ModeNone yields nil.
func New(mode string, store panoptes.Store, logger panoptes.Logger) (panoptes.Correlator, error) {
	switch mode {
	case ModeNone, "":
		return nil, nil
	case ModeHash:
		return NewHashCorrelator(store), nil
	case ModeXattr:
		return NewXattrCorrelator(store, logger), nil
	default:
		return nil, panoptes.E(panoptes.KindConfig, "new correlator", fmt.Errorf("unknown correlate mode: %q", mode))
	}
}

// HashCorrelator matches a new path to the stored record with the same
// content hash. It needs compute_hash enabled.
type HashCorrelator struct {
	store panoptes.Store
}

func NewHashCorrelator(store panoptes.Store) *HashCorrelator {
	return &HashCorrelator{store: store}
}

func (c *HashCorrelator) Correlate(ctx context.Context, path, hash string) (*panoptes.FileRecord, error) {
	if hash == "" {
		return nil, nil
	}
	rec, err := c.store.GetFileByHash(ctx, hash)
	if err != nil || rec == nil || rec.Path == path {
		return nil, err
	}
	return rec, nil
}

// Remember is a no-op; the store already indexes hashes.
func (c *HashCorrelator) Remember(string, *panoptes.FileRecord) error {
	return nil
}

var _ panoptes.Correlator = (*HashCorrelator)(nil)
