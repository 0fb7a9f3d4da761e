package correlate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/pkg/xattr"

	"panoptes-go/internal/panoptes"
	"panoptes-go/internal/testutil"
)

func TestNew(t *testing.T) {
	store := testutil.NewTestStore(t, testutil.FixedClock())

	tests := []struct {
		mode    string
		want    any
		wantErr bool
	}{
		{"none", nil, false},
		{"", nil, false},
		{"hash", &HashCorrelator{}, false},
		{"xattr", &XattrCorrelator{}, false},
		{"inode", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			c, err := New(tt.mode, store, nil)
			if tt.wantErr {
				if !panoptes.IsKind(err, panoptes.KindConfig) {
					t.Fatalf("New(%q) error = %v, want config error", tt.mode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.mode, err)
			}
			switch tt.want.(type) {
			case nil:
				if c != nil {
					t.Errorf("New(%q) = %T, want nil", tt.mode, c)
				}
			case *HashCorrelator:
				if _, ok := c.(*HashCorrelator); !ok {
					t.Errorf("New(%q) = %T", tt.mode, c)
				}
			case *XattrCorrelator:
				if _, ok := c.(*XattrCorrelator); !ok {
					t.Errorf("New(%q) = %T", tt.mode, c)
				}
			}
		})
	}
}

func TestHashCorrelator(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t, testutil.FixedClock())
	rec := &panoptes.FileRecord{Path: "/w/inbox/a.txt", Hash: "abc123", Size: 3}
	if err := store.UpsertFile(ctx, rec); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}
	c := NewHashCorrelator(store)

	got, err := c.Correlate(ctx, "/w/archive/a.txt", "abc123")
	if err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("Correlate = %+v, %v", got, err)
	}

	if got, _ := c.Correlate(ctx, "/w/inbox/a.txt", "abc123"); got != nil {
		t.Errorf("same path must not correlate, got %+v", got)
	}
	if got, _ := c.Correlate(ctx, "/w/b.txt", "other"); got != nil {
		t.Errorf("unknown hash correlated to %+v", got)
	}
	if got, _ := c.Correlate(ctx, "/w/b.txt", ""); got != nil {
		t.Errorf("empty hash correlated to %+v", got)
	}
}

// requireXattr skips the test when dir's filesystem has no user attributes.
func requireXattr(t *testing.T, dir string) {
	t.Helper()
	probe := testutil.WriteFile(t, dir, ".probe", "x")
	defer os.Remove(probe)
	if err := xattr.Set(probe, "user.probe", []byte("1")); err != nil {
		if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EPERM) {
			t.Skipf("user xattrs unsupported in %s", dir)
		}
		t.Fatalf("probing xattr support: %v", err)
	}
}

func TestXattrCorrelator_FollowsRename(t *testing.T) {
	dir := t.TempDir()
	requireXattr(t, dir)

	ctx := context.Background()
	store := testutil.NewTestStore(t, testutil.FixedClock())
	from := testutil.WriteFile(t, dir, "a.txt", "hello")
	rec := &panoptes.FileRecord{Path: from, Size: 5}
	if err := store.UpsertFile(ctx, rec); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	c := NewXattrCorrelator(store, nil)
	if err := c.Remember(from, rec); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if id, _ := FileID(from); id != rec.ID {
		t.Fatalf("FileID = %q, want %q", id, rec.ID)
	}

	to := filepath.Join(dir, "b.txt")
	if err := os.Rename(from, to); err != nil {
		t.Fatal(err)
	}
	got, err := c.Correlate(ctx, to, "")
	if err != nil || got == nil || got.ID != rec.ID || got.Path != from {
		t.Fatalf("Correlate = %+v, %v", got, err)
	}
}

func TestXattrCorrelator_UnstampedFile(t *testing.T) {
	dir := t.TempDir()
	store := testutil.NewTestStore(t, testutil.FixedClock())
	path := testutil.WriteFile(t, dir, "a.txt", "hello")

	got, err := NewXattrCorrelator(store, nil).Correlate(context.Background(), path, "")
	if err != nil || got != nil {
		t.Fatalf("Correlate = %+v, %v; want nil, nil", got, err)
	}
}
