package panoptes

import (
	"context"
	"math"
	"time"
)

// FileRecord is the stored state of one observed file.
type FileRecord struct {
	ID            string
	Path          string
	Hash          string
	Size          int64
	MimeType      string
	OriginalName  string
	CurrentName   string
	SuggestedName string
	Description   string
	Confidence    *float64
	Analyzer      string
	AnalyzedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tag is a named label attached to files.
type Tag struct {
	ID          string
	Name        string
	Color       string
	Description string
	CreatedAt   time.Time
}

// Category is a node in the category forest. Path is the slash-joined chain
// of ancestor names ending with Name.
type Category struct {
	ID        string
	Name      string
	ParentID  string
	Path      string
	CreatedAt time.Time
}

// StoreStats holds aggregate counts over the store.
type StoreStats struct {
	FileCount     int64 `json:"file_count"`
	TagCount      int64 `json:"tag_count"`
	CategoryCount int64 `json:"category_count"`
	TotalSize     int64 `json:"total_size"`
}

// ClampConfidence limits c to [0,1]. NaN is treated as absent.
func ClampConfidence(c *float64) *float64 {
	if c == nil || math.IsNaN(*c) {
		return nil
	}
	v := math.Min(1, math.Max(0, *c))
	return &v
}

// Store is the durable record of files, tags, categories and their associations.
// Lookups that find nothing return (nil, nil).
type Store interface {
	// Files
	UpsertFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	GetFileByPath(ctx context.Context, path string) (*FileRecord, error)
	GetFileByHash(ctx context.Context, hash string) (*FileRecord, error)
	ListFiles(ctx context.Context, limit, offset int) ([]*FileRecord, error)
	SearchFiles(ctx context.Context, substring string) ([]*FileRecord, error)
	DeleteFile(ctx context.Context, id string) error
	DeleteFileByPath(ctx context.Context, path string) (bool, error)
	MoveFile(ctx context.Context, id, newPath, newName string) error

	// Tags
	CreateTag(ctx context.Context, name, color string) (*Tag, error)
	GetTagByName(ctx context.Context, name string) (*Tag, error)
	GetOrCreateTag(ctx context.Context, name string) (*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)
	DeleteTag(ctx context.Context, id string) error
	AddFileTag(ctx context.Context, fileID, tagID string) (bool, error)
	RemoveFileTag(ctx context.Context, fileID, tagID string) (bool, error)
	GetFileTags(ctx context.Context, fileID string) ([]*Tag, error)
	GetFilesByTag(ctx context.Context, tagName string) ([]*FileRecord, error)

	// Categories
	CreateCategory(ctx context.Context, name, parentID string) (*Category, error)
	GetCategoryByPath(ctx context.Context, path string) (*Category, error)
	GetOrCreateCategoryByPath(ctx context.Context, path string) (*Category, error)
	ListCategories(ctx context.Context) ([]*Category, error)
	DeleteCategory(ctx context.Context, id string) error
	AddFileCategory(ctx context.Context, fileID, categoryID string) (bool, error)
	GetFileCategories(ctx context.Context, fileID string) ([]*Category, error)

	// Metadata
	SetFileMetadata(ctx context.Context, fileID string, values map[string]string) error
	GetFileMetadata(ctx context.Context, fileID string) (map[string]string, error)

	Stats(ctx context.Context) (*StoreStats, error)
	BackupTo(ctx context.Context, destPath string) error
	Close() error
}
