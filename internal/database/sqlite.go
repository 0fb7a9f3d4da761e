package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"panoptes-go/internal/database/migrations"
	"panoptes-go/internal/panoptes"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a private in-memory store.
const MemoryPath = ":memory:"

// SQLiteStore implements panoptes.Store on a single SQLite file.
// Writes are serialized through writeMu; reads run concurrently under WAL.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	lock    *processLock
	writeMu sync.Mutex
	clock   panoptes.Clock
	idgen   panoptes.IDGenerator
}

// NewSQLiteStore opens (creating if needed) the store at path and brings its
// schema up to date. path may be MemoryPath. A nil clock or idgen selects the
// real implementation.
func NewSQLiteStore(path string, clock panoptes.Clock, idgen panoptes.IDGenerator) (*SQLiteStore, error) {
	if clock == nil {
		clock = panoptes.RealClock{}
	}
	if idgen == nil {
		idgen = panoptes.UUIDGenerator{}
	}

	var lock *processLock
	if path != MemoryPath {
		var err error
		lock, err = acquireProcessLock(path)
		if err != nil {
			return nil, err
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		lock.release()
		return nil, panoptes.PathError(panoptes.KindDatabase, "open store", path, err)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		lock.release()
		return nil, panoptes.PathError(panoptes.KindDatabase, "migrate store", path, err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		lock.release()
		return nil, panoptes.PathError(panoptes.KindDatabase, "check schema", path, err)
	}

	return &SQLiteStore{
		db:    db,
		path:  path,
		lock:  lock,
		clock: clock,
		idgen: idgen,
	}, nil
}

// OpenConnection opens a SQLite connection pool with foreign keys, a busy
// timeout and WAL applied to every pooled connection through the DSN.
// An in-memory database is limited to one connection so all callers share it.
func OpenConnection(path string) (*sql.DB, error) {
	var dsn string
	if path == MemoryPath {
		dsn = MemoryPath + "?_foreign_keys=on"
	} else {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

func dbErr(op string, err error) error {
	return panoptes.E(panoptes.KindDatabase, op, err)
}

// ============================================================================
// Files
// ============================================================================

const fileColumns = `id, path, hash, size, mime_type, original_name, current_name, suggested_name,
	description, confidence, analyzer, analyzed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*panoptes.FileRecord, error) {
	var (
		rec                                  panoptes.FileRecord
		hash, mime, suggested, desc, analyzr sql.NullString
		confidence                           sql.NullFloat64
		analyzedAt                           sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Path, &hash, &rec.Size, &mime, &rec.OriginalName, &rec.CurrentName,
		&suggested, &desc, &confidence, &analyzr, &analyzedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Hash = hash.String
	rec.MimeType = mime.String
	rec.SuggestedName = suggested.String
	rec.Description = desc.String
	rec.Analyzer = analyzr.String
	if confidence.Valid {
		c := confidence.Float64
		rec.Confidence = &c
	}
	if analyzedAt.Valid {
		t := analyzedAt.Time.UTC()
		rec.AnalyzedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertFile inserts rec or, when a row with the same path exists, overwrites
// its analysis fields. The stored id, original name and created-at survive
// a collision; rec is updated with the values actually stored.
func (s *SQLiteStore) UpsertFile(ctx context.Context, rec *panoptes.FileRecord) error {
	if rec.Path == "" {
		return dbErr("upsert file", errors.New("path is required"))
	}
	if rec.Size < 0 {
		return dbErr("upsert file", fmt.Errorf("negative size %d for %s", rec.Size, rec.Path))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	if rec.ID == "" {
		rec.ID = s.idgen.New()
	}
	if rec.CurrentName == "" {
		rec.CurrentName = filepath.Base(rec.Path)
	}
	if rec.OriginalName == "" {
		rec.OriginalName = rec.CurrentName
	}
	createdAt := rec.CreatedAt.UTC()
	if createdAt.IsZero() || createdAt.After(now) {
		createdAt = now
	}
	rec.Confidence = panoptes.ClampConfidence(rec.Confidence)

	var confidence sql.NullFloat64
	if rec.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.Confidence, Valid: true}
	}
	var analyzedAt sql.NullTime
	if rec.AnalyzedAt != nil {
		analyzedAt = sql.NullTime{Time: rec.AnalyzedAt.UTC(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("upsert file", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			mime_type = excluded.mime_type,
			current_name = excluded.current_name,
			suggested_name = excluded.suggested_name,
			description = excluded.description,
			confidence = excluded.confidence,
			analyzer = excluded.analyzer,
			analyzed_at = excluded.analyzed_at,
			updated_at = CASE WHEN excluded.updated_at > files.updated_at
				THEN excluded.updated_at ELSE files.updated_at END`,
		rec.ID, rec.Path, nullString(rec.Hash), rec.Size, nullString(rec.MimeType), rec.OriginalName,
		rec.CurrentName, nullString(rec.SuggestedName), nullString(rec.Description), confidence,
		nullString(rec.Analyzer), analyzedAt, createdAt, now)
	if err != nil {
		return dbErr("upsert file", err)
	}

	stored, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, rec.Path))
	if err != nil {
		return dbErr("upsert file", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("upsert file", err)
	}

	rec.ID = stored.ID
	rec.OriginalName = stored.OriginalName
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *SQLiteStore) getFile(ctx context.Context, op, where string, arg any) (*panoptes.FileRecord, error) {
	rec, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr(op, err)
	}
	return rec, nil
}

// GetFile returns the file with the given id, or nil.
func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*panoptes.FileRecord, error) {
	return s.getFile(ctx, "get file", "id = ?", id)
}

// GetFileByPath returns the file stored at path, or nil.
func (s *SQLiteStore) GetFileByPath(ctx context.Context, path string) (*panoptes.FileRecord, error) {
	return s.getFile(ctx, "get file by path", "path = ?", path)
}

// GetFileByHash returns the earliest-created file with the given hash, or nil.
func (s *SQLiteStore) GetFileByHash(ctx context.Context, hash string) (*panoptes.FileRecord, error) {
	if hash == "" {
		return nil, nil
	}
	return s.getFile(ctx, "get file by hash", "hash = ? ORDER BY created_at, id LIMIT 1", hash)
}

func (s *SQLiteStore) queryFiles(ctx context.Context, op, query string, args ...any) ([]*panoptes.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var files []*panoptes.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		files = append(files, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return files, nil
}

// ListFiles returns files newest-analyzed first. Unanalyzed files sort last.
// limit <= 0 selects 100; a negative offset is treated as 0.
func (s *SQLiteStore) ListFiles(ctx context.Context, limit, offset int) ([]*panoptes.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryFiles(ctx, "list files", `SELECT `+fileColumns+` FROM files
		ORDER BY analyzed_at IS NULL, analyzed_at DESC, updated_at DESC, path
		LIMIT ? OFFSET ?`, limit, offset)
}

// escapeLike makes substring literal inside a LIKE pattern using '\' as escape.
func escapeLike(substring string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(substring)
}

// SearchFiles returns files whose current or original name contains substring.
func (s *SQLiteStore) SearchFiles(ctx context.Context, substring string) ([]*panoptes.FileRecord, error) {
	pattern := "%" + escapeLike(substring) + "%"
	return s.queryFiles(ctx, "search files", `SELECT `+fileColumns+` FROM files
		WHERE current_name LIKE ? ESCAPE '\' OR original_name LIKE ? ESCAPE '\'
		ORDER BY analyzed_at IS NULL, analyzed_at DESC, path`, pattern, pattern)
}

// DeleteFile removes a file; tag, category and metadata rows cascade.
func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id); err != nil {
		return dbErr("delete file", err)
	}
	return nil
}

// DeleteFileByPath removes the file at path and reports whether one existed.
func (s *SQLiteStore) DeleteFileByPath(ctx context.Context, path string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path)
	if err != nil {
		return false, dbErr("delete file by path", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("delete file by path", err)
	}
	return n > 0, nil
}

// MoveFile points an existing record at a new path. An empty newName uses
// the basename of newPath.
func (s *SQLiteStore) MoveFile(ctx context.Context, id, newPath, newName string) error {
	if newName == "" {
		newName = filepath.Base(newPath)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE files SET path = ?, current_name = ?,
		updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at END
		WHERE id = ?`, newPath, newName, now, now, id)
	if err != nil {
		return dbErr("move file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return panoptes.E(panoptes.KindNotFound, "move file", fmt.Errorf("no file with id %s", id))
	}
	return nil
}

// ============================================================================
// Tags
// ============================================================================

const tagColumns = `id, name, color, description, created_at`

func scanTag(row rowScanner) (*panoptes.Tag, error) {
	var (
		tag         panoptes.Tag
		color, desc sql.NullString
	)
	if err := row.Scan(&tag.ID, &tag.Name, &color, &desc, &tag.CreatedAt); err != nil {
		return nil, err
	}
	tag.Color = color.String
	tag.Description = desc.String
	tag.CreatedAt = tag.CreatedAt.UTC()
	return &tag, nil
}

func (s *SQLiteStore) queryTags(ctx context.Context, op, query string, args ...any) ([]*panoptes.Tag, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var tags []*panoptes.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return tags, nil
}

// CreateTag creates a new tag. A duplicate name is a constraint error.
func (s *SQLiteStore) CreateTag(ctx context.Context, name, color string) (*panoptes.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dbErr("create tag", errors.New("tag name is required"))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tag := &panoptes.Tag{ID: s.idgen.New(), Name: name, Color: color, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, "INSERT INTO tags (id, name, color, created_at) VALUES (?, ?, ?, ?)",
		tag.ID, tag.Name, nullString(color), tag.CreatedAt)
	if err != nil {
		return nil, dbErr("create tag", err)
	}
	return tag, nil
}

// GetTagByName returns the tag called name, or nil.
func (s *SQLiteStore) GetTagByName(ctx context.Context, name string) (*panoptes.Tag, error) {
	tag, err := scanTag(s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get tag", err)
	}
	return tag, nil
}

// GetOrCreateTag returns the tag called name, creating it on first reference.
func (s *SQLiteStore) GetOrCreateTag(ctx context.Context, name string) (*panoptes.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dbErr("get or create tag", errors.New("tag name is required"))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO tags (id, name, created_at) VALUES (?, ?, ?)",
		s.idgen.New(), name, s.now())
	if err != nil {
		return nil, dbErr("get or create tag", err)
	}
	tag, err := scanTag(s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE name = ?`, name))
	if err != nil {
		return nil, dbErr("get or create tag", err)
	}
	return tag, nil
}

// ListTags returns all tags ordered by name.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]*panoptes.Tag, error) {
	return s.queryTags(ctx, "list tags", `SELECT `+tagColumns+` FROM tags ORDER BY name`)
}

// DeleteTag removes a tag and its file associations.
func (s *SQLiteStore) DeleteTag(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", id); err != nil {
		return dbErr("delete tag", err)
	}
	return nil
}

// AddFileTag associates a tag with a file and reports whether the association is new.
func (s *SQLiteStore) AddFileTag(ctx context.Context, fileID, tagID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO file_tags (file_id, tag_id, created_at) VALUES (?, ?, ?)",
		fileID, tagID, s.now())
	if err != nil {
		return false, dbErr("add file tag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("add file tag", err)
	}
	return n > 0, nil
}

// RemoveFileTag drops an association and reports whether it existed.
func (s *SQLiteStore) RemoveFileTag(ctx context.Context, fileID, tagID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?", fileID, tagID)
	if err != nil {
		return false, dbErr("remove file tag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("remove file tag", err)
	}
	return n > 0, nil
}

// GetFileTags returns the tags on a file ordered by name.
func (s *SQLiteStore) GetFileTags(ctx context.Context, fileID string) ([]*panoptes.Tag, error) {
	return s.queryTags(ctx, "get file tags", `SELECT t.id, t.name, t.color, t.description, t.created_at
		FROM tags t JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ? ORDER BY t.name`, fileID)
}

// GetFilesByTag returns the files carrying the named tag.
func (s *SQLiteStore) GetFilesByTag(ctx context.Context, tagName string) ([]*panoptes.FileRecord, error) {
	return s.queryFiles(ctx, "get files by tag", `SELECT `+prefixed("f", fileColumns)+`
		FROM files f
		JOIN file_tags ft ON ft.file_id = f.id
		JOIN tags t ON t.id = ft.tag_id
		WHERE t.name = ? ORDER BY f.path`, tagName)
}

// prefixed qualifies each column in a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ============================================================================
// Categories
// ============================================================================

const categoryColumns = `id, name, parent_id, path, created_at`

func scanCategory(row rowScanner) (*panoptes.Category, error) {
	var (
		cat    panoptes.Category
		parent sql.NullString
	)
	if err := row.Scan(&cat.ID, &cat.Name, &parent, &cat.Path, &cat.CreatedAt); err != nil {
		return nil, err
	}
	cat.ParentID = parent.String
	cat.CreatedAt = cat.CreatedAt.UTC()
	return &cat, nil
}

// splitCategoryPath splits a slash path into names, dropping empty segments.
func splitCategoryPath(path string) []string {
	var names []string
	for _, part := range strings.Split(path, "/") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getCategoryByPath(ctx context.Context, q querier, path string) (*panoptes.Category, error) {
	cat, err := scanCategory(q.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE path = ?`, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cat, nil
}

func (s *SQLiteStore) insertCategory(ctx context.Context, q querier, name, parentID, path string) (*panoptes.Category, error) {
	cat := &panoptes.Category{ID: s.idgen.New(), Name: name, ParentID: parentID, Path: path, CreatedAt: s.now()}
	_, err := q.ExecContext(ctx, "INSERT INTO categories (id, name, parent_id, path, created_at) VALUES (?, ?, ?, ?, ?)",
		cat.ID, cat.Name, nullString(parentID), cat.Path, cat.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// CreateCategory creates a category under parentID (empty for a root).
func (s *SQLiteStore) CreateCategory(ctx context.Context, name, parentID string) (*panoptes.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, dbErr("create category", fmt.Errorf("invalid category name %q", name))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := name
	if parentID != "" {
		parent, err := scanCategory(s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, parentID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, panoptes.E(panoptes.KindNotFound, "create category", fmt.Errorf("no parent category %s", parentID))
			}
			return nil, dbErr("create category", err)
		}
		path = parent.Path + "/" + name
	}

	cat, err := s.insertCategory(ctx, s.db, name, parentID, path)
	if err != nil {
		return nil, dbErr("create category", err)
	}
	return cat, nil
}

// GetCategoryByPath returns the category at the slash path, or nil.
func (s *SQLiteStore) GetCategoryByPath(ctx context.Context, path string) (*panoptes.Category, error) {
	cat, err := getCategoryByPath(ctx, s.db, strings.Join(splitCategoryPath(path), "/"))
	if err != nil {
		return nil, dbErr("get category", err)
	}
	return cat, nil
}

// GetOrCreateCategoryByPath returns the category at the slash path, creating
// each missing level from the root down in one transaction. An orphaned
// category already holding a prefix path is re-attached to its parent.
func (s *SQLiteStore) GetOrCreateCategoryByPath(ctx context.Context, path string) (*panoptes.Category, error) {
	names := splitCategoryPath(path)
	if len(names) == 0 {
		return nil, dbErr("get or create category", fmt.Errorf("empty category path %q", path))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("get or create category", err)
	}
	defer tx.Rollback()

	var (
		cat      *panoptes.Category
		parentID string
		prefix   string
	)
	for _, name := range names {
		if prefix == "" {
			prefix = name
		} else {
			prefix += "/" + name
		}

		cat, err = getCategoryByPath(ctx, tx, prefix)
		if err != nil {
			return nil, dbErr("get or create category", err)
		}
		switch {
		case cat == nil:
			cat, err = s.insertCategory(ctx, tx, name, parentID, prefix)
			if err != nil {
				return nil, dbErr("get or create category", err)
			}
		case cat.ParentID != parentID:
			if _, err := tx.ExecContext(ctx, "UPDATE categories SET parent_id = ? WHERE id = ?",
				nullString(parentID), cat.ID); err != nil {
				return nil, dbErr("get or create category", err)
			}
			cat.ParentID = parentID
		}
		parentID = cat.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr("get or create category", err)
	}
	return cat, nil
}

func (s *SQLiteStore) queryCategories(ctx context.Context, op, query string, args ...any) ([]*panoptes.Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var cats []*panoptes.Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		cats = append(cats, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return cats, nil
}

// ListCategories returns all categories ordered by path.
func (s *SQLiteStore) ListCategories(ctx context.Context) ([]*panoptes.Category, error) {
	return s.queryCategories(ctx, "list categories", `SELECT `+categoryColumns+` FROM categories ORDER BY path`)
}

// DeleteCategory removes a category. Children keep their path and lose their parent.
func (s *SQLiteStore) DeleteCategory(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id); err != nil {
		return dbErr("delete category", err)
	}
	return nil
}

// AddFileCategory associates a category with a file and reports whether the association is new.
func (s *SQLiteStore) AddFileCategory(ctx context.Context, fileID, categoryID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO file_categories (file_id, category_id) VALUES (?, ?)",
		fileID, categoryID)
	if err != nil {
		return false, dbErr("add file category", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("add file category", err)
	}
	return n > 0, nil
}

// GetFileCategories returns the categories of a file ordered by path.
func (s *SQLiteStore) GetFileCategories(ctx context.Context, fileID string) ([]*panoptes.Category, error) {
	return s.queryCategories(ctx, "get file categories", `SELECT `+prefixed("c", categoryColumns)+`
		FROM categories c JOIN file_categories fc ON fc.category_id = c.id
		WHERE fc.file_id = ? ORDER BY c.path`, fileID)
}

// ============================================================================
// Metadata
// ============================================================================

// SetFileMetadata upserts each key in values for the file.
func (s *SQLiteStore) SetFileMetadata(ctx context.Context, fileID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("set file metadata", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO file_metadata (file_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(file_id, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return dbErr("set file metadata", err)
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, fileID, k, v); err != nil {
			return dbErr("set file metadata", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("set file metadata", err)
	}
	return nil
}

// GetFileMetadata returns the metadata bag of a file (empty, never nil).
func (s *SQLiteStore) GetFileMetadata(ctx context.Context, fileID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM file_metadata WHERE file_id = ?", fileID)
	if err != nil {
		return nil, dbErr("get file metadata", err)
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, dbErr("get file metadata", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("get file metadata", err)
	}
	return values, nil
}

// ============================================================================
// Maintenance
// ============================================================================

// Stats returns row counts and the total size of all files.
func (s *SQLiteStore) Stats(ctx context.Context) (*panoptes.StoreStats, error) {
	var st panoptes.StoreStats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM files),
		(SELECT COUNT(*) FROM tags),
		(SELECT COUNT(*) FROM categories),
		(SELECT COALESCE(SUM(size), 0) FROM files)`).
		Scan(&st.FileCount, &st.TagCount, &st.CategoryCount, &st.TotalSize)
	if err != nil {
		return nil, dbErr("stats", err)
	}
	return &st, nil
}

// BackupTo writes a consistent copy of the store to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(ctx context.Context, destPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return dbErr("backup store", err)
	}
	return nil
}

// Path returns the file the store was opened on.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the connection pool and releases the process lock.
func (s *SQLiteStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	s.lock.release()
	return err
}

// Compile-time check that SQLiteStore implements panoptes.Store
var _ panoptes.Store = (*SQLiteStore)(nil)
