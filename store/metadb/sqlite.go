package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	extractcache "github.com/wolfeidau/extract-cache"
)

// SQLiteStore implements Store using a single-file relational database.
// A bounded connection pool serialises writers; reads proceed in
// parallel. The journal runs in WAL mode with normal synchronous level.
type SQLiteStore struct {
	path     string
	poolSize int
	db       *sql.DB
	logger   *slog.Logger
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLogger sets the logger for the store.
func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// WithSQLitePoolSize bounds concurrent connections (default 10).
func WithSQLitePoolSize(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		s.poolSize = n
	}
}

// NewSQLiteStore creates a sqlite-backed metadata store at the given file
// path. The database is opened by Init.
func NewSQLiteStore(path string, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		path:     path,
		poolSize: 10,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	path          TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL,
	mtime_ns      INTEGER NOT NULL,
	file_size     INTEGER NOT NULL,
	content       TEXT,
	blob_ref      TEXT,
	extracted_at  INTEGER NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_content_hash ON cache_entries(content_hash);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed);
CREATE TABLE IF NOT EXISTS cache_kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// Init opens the database, applies pragmas, and creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening metadata db: %w", err)
	}
	db.SetMaxOpenConns(s.poolSize)
	db.SetMaxIdleConns(s.poolSize)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	s.logger.Debug("opened sqlite metadata store", "path", s.path, "pool_size", s.poolSize)
	return nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}

const entryColumns = `path, content_hash, mtime_ns, file_size, content, blob_ref, extracted_at, access_count, last_accessed, created_at`

// GetByPath returns the entry for a path.
func (s *SQLiteStore) GetByPath(ctx context.Context, path string) (*extractcache.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE path = ?`, path)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// GetByHash returns all entries with the given content hash, ordered by
// path.
func (s *SQLiteStore) GetByHash(ctx context.Context, hash extractcache.Hash) ([]*extractcache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE content_hash = ? ORDER BY path`, hash.String())
	if err != nil {
		return nil, fmt.Errorf("querying by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*extractcache.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Put upserts an entry by path. An existing path keeps its accumulated
// access count.
func (s *SQLiteStore) Put(ctx context.Context, entry *extractcache.Entry) error {
	var blobRef sql.NullString
	if entry.BlobRef != nil {
		blobRef = sql.NullString{String: entry.BlobRef.String(), Valid: true}
	}
	var content sql.NullString
	if entry.Inline() {
		content = sql.NullString{String: entry.Content, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash  = excluded.content_hash,
			mtime_ns      = excluded.mtime_ns,
			file_size     = excluded.file_size,
			content       = excluded.content,
			blob_ref      = excluded.blob_ref,
			extracted_at  = excluded.extracted_at,
			access_count  = cache_entries.access_count,
			last_accessed = excluded.last_accessed`,
		entry.Path,
		entry.ContentHash.String(),
		entry.MTime.UnixNano(),
		entry.FileSize,
		content,
		blobRef,
		entry.ExtractedAt.UnixNano(),
		entry.AccessCount,
		entry.LastAccessed.UnixNano(),
		entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting entry for %s: %w", entry.Path, err)
	}
	return nil
}

// DeleteByPath removes the entry for a path.
func (s *SQLiteStore) DeleteByPath(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("deleting entry for %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch updates only access metadata for a path.
func (s *SQLiteStore) Touch(ctx context.Context, path string, lastAccessed time.Time, accessCount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed = ?, access_count = ? WHERE path = ?`,
		lastAccessed.UnixNano(), accessCount, path)
	if err != nil {
		return fmt.Errorf("touching entry for %s: %w", path, err)
	}
	return nil
}

// IterOlderThan streams entries last accessed strictly before cutoff.
func (s *SQLiteStore) IterOlderThan(ctx context.Context, cutoff time.Time, fn func(*extractcache.Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE last_accessed < ? ORDER BY last_accessed`,
		cutoff.UnixNano())
	if err != nil {
		return fmt.Errorf("querying old entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Drain the result set before handing entries to fn so that fn may
	// write without contending with this reader.
	var entries []*extractcache.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// CountByHash returns the number of entries per content hash.
func (s *SQLiteStore) CountByHash(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, COUNT(*) FROM cache_entries GROUP BY content_hash`)
	if err != nil {
		return nil, fmt.Errorf("counting by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var hash string
		var n int
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, err
		}
		counts[hash] = n
	}
	return counts, rows.Err()
}

// Totals returns the entry count and summed source file sizes.
func (s *SQLiteStore) Totals(ctx context.Context) (Totals, error) {
	var totals Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM cache_entries`).
		Scan(&totals.EntryCount, &totals.TotalBytes)
	if err != nil {
		return Totals{}, fmt.Errorf("querying totals: %w", err)
	}
	return totals, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*extractcache.Entry, error) {
	var (
		entry        extractcache.Entry
		hashHex      string
		mtimeNS      int64
		content      sql.NullString
		blobRef      sql.NullString
		extractedNS  int64
		lastAccessNS int64
		createdNS    int64
	)
	err := sc.Scan(
		&entry.Path,
		&hashHex,
		&mtimeNS,
		&entry.FileSize,
		&content,
		&blobRef,
		&extractedNS,
		&entry.AccessCount,
		&lastAccessNS,
		&createdNS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	hash, err := extractcache.ParseHash(hashHex)
	if err != nil {
		return nil, fmt.Errorf("stored content hash: %w", err)
	}
	entry.ContentHash = hash
	entry.MTime = time.Unix(0, mtimeNS)
	entry.ExtractedAt = time.Unix(0, extractedNS)
	entry.LastAccessed = time.Unix(0, lastAccessNS)
	entry.CreatedAt = time.Unix(0, createdNS)
	if content.Valid {
		entry.Content = content.String
	}
	if blobRef.Valid && blobRef.String != "" {
		ref, err := extractcache.ParseBlobRef(blobRef.String)
		if err != nil {
			return nil, fmt.Errorf("stored blob ref: %w", err)
		}
		entry.BlobRef = &ref
	}
	return &entry, nil
}

var _ Store = (*SQLiteStore)(nil)
