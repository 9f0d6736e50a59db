package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	driverName  = "sqlite"
	tablePrefix = "http_cache_"

	defaultProfile = "default"

	// busy_timeout comes first so that switching to WAL waits out another
	// process's write. WAL lets readers and a writer proceed together.
	pragmas = "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
)

// Common cache errors.
var (
	ErrCacheNotFound = errors.New("cache entry not found")
	ErrStoreClosed   = errors.New("cache store is closed")
)

var unsafeIdentifier = regexp.MustCompile(`[^A-Za-z0-9_]`) //nolint:gochecknoglobals // compiled once

// Store persists entries for one profile. Freshness is not its concern.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
}

// SQLStore keeps one profile's entries in a table of a SQLite database
// that other esctl processes may have open at the same time.
type SQLStore struct {
	db      *sql.DB
	path    string
	profile string
	table   string

	mu        sync.Mutex
	tableMade bool
}

// TableName returns the table used for a profile. Anything outside
// [A-Za-z0-9_] is replaced so profile names cannot inject SQL.
func TableName(profile string) string {
	if profile == "" {
		profile = defaultProfile
	}
	return tablePrefix + unsafeIdentifier.ReplaceAllString(profile, "_")
}

// OpenStore opens (creating if needed) the database at path for profile.
// The profile's table is created on first use.
func OpenStore(path, profile string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("cache database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open(driverName, dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// One connection per process; cross-process coordination is SQLite's job.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	return &SQLStore{
		db:      db,
		path:    path,
		profile: profile,
		table:   TableName(profile),
	}, nil
}

// dataSourceName builds a file: URI with the path percent-escaped, so '#',
// '?' and '%' in a directory name reach SQLite intact.
func dataSourceName(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", OmitHost: true, Path: filepath.ToSlash(path), RawQuery: pragmas}).String()
}

// conn returns the open handle, creating the profile's table on first use.
func (s *SQLStore) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if s.tableMade {
		return s.db, nil
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cache_key    BLOB PRIMARY KEY,
		method       TEXT NOT NULL,
		target       TEXT NOT NULL,
		headers_json TEXT NOT NULL,
		response     TEXT NOT NULL,
		stored_at    INTEGER NOT NULL,
		ttl          INTEGER NOT NULL
	) WITHOUT ROWID`, s.table)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return nil, fmt.Errorf("failed to create cache table %s: %w", s.table, err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_method_target ON %[1]s(method, target)`, s.table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return nil, fmt.Errorf("failed to create cache index on %s: %w", s.table, err)
	}

	s.tableMade = true
	return s.db, nil
}

// Get returns the row for key or ErrCacheNotFound.
func (s *SQLStore) Get(ctx context.Context, key Key) (*Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // table name is sanitized by TableName
	query := fmt.Sprintf(`SELECT method, target, headers_json, response, stored_at, ttl
		FROM %s WHERE cache_key = ?`, s.table)

	entry := &Entry{Key: key}
	err = db.QueryRowContext(ctx, query, key[:]).Scan(
		&entry.Method, &entry.Target, &entry.Headers, &entry.Response, &entry.StoredAt, &entry.TTL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry, nil
}

// Put inserts or fully replaces the row keyed by entry.Key.
func (s *SQLStore) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	//nolint:gosec // table name is sanitized by TableName
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(cache_key, method, target, headers_json, response, stored_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)

	_, err = db.ExecContext(ctx, stmt,
		entry.Key[:], entry.Method, entry.Target, entry.Headers, entry.Response, entry.StoredAt, entry.TTL,
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes the row for key. Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	//nolint:gosec // table name is sanitized by TableName
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, s.table)
	if _, err = db.ExecContext(ctx, stmt, key[:]); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every row of this profile. Other profiles are untouched.
func (s *SQLStore) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	//nolint:gosec // table name is sanitized by TableName
	stmt := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err = db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to clear cache table %s: %w", s.table, err)
	}
	return nil
}

// Count returns the number of rows in this profile, stale ones included.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	//nolint:gosec // table name is sanitized by TableName
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int
	if err = db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// CountStale returns how many rows have expired at epoch second now.
func (s *SQLStore) CountStale(ctx context.Context, now int64) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	//nolint:gosec // table name is sanitized by TableName
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE stored_at + ttl <= ?`, s.table)
	var n int
	if err = db.QueryRowContext(ctx, query, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stale cache entries: %w", err)
	}
	return n, nil
}

// Profile returns the profile this store serves.
func (s *SQLStore) Profile() string {
	return s.profile
}

// Path returns the database file.
func (s *SQLStore) Path() string {
	return s.path
}

// Close releases the database handle. Further calls fail with ErrStoreClosed.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Purge clears the cached entries of one profile in the database at path.
func Purge(ctx context.Context, path, profile string) error {
	store, err := OpenStore(path, profile)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Clear(ctx)
}
