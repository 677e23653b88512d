package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
) WITHOUT ROWID;
`

// SQLiteConfig holds the configuration for a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. Its parent directory is created if missing.
	Path string
	// BusyTimeout bounds how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// SQLiteStore is the default persistent Store. Each entry is a single row, so
// every Put is one upsert statement and atomic per key.
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteStore opens (or creates) the store at cfg.Path. Any failure to
// obtain persistent storage is reported as ErrStoreUnavailable so the caller can
// fall back to uncached operation.
func OpenSQLiteStore(ctx context.Context, cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	cleanPath := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w: %w", ErrStoreUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cleanPath, cfg.BusyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w: %w", ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w: %w", ErrStoreUnavailable, err)
	}
	// One connection, so writers never contend for the lock.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w: %w", ErrStoreUnavailable, err)
	}

	logger.Info().Str("path", cleanPath).Msg("SQLite cache store opened.")
	return &SQLiteStore{
		sqlDB:  sqlDB,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Put upserts the entry for key.
func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrStoreUnavailable
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, key, payload, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		string(ns), key, clonePayload(payload), toMillis(s.now()),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("namespace", string(ns)).Str("key", key).Msg("Failed to write cache entry.")
		return fmt.Errorf("put %s/%s: %w", ns, key, classifySQLiteError(err))
	}
	s.logger.Debug().Str("namespace", string(ns)).Str("key", key).Msg("Stored cache entry.")
	return nil
}

// Get reads the entry for key.
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return Entry{}, ErrStoreUnavailable
	}
	var (
		payload   []byte
		fetchedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		string(ns), key,
	).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("key '%s' in %s: %w", key, ns, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s/%s: %w", ns, key, classifySQLiteError(err))
	}
	return Entry{Key: key, Payload: payload, FetchedAt: fromMillis(fetchedAt)}, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrStoreUnavailable
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, string(ns), key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", ns, key, classifySQLiteError(err))
	}
	return nil
}

// DeleteNamespace removes all entries in ns.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, ns Namespace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrStoreUnavailable
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ?`, string(ns),
	); err != nil {
		return fmt.Errorf("delete namespace %s: %w", ns, classifySQLiteError(err))
	}
	return nil
}

// Namespaces lists the distinct namespaces with at least one entry.
func (s *SQLiteStore) Namespaces(ctx context.Context) ([]Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT namespace FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", classifySQLiteError(err))
	}
	defer rows.Close()

	var out []Namespace
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, Namespace(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return out, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// classifySQLiteError maps storage-level failures (disk full, read-only or
// unopenable files, I/O errors) onto ErrStoreUnavailable.
func classifySQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_FULL, sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_READONLY,
			sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_PERM, sqlite3lib.SQLITE_CORRUPT,
			sqlite3lib.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
