package syncapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS sync_documents (
	scope      TEXT    NOT NULL,
	collection TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	fields     TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (scope, collection, id)
);
CREATE INDEX IF NOT EXISTS sync_documents_updated
	ON sync_documents (scope, collection, updated_at DESC, id);
`

// SQLiteSource reads band documents from a SQLite database. Every document
// lives in one table keyed by scope and collection, so collection names are
// bound as parameters and never interpolated into SQL.
type SQLiteSource struct {
	sqlDB  *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteSource opens (or creates) the database at path.
func OpenSQLiteSource(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cleanPath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, documentsSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info().Str("path", cleanPath).Msg("SQLite sync source opened.")
	return &SQLiteSource{
		sqlDB:  sqlDB,
		logger: logger.With().Str("component", "SQLiteSource").Logger(),
	}, nil
}

// Upsert writes a document. The sync API itself never writes; this is for the
// application that owns the data and for seeding.
func (s *SQLiteSource) Upsert(ctx context.Context, scope, collection string, doc Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %s: %w", doc.ID, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sync_documents (scope, collection, id, fields, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope, collection, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		scope, collection, doc.ID, string(fields), doc.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s/%s: %w", scope, collection, doc.ID, err)
	}
	return nil
}

// Stats runs a single COUNT/MAX aggregate over the collection.
func (s *SQLiteSource) Stats(ctx context.Context, scope, collection string) (CollectionStats, error) {
	var (
		count  int
		newest sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM sync_documents WHERE scope = ? AND collection = ?`,
		scope, collection,
	).Scan(&count, &newest)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("stats for %s/%s: %w: %w", scope, collection, ErrSourceUnavailable, err)
	}
	stats := CollectionStats{Count: count}
	if newest.Valid {
		t := time.UnixMilli(newest.Int64).UTC()
		stats.LastModified = &t
	}
	return stats, nil
}

// ChangedSince returns the newest documents updated in (since, until].
func (s *SQLiteSource) ChangedSince(ctx context.Context, scope, collection string, since, until time.Time, limit int) ([]ChangeSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	upper := int64(math.MaxInt64)
	if !until.IsZero() {
		upper = until.UTC().UnixMilli()
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, fields, updated_at FROM sync_documents
		 WHERE scope = ? AND collection = ? AND updated_at > ? AND updated_at <= ?
		 ORDER BY updated_at DESC, id ASC
		 LIMIT ?`,
		scope, collection, since.UTC().UnixMilli(), upper, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("delta for %s/%s: %w: %w", scope, collection, ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var out []ChangeSummary
	for rows.Next() {
		var (
			id        string
			rawFields string
			updatedAt int64
		)
		if err := rows.Scan(&id, &rawFields, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("Document has unreadable fields; reporting id only.")
		}
		out = append(out, ChangeSummary{
			ID:        id,
			Fields:    fields,
			UpdatedAt: time.UnixMilli(updatedAt).UTC(),
			Action:    ActionUpdate,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *SQLiteSource) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
