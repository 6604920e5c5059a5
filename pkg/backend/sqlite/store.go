// Package sqlite provides the SQLite implementation of the durable backend
// adapter.
//
// SQLite is the default local backend: file-based, no server, suitable for
// single-host deployments. Provenance, keywords, and metadata are stored as
// JSON strings in TEXT fields.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Store implements backend.Store using SQLite.
type Store struct {
	db        *sql.DB
	tableName string
}

// Config contains configuration for creating a SQLite backend store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TableName is the name of the table to use. Default: "memories".
	TableName string
}

// NewStore creates a new SQLite backend store.
//
// Parameters:
//   - cfg: Configuration containing database path and table name
//
// Returns:
//   - *Store: The store instance
//   - error: Error if database connection or table creation fails
func NewStore(cfg *Config) (*Store, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("NewSQLiteStore: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}

	tableName := cfg.TableName
	if tableName == "" {
		tableName = "memories"
	}

	store := &Store{db: db, tableName: tableName}
	if err := store.initTables(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			scope_kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL,
			sticky INTEGER NOT NULL DEFAULT 0,
			sensitive INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_accessed_at DATETIME,
			provenance TEXT NOT NULL,
			provenance_key TEXT NOT NULL,
			keywords TEXT,
			metadata TEXT
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	// Provenance-keyed idempotency for at-least-once writes.
	dedupIndex := fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_provenance
		ON %s(scope_kind, scope_id, provenance_key) WHERE provenance_key != ''
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, dedupIndex); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	scopeIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(scope_kind, scope_id, kind, created_at)
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, scopeIndex); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// Create writes a record, idempotent on (scope, provenance key).
func (s *Store) Create(ctx context.Context, record *core.MemoryRecord) (int64, error) {
	provKey := record.ProvenanceKey()

	if provKey != "" {
		var existingID int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id FROM %s
			WHERE scope_kind = ? AND scope_id = ? AND provenance_key = ?
		`, s.tableName),
			string(record.Scope.Kind), record.Scope.ID, provKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("Create: %w", err)
		}
	}

	provenanceJSON, err := json.Marshal(record.Provenance)
	if err != nil {
		return 0, fmt.Errorf("Create: %w", err)
	}
	keywordsJSON, err := json.Marshal(record.Keywords)
	if err != nil {
		return 0, fmt.Errorf("Create: %w", err)
	}
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return 0, fmt.Errorf("Create: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(id, scope_kind, scope_id, kind, text, confidence, sticky, sensitive, created_at, provenance, provenance_key, keywords, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName),
		record.ID,
		string(record.Scope.Kind),
		record.Scope.ID,
		string(record.Kind),
		record.Text,
		record.Confidence,
		boolToInt(record.Sticky),
		boolToInt(record.Sensitive),
		createdAt,
		string(provenanceJSON),
		provKey,
		string(keywordsJSON),
		string(metadataJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("Create: %w", err)
	}
	return record.ID, nil
}

// Query returns candidate records for the recall filter to rank.
//
// Prefiltering: scope (always), kinds, creation age, and a coarse LIKE
// match on any query token. Ranking happens in the caller.
func (s *Store) Query(ctx context.Context, opts *backend.QueryOptions) ([]*core.MemoryRecord, error) {
	where := []string{"scope_kind = ?", "scope_id = ?"}
	args := []interface{}{string(opts.Scope.Kind), opts.Scope.ID}

	if len(opts.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Kinds)), ",")
		where = append(where, fmt.Sprintf("kind IN (%s)", placeholders))
		for _, k := range opts.Kinds {
			args = append(args, string(k))
		}
	}
	if !opts.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since)
	}
	if tokens := core.ExtractKeywords(opts.Query, 4); len(tokens) > 0 {
		likes := make([]string, len(tokens))
		for i, tok := range tokens {
			likes[i] = "(text LIKE ? OR keywords LIKE ?)"
			pattern := "%" + tok + "%"
			args = append(args, pattern, pattern)
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, scope_kind, scope_id, kind, text, confidence, sticky, sensitive,
		       created_at, last_accessed_at, provenance, keywords, metadata
		FROM %s
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ?
	`, s.tableName, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id int64) (*core.MemoryRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, scope_kind, scope_id, kind, text, confidence, sticky, sensitive,
		       created_at, last_accessed_at, provenance, keywords, metadata
		FROM %s WHERE id = ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, core.ErrNotFound
	}
	return records[0], nil
}

// Delete removes a record by id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// Touch updates last_accessed_at for the given ids.
func (s *Store) Touch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now())
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE %s SET last_accessed_at = ? WHERE id IN (%s)`, s.tableName, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Touch: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanRecords(rows *sql.Rows) ([]*core.MemoryRecord, error) {
	var records []*core.MemoryRecord
	for rows.Next() {
		var (
			rec            core.MemoryRecord
			scopeKind      string
			kind           string
			sticky         int
			sensitive      int
			lastAccessedAt sql.NullTime
			provenanceJSON string
			keywordsJSON   sql.NullString
			metadataJSON   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &scopeKind, &rec.Scope.ID, &kind, &rec.Text, &rec.Confidence,
			&sticky, &sensitive, &rec.CreatedAt, &lastAccessedAt,
			&provenanceJSON, &keywordsJSON, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scanRecords: %w", err)
		}
		rec.Scope.Kind = core.ScopeKind(scopeKind)
		rec.Kind = core.MemoryKind(kind)
		rec.Sticky = sticky != 0
		rec.Sensitive = sensitive != 0
		if lastAccessedAt.Valid {
			t := lastAccessedAt.Time
			rec.LastAccessedAt = &t
		}
		if err := json.Unmarshal([]byte(provenanceJSON), &rec.Provenance); err != nil {
			return nil, fmt.Errorf("scanRecords: %w", err)
		}
		if keywordsJSON.Valid && keywordsJSON.String != "" {
			if err := json.Unmarshal([]byte(keywordsJSON.String), &rec.Keywords); err != nil {
				return nil, fmt.Errorf("scanRecords: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("scanRecords: %w", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanRecords: %w", err)
	}
	return records, nil
}
