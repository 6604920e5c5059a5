// Package mysql provides the MySQL implementation of the durable backend
// adapter. It also covers MySQL-compatible servers (OceanBase, MariaDB).
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Store implements backend.Store using MySQL.
type Store struct {
	db        *sql.DB
	tableName string
}

// Config contains MySQL configuration.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	TableName string
}

// NewStore creates a new MySQL backend store.
func NewStore(cfg *Config) (*Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLStore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLStore: %w", err)
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
	// MySQL cannot partial-index, so provenance_key is always populated:
	// records without provenance use their id as a unique surrogate key.
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			scope_kind VARCHAR(16) NOT NULL,
			scope_id VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			text TEXT NOT NULL,
			confidence DOUBLE NOT NULL,
			sticky TINYINT(1) NOT NULL DEFAULT 0,
			sensitive TINYINT(1) NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_accessed_at DATETIME NULL,
			provenance JSON NOT NULL,
			provenance_key VARCHAR(512) NOT NULL,
			keywords JSON,
			metadata JSON,
			UNIQUE KEY idx_provenance (scope_kind, scope_id, provenance_key),
			KEY idx_scope (scope_kind, scope_id, kind, created_at)
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// Create writes a record, idempotent on (scope, provenance key).
func (s *Store) Create(ctx context.Context, record *core.MemoryRecord) (int64, error) {
	provKey := record.ProvenanceKey()
	if provKey == "" {
		provKey = fmt.Sprintf("id:%d", record.ID)
	}

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
		INSERT IGNORE INTO %s
		(id, scope_kind, scope_id, kind, text, confidence, sticky, sensitive, created_at, provenance, provenance_key, keywords, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName),
		record.ID,
		string(record.Scope.Kind),
		record.Scope.ID,
		string(record.Kind),
		record.Text,
		record.Confidence,
		record.Sticky,
		record.Sensitive,
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
			likes[i] = "(text LIKE ? OR JSON_SEARCH(keywords, 'one', ?) IS NOT NULL)"
			args = append(args, "%"+tok+"%", tok)
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

func scanRecords(rows *sql.Rows) ([]*core.MemoryRecord, error) {
	var records []*core.MemoryRecord
	for rows.Next() {
		var (
			rec            core.MemoryRecord
			scopeKind      string
			kind           string
			lastAccessedAt sql.NullTime
			provenanceJSON []byte
			keywordsJSON   []byte
			metadataJSON   []byte
		)
		if err := rows.Scan(
			&rec.ID, &scopeKind, &rec.Scope.ID, &kind, &rec.Text, &rec.Confidence,
			&rec.Sticky, &rec.Sensitive, &rec.CreatedAt, &lastAccessedAt,
			&provenanceJSON, &keywordsJSON, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scanRecords: %w", err)
		}
		rec.Scope.Kind = core.ScopeKind(scopeKind)
		rec.Kind = core.MemoryKind(kind)
		if lastAccessedAt.Valid {
			t := lastAccessedAt.Time
			rec.LastAccessedAt = &t
		}
		if err := json.Unmarshal(provenanceJSON, &rec.Provenance); err != nil {
			return nil, fmt.Errorf("scanRecords: %w", err)
		}
		if len(keywordsJSON) > 0 && string(keywordsJSON) != "null" {
			if err := json.Unmarshal(keywordsJSON, &rec.Keywords); err != nil {
				return nil, fmt.Errorf("scanRecords: %w", err)
			}
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
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
