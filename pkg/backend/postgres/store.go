// Package postgres provides the PostgreSQL implementation of the durable
// backend adapter, for deployments where multiple governor instances share
// one memory backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Store implements backend.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	tableName string
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	TableName string
	SSLMode   string
}

// NewStore creates a new PostgreSQL backend store.
func NewStore(cfg *Config) (*Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
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
			id BIGINT PRIMARY KEY,
			scope_kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			sticky BOOLEAN NOT NULL DEFAULT FALSE,
			sensitive BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			last_accessed_at TIMESTAMPTZ,
			provenance JSONB NOT NULL,
			provenance_key TEXT NOT NULL,
			keywords JSONB,
			metadata JSONB
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	dedupIndex := fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_provenance
		ON %s (scope_kind, scope_id, provenance_key) WHERE provenance_key != ''
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, dedupIndex); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	scopeIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s (scope_kind, scope_id, kind, created_at)
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
			WHERE scope_kind = $1 AND scope_id = $2 AND provenance_key = $3
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING
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
	where := []string{"scope_kind = $1", "scope_id = $2"}
	args := []interface{}{string(opts.Scope.Kind), opts.Scope.ID}
	n := 2

	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			n++
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(k))
		}
		where = append(where, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if !opts.Since.IsZero() {
		n++
		where = append(where, fmt.Sprintf("created_at >= $%d", n))
		args = append(args, opts.Since)
	}
	if tokens := core.ExtractKeywords(opts.Query, 4); len(tokens) > 0 {
		likes := make([]string, len(tokens))
		for i, tok := range tokens {
			likes[i] = fmt.Sprintf("(text ILIKE $%d OR keywords::text ILIKE $%d)", n+1, n+2)
			n += 2
			pattern := "%" + tok + "%"
			args = append(args, pattern, pattern)
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, scope_kind, scope_id, kind, text, confidence, sticky, sensitive,
		       created_at, last_accessed_at, provenance, keywords, metadata
		FROM %s
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, s.tableName, strings.Join(where, " AND "), n)

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
		FROM %s WHERE id = $1
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName)
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
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now())
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE %s SET last_accessed_at = $1 WHERE id IN (%s)`,
		s.tableName, strings.Join(placeholders, ","))
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
