// Package working provides the scope-partitioned working memory buffer.
//
// The buffer accumulates recent unconsolidated observations per scope.
// Entries live until they are drained by consolidation or expire by TTL.
// Mutation is serialized per scope key (not globally), preserving append
// order within a scope while letting scopes proceed in parallel.
package working

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hippolabs/governor-go/pkg/core"
)

// Store is the SQLite-backed working memory buffer.
type Store struct {
	db          *sql.DB
	ttl         time.Duration
	dedupWindow time.Duration

	// locks serializes buffer mutation per scope key.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// Config contains configuration for the working buffer.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TTL is how long unconsolidated entries survive. Default: 24h.
	TTL time.Duration

	// DedupWindow is how far back normalized-text dedup looks. Default: 24h.
	DedupWindow time.Duration
}

// NewStore opens (creating if necessary) the working buffer.
//
// Parameters:
//   - cfg: Configuration containing the database path and windows
//
// Returns:
//   - *Store: The buffer instance
//   - error: Error if the database cannot be opened or migrated
func NewStore(cfg *Config) (*Store, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("NewStore: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow == 0 {
		dedupWindow = 24 * time.Hour
	}

	store := &Store{
		db:          db,
		ttl:         ttl,
		dedupWindow: dedupWindow,
		locks:       make(map[string]*sync.Mutex),
	}
	if err := store.initTables(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS working_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope_key TEXT NOT NULL,
			scope_kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			event_id TEXT,
			text TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			ts INTEGER NOT NULL,
			metadata TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_working_scope ON working_entries(scope_key, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_working_norm ON working_entries(scope_key, normalized_text, ts)`,
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	cursor := `
		CREATE TABLE IF NOT EXISTS consolidation_state (
			scope_key TEXT PRIMARY KEY,
			last_ts INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, cursor); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// scopeLock returns the mutex for a scope key, creating it on first use.
func (s *Store) scopeLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Add appends an event to its scope's buffer.
//
// Dedup: an entry whose normalized text was already buffered for the same
// scope within the dedup window is rejected. (Identity dedup on
// (source, event_id) is the event store's job and happens before Add.)
//
// Returns:
//   - bool: true if the entry was buffered, false if it deduped
//   - error: Error if the write fails
func (s *Store) Add(ctx context.Context, event *core.Event) (bool, error) {
	scopeKey := event.Scope.Key()
	mu := s.scopeLock(scopeKey)
	mu.Lock()
	defer mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	normalized := core.NormalizeText(event.Text)
	dedupCutoff := ts.Add(-s.dedupWindow).Unix()

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM working_entries
		WHERE scope_key = ? AND normalized_text = ? AND ts >= ?
		LIMIT 1
	`, scopeKey, normalized, dedupCutoff).Scan(&one)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("Add: %w", err)
	}

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return false, fmt.Errorf("Add: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO working_entries
		(scope_key, scope_kind, scope_id, user_id, source, event_id, text, normalized_text, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		scopeKey,
		string(event.Scope.Kind),
		event.Scope.ID,
		event.UserID,
		event.Source,
		event.EventID,
		event.Text,
		normalized,
		ts.Unix(),
		string(metadataJSON),
	)
	if err != nil {
		return false, fmt.Errorf("Add: %w", err)
	}
	return true, nil
}

// Recent returns the newest entries for a scope, newest first. Used as the
// discussion context for salience scoring.
func (s *Store) Recent(ctx context.Context, scope core.Scope, limit int) ([]*core.WorkingEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_kind, scope_id, user_id, source, event_id, text, normalized_text, ts, metadata
		FROM working_entries
		WHERE scope_key = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, scope.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("Recent: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Snapshot returns the consolidation candidates for a scope: entries at
// least minAge old, oldest first, optionally restricted to entries newer
// than the scope's consolidation cursor (since_last mode).
//
// Snapshot does not remove anything. The caller deletes drained entries
// with Remove only after the durable write succeeds, which is what makes
// consolidation at-least-once: on backend failure the entries simply stay
// for the next cycle.
func (s *Store) Snapshot(ctx context.Context, scope core.Scope, minAge time.Duration, sinceCursor bool) ([]*core.WorkingEntry, error) {
	ageCutoff := time.Now().Add(-minAge).Unix()

	query := `
		SELECT id, scope_kind, scope_id, user_id, source, event_id, text, normalized_text, ts, metadata
		FROM working_entries
		WHERE scope_key = ? AND ts <= ?
	`
	args := []interface{}{scope.Key(), ageCutoff}

	if sinceCursor {
		cursor, err := s.Cursor(ctx, scope)
		if err != nil {
			return nil, err
		}
		if cursor > 0 {
			query += ` AND ts > ?`
			args = append(args, cursor)
		}
	}
	query += ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Remove deletes drained entries by id.
func (s *Store) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM working_entries WHERE id IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Remove: %w", err)
	}
	return nil
}

// Cursor returns the scope's consolidation cursor (unix seconds of the
// newest consolidated entry), or 0 when the scope has never consolidated.
func (s *Store) Cursor(ctx context.Context, scope core.Scope) (int64, error) {
	var lastTS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ts FROM consolidation_state WHERE scope_key = ?`,
		scope.Key(),
	).Scan(&lastTS)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Cursor: %w", err)
	}
	return lastTS, nil
}

// SetCursor advances the scope's consolidation cursor.
func (s *Store) SetCursor(ctx context.Context, scope core.Scope, upToTS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_state (scope_key, last_ts) VALUES (?, ?)
		ON CONFLICT(scope_key) DO UPDATE SET last_ts = excluded.last_ts
	`, scope.Key(), upToTS)
	if err != nil {
		return fmt.Errorf("SetCursor: %w", err)
	}
	return nil
}

// Cleanup drops entries older than the TTL. Expired entries were never
// worth consolidating; this is their terminal state.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.ttl).Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM working_entries WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("Cleanup: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]*core.WorkingEntry, error) {
	var entries []*core.WorkingEntry
	for rows.Next() {
		var (
			entry        core.WorkingEntry
			scopeKind    string
			eventID      sql.NullString
			ts           int64
			metadataJSON sql.NullString
		)
		if err := rows.Scan(
			&entry.ID, &scopeKind, &entry.Scope.ID, &entry.UserID,
			&entry.Source, &eventID, &entry.Text, &entry.NormalizedText,
			&ts, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scanEntries: %w", err)
		}
		entry.Scope.Kind = core.ScopeKind(scopeKind)
		entry.EventID = eventID.String
		entry.Timestamp = time.Unix(ts, 0)
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("scanEntries: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanEntries: %w", err)
	}
	return entries, nil
}
