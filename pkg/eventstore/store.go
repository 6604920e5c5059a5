// Package eventstore provides the durable append-only log of raw observed
// events and the (source, event_id) dedup authority.
//
// Events are stored in SQLite. The log is the only place raw event text
// lives with a TTL; consolidated memory records keep their provenance
// references even after the raw rows expire.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hippolabs/governor-go/pkg/core"
)

// Store is the SQLite-backed raw event log.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Config contains configuration for the event store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TTL is the dedup retention window; rows older than this are removed
	// by Cleanup and their identities become observable again.
	TTL time.Duration
}

// NewStore opens (creating if necessary) the raw event log.
//
// Parameters:
//   - cfg: Configuration containing the database path and retention window
//
// Returns:
//   - *Store: The event store instance
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

	store := &Store{db: db, ttl: ttl}
	if err := store.initTables(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			event_id TEXT,
			user_id TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			text TEXT NOT NULL,
			ts INTEGER NOT NULL,
			metadata TEXT,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	// Identity dedup only applies to events that carry an id.
	indexQuery := `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_identity
		ON events(source, event_id) WHERE event_id != ''
	`
	if _, err := s.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	scopeIndex := `CREATE INDEX IF NOT EXISTS idx_events_scope ON events(scope_key, ts)`
	if _, err := s.db.ExecContext(ctx, scopeIndex); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// Append writes an event to the log.
//
// Returns:
//   - bool: true if the event was inserted, false if its (source, event_id)
//     identity was already seen within the retention window
//   - error: Error if the write fails for any other reason
func (s *Store) Append(ctx context.Context, event *core.Event) (bool, error) {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return false, fmt.Errorf("Append: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (source, event_id, user_id, scope_key, text, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.Source,
		event.EventID,
		event.UserID,
		event.Scope.Key(),
		event.Text,
		ts.Unix(),
		string(metadataJSON),
	)
	if err != nil {
		return false, fmt.Errorf("Append: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Append: %w", err)
	}
	return affected > 0, nil
}

// Seen reports whether the (source, eventID) identity is already in the log.
// Events without an id are never "seen".
func (s *Store) Seen(ctx context.Context, source, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE source = ? AND event_id = ? LIMIT 1`,
		source, eventID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Seen: %w", err)
	}
	return true, nil
}

// Cleanup removes log rows older than the retention window. Consolidated
// memory is unaffected; only the raw log forgets.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.ttl).Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("Cleanup: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
