// Package backend defines the durable backend adapter: the interface the
// governor uses to create, query, and delete consolidated memory records.
//
// The adapter is an external collaborator from the governor's point of
// view. Four implementations ship with the module: http (a remote
// Hippocampus service), and sqlite/postgres/mysql local stores sharing the
// same shape.
//
// All implementations must keep Create idempotent on the record's
// provenance key so the governor's at-least-once write path never produces
// duplicates.
package backend

import (
	"context"
	"time"

	"github.com/hippolabs/governor-go/pkg/core"
)

// Store is the durable backend adapter.
type Store interface {
	// Create writes a record. When a record with the same scope and
	// provenance key already exists, Create returns the existing record's
	// id without error; the spool and consolidation retry paths rely on
	// this idempotency.
	Create(ctx context.Context, record *core.MemoryRecord) (int64, error)

	// Query returns candidate records matching the options, for the recall
	// filter to rank. Backends prefilter by scope, kind, and age; lexical
	// ranking happens in the caller.
	Query(ctx context.Context, opts *QueryOptions) ([]*core.MemoryRecord, error)

	// Get retrieves a record by id. Returns core.ErrNotFound when missing.
	Get(ctx context.Context, id int64) (*core.MemoryRecord, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, id int64) error

	// Touch records an access, updating last_accessed_at for the ids.
	Touch(ctx context.Context, ids []int64) error

	// Close releases backend resources.
	Close() error
}

// QueryOptions narrow a backend query.
type QueryOptions struct {
	// Scope restricts results to one isolation unit. Required.
	Scope core.Scope

	// Query is the free-text query; backends may use it to prefilter
	// candidates but are not required to rank by it.
	Query string

	// Kinds restricts results to the given memory kinds (empty = all).
	Kinds []core.MemoryKind

	// Since drops records created before the given time (zero = no limit).
	Since time.Time

	// Limit caps the number of candidates returned. Zero means the
	// backend's default (100).
	Limit int
}
