package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/backend/sqlite"
	"github.com/hippolabs/governor-go/pkg/core"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "memories.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id int64, text string, refs ...core.EventRef) *core.MemoryRecord {
	return &core.MemoryRecord{
		ID:         id,
		Scope:      core.Scope{Kind: core.ScopeUser, ID: "alice"},
		Kind:       core.KindProcedural,
		Text:       text,
		Confidence: 0.8,
		CreatedAt:  time.Now(),
		Provenance: refs,
		Keywords:   core.ExtractKeywords(text, 4),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := testRecord(1001, "use docker compose v2 for the dev stack",
		core.EventRef{Source: "matrix", EventID: "$ev1"})
	id, err := store.Create(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.Text, got.Text)
	assert.Equal(t, record.Scope, got.Scope)
	assert.Equal(t, record.Kind, got.Kind)
	assert.Equal(t, record.Provenance, got.Provenance)
	assert.InDelta(t, record.Confidence, got.Confidence, 1e-9)
}

func TestCreateIdempotentOnProvenance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := core.EventRef{Source: "matrix", EventID: "$ev1"}

	first, err := store.Create(ctx, testRecord(1001, "use docker compose v2", ref))
	require.NoError(t, err)

	// A retried write with the same provenance returns the existing id.
	second, err := store.Create(ctx, testRecord(2002, "use docker compose v2", ref))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCreateWithoutProvenanceKeyNotDeduped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, testRecord(1001, "a record without provenance"))
	require.NoError(t, err)
	second, err := store.Create(ctx, testRecord(2002, "a record without provenance"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	_, err := store.Create(ctx, testRecord(1, "use docker compose v2 for the dev stack",
		core.EventRef{Source: "matrix", EventID: "$a"}))
	require.NoError(t, err)

	semantic := testRecord(2, "the staging cluster runs docker in eu-west-1",
		core.EventRef{Source: "matrix", EventID: "$b"})
	semantic.Kind = core.KindSemantic
	_, err = store.Create(ctx, semantic)
	require.NoError(t, err)

	other := testRecord(3, "docker notes from another user",
		core.EventRef{Source: "matrix", EventID: "$c"})
	other.Scope = core.Scope{Kind: core.ScopeUser, ID: "bob"}
	_, err = store.Create(ctx, other)
	require.NoError(t, err)

	// Scope always applies.
	records, err := store.Query(ctx, &backend.QueryOptions{Scope: scope, Query: "docker"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// Kind filter.
	records, err = store.Query(ctx, &backend.QueryOptions{
		Scope: scope,
		Query: "docker",
		Kinds: []core.MemoryKind{core.KindSemantic},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, core.KindSemantic, records[0].Kind)

	// Age filter.
	records, err = store.Query(ctx, &backend.QueryOptions{
		Scope: scope,
		Query: "docker",
		Since: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), 404)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testRecord(1001, "a short-lived record",
		core.EventRef{Source: "matrix", EventID: "$ev1"}))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testRecord(1001, "a touched record",
		core.EventRef{Source: "matrix", EventID: "$ev1"}))
	require.NoError(t, err)

	before, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, before.LastAccessedAt)

	require.NoError(t, store.Touch(ctx, []int64{id}))

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, after.LastAccessedAt)
}
