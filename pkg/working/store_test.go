package working_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/working"
)

func newTestStore(t *testing.T) *working.Store {
	t.Helper()
	store, err := working.NewStore(&working.Config{
		DBPath:      filepath.Join(t.TempDir(), "working.db"),
		TTL:         24 * time.Hour,
		DedupWindow: 24 * time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func bufferedEvent(scope core.Scope, eventID, text string, ts time.Time) *core.Event {
	return &core.Event{
		Source:    "matrix",
		EventID:   eventID,
		UserID:    "alice",
		Text:      text,
		Timestamp: ts,
		Scope:     scope,
	}
}

func TestAddAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	added, err := store.Add(ctx, bufferedEvent(scope, "$ev1", "first observation about the deploy", time.Now().Add(-2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.Add(ctx, bufferedEvent(scope, "$ev2", "second observation about the deploy", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, added)

	entries, err := store.Recent(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "second observation about the deploy", entries[0].Text)
	assert.Equal(t, "$ev1", entries[1].EventID)
}

func TestAddTextDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	added, err := store.Add(ctx, bufferedEvent(scope, "$ev1", "Use Docker Compose v2", time.Now()))
	require.NoError(t, err)
	assert.True(t, added)

	// Same normalized text under a different event id: deduped.
	added, err = store.Add(ctx, bufferedEvent(scope, "$ev2", "use   docker compose V2", time.Now()))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestScopeIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := core.Scope{Kind: core.ScopeUser, ID: "alice"}
	bob := core.Scope{Kind: core.ScopeUser, ID: "bob"}

	_, err := store.Add(ctx, bufferedEvent(alice, "$a1", "alice's note about the deploy", time.Now()))
	require.NoError(t, err)

	// Identical text in another scope is not a duplicate.
	added, err := store.Add(ctx, bufferedEvent(bob, "$b1", "alice's note about the deploy", time.Now()))
	require.NoError(t, err)
	assert.True(t, added)

	entries, err := store.Recent(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, alice, entries[0].Scope)
}

func TestSnapshotMinAge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	_, err := store.Add(ctx, bufferedEvent(scope, "$old", "an aged observation", time.Now().Add(-10*time.Minute)))
	require.NoError(t, err)
	_, err = store.Add(ctx, bufferedEvent(scope, "$new", "a fresh observation", time.Now()))
	require.NoError(t, err)

	// Fresh entries stay out of the snapshot until they age.
	entries, err := store.Snapshot(ctx, scope, 2*time.Minute, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "$old", entries[0].EventID)
}

func TestSnapshotRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	_, err := store.Add(ctx, bufferedEvent(scope, "$ev1", "an aged observation", time.Now().Add(-10*time.Minute)))
	require.NoError(t, err)

	entries, err := store.Snapshot(ctx, scope, time.Minute, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Snapshot does not drain; Remove does.
	again, err := store.Snapshot(ctx, scope, time.Minute, false)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	require.NoError(t, store.Remove(ctx, []int64{entries[0].ID}))
	after, err := store.Snapshot(ctx, scope, time.Minute, false)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	cursor, err := store.Cursor(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	oldTS := time.Now().Add(-10 * time.Minute)
	_, err = store.Add(ctx, bufferedEvent(scope, "$ev1", "an already-consolidated note", oldTS))
	require.NoError(t, err)

	require.NoError(t, store.SetCursor(ctx, scope, oldTS.Unix()))

	cursor, err = store.Cursor(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, oldTS.Unix(), cursor)

	// since_last mode skips entries at or before the cursor.
	entries, err := store.Snapshot(ctx, scope, time.Minute, true)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = store.Add(ctx, bufferedEvent(scope, "$ev2", "a newer note", time.Now().Add(-5*time.Minute)))
	require.NoError(t, err)
	entries, err = store.Snapshot(ctx, scope, time.Minute, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "$ev2", entries[0].EventID)
}

func TestCleanupTTL(t *testing.T) {
	store, err := working.NewStore(&working.Config{
		DBPath: filepath.Join(t.TempDir(), "working.db"),
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	_, err = store.Add(ctx, bufferedEvent(scope, "$stale", "an expired observation", time.Now().Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = store.Add(ctx, bufferedEvent(scope, "$live", "a live observation", time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.Cleanup(ctx))

	entries, err := store.Recent(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "$live", entries[0].EventID)
}
