package eventstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/eventstore"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.NewStore(&eventstore.Config{
		DBPath: filepath.Join(t.TempDir(), "events.db"),
		TTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEvent(eventID string) *core.Event {
	return &core.Event{
		Source:  "matrix",
		EventID: eventID,
		UserID:  "alice",
		Text:    "we migrated the database yesterday",
		Scope:   core.Scope{Kind: core.ScopeUser, ID: "alice"},
	}
}

func TestAppendDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.Append(ctx, testEvent("$ev1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same identity again: rejected, no error.
	inserted, err = store.Append(ctx, testEvent("$ev1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Different identity: accepted.
	inserted, err = store.Append(ctx, testEvent("$ev2"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestAppendWithoutEventID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Events without an id skip identity dedup entirely.
	for i := 0; i < 2; i++ {
		inserted, err := store.Append(ctx, testEvent(""))
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "matrix", "$ev1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = store.Append(ctx, testEvent("$ev1"))
	require.NoError(t, err)

	seen, err = store.Seen(ctx, "matrix", "$ev1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Blank ids are never seen.
	seen, err = store.Seen(ctx, "matrix", "")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCleanupReopensIdentity(t *testing.T) {
	store, err := eventstore.NewStore(&eventstore.Config{
		DBPath: filepath.Join(t.TempDir(), "events.db"),
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	old := testEvent("$old")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	inserted, err := store.Append(ctx, old)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, store.Cleanup(ctx))

	// The expired identity is observable again.
	fresh := testEvent("$old")
	inserted, err = store.Append(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, inserted)
}
