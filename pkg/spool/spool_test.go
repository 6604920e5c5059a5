package spool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/spool"
)

// fakeStore records Create calls and can fail a configured number of times.
type fakeStore struct {
	mu       sync.Mutex
	created  []*core.MemoryRecord
	failures int
}

func (f *fakeStore) Create(_ context.Context, record *core.MemoryRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, core.ErrBackendUnavailable
	}
	f.created = append(f.created, record)
	return record.ID, nil
}

func (f *fakeStore) Query(context.Context, *backend.QueryOptions) ([]*core.MemoryRecord, error) {
	return nil, nil
}
func (f *fakeStore) Get(context.Context, int64) (*core.MemoryRecord, error) {
	return nil, core.ErrNotFound
}
func (f *fakeStore) Delete(context.Context, int64) error { return nil }
func (f *fakeStore) Touch(context.Context, []int64) error { return nil }
func (f *fakeStore) Close() error                         { return nil }

func (f *fakeStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func spoolRecord(id int64) *core.MemoryRecord {
	return &core.MemoryRecord{
		ID:         id,
		Scope:      core.Scope{Kind: core.ScopeUser, ID: "alice"},
		Kind:       core.KindSemantic,
		Text:       "the staging cluster is in eu-west-1",
		Confidence: 0.8,
		CreatedAt:  time.Now(),
		Provenance: []core.EventRef{{Source: "matrix", EventID: "$ev1"}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnqueueAndDrain(t *testing.T) {
	store := &fakeStore{}
	queue, err := spool.NewQueue(&spool.Config{
		Path: filepath.Join(t.TempDir(), "spool.jsonl"),
	}, store)
	require.NoError(t, err)

	queue.Start(context.Background())
	defer func() { _ = queue.Close() }()

	jobID, err := queue.Enqueue(spoolRecord(1))
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	waitFor(t, func() bool { return store.createdCount() == 1 })
	waitFor(t, func() bool { return queue.Pending() == 0 })
}

func TestEnqueueFullRejects(t *testing.T) {
	store := &fakeStore{}
	queue, err := spool.NewQueue(&spool.Config{
		Path:      filepath.Join(t.TempDir(), "spool.jsonl"),
		QueueSize: 1,
	}, store)
	require.NoError(t, err)
	// Worker never started, so the channel fills immediately.

	_, err = queue.Enqueue(spoolRecord(1))
	require.NoError(t, err)

	_, err = queue.Enqueue(spoolRecord(2))
	assert.True(t, errors.Is(err, core.ErrSpoolFull))
}

func TestRetryAfterFailure(t *testing.T) {
	store := &fakeStore{failures: 1}
	queue, err := spool.NewQueue(&spool.Config{
		Path:       filepath.Join(t.TempDir(), "spool.jsonl"),
		RetryDelay: 10 * time.Millisecond,
	}, store)
	require.NoError(t, err)

	queue.Start(context.Background())
	defer func() { _ = queue.Close() }()

	_, err = queue.Enqueue(spoolRecord(1))
	require.NoError(t, err)

	// First attempt fails, the retry lands.
	waitFor(t, func() bool { return store.createdCount() == 1 })
	waitFor(t, func() bool { return queue.Pending() == 0 })
}

func TestPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")

	// First incarnation spools a job but never starts its worker.
	first, err := spool.NewQueue(&spool.Config{Path: path}, &fakeStore{})
	require.NoError(t, err)
	_, err = first.Enqueue(spoolRecord(1))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Second incarnation reloads and replays it.
	store := &fakeStore{}
	second, err := spool.NewQueue(&spool.Config{Path: path}, store)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Pending())

	second.Start(context.Background())
	defer func() { _ = second.Close() }()

	waitFor(t, func() bool { return store.createdCount() == 1 })
	waitFor(t, func() bool { return second.Pending() == 0 })
}
