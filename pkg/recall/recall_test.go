package recall_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/recall"
)

// fakeStore serves a fixed record set; failing makes Query error.
type fakeStore struct {
	mu      sync.Mutex
	records []*core.MemoryRecord
	failing bool
	touched []int64
}

func (f *fakeStore) Create(_ context.Context, record *core.MemoryRecord) (int64, error) {
	f.records = append(f.records, record)
	return record.ID, nil
}

func (f *fakeStore) Query(_ context.Context, opts *backend.QueryOptions) ([]*core.MemoryRecord, error) {
	if f.failing {
		return nil, core.ErrBackendUnavailable
	}
	var out []*core.MemoryRecord
	for _, rec := range f.records {
		if rec.Scope != opts.Scope {
			continue
		}
		if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, rec.Kind) {
			continue
		}
		if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) Get(context.Context, int64) (*core.MemoryRecord, error) {
	return nil, core.ErrNotFound
}
func (f *fakeStore) Delete(context.Context, int64) error { return nil }

func (f *fakeStore) Touch(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids...)
	return nil
}
func (f *fakeStore) Close() error { return nil }

func containsKind(kinds []core.MemoryKind, kind core.MemoryKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var (
	aliceScope = core.Scope{Kind: core.ScopeUser, ID: "alice"}
	bobScope   = core.Scope{Kind: core.ScopeUser, ID: "bob"}
)

func record(id int64, kind core.MemoryKind, text string, confidence float64, age time.Duration) *core.MemoryRecord {
	return &core.MemoryRecord{
		ID:         id,
		Scope:      aliceScope,
		Kind:       kind,
		Text:       text,
		Confidence: confidence,
		CreatedAt:  time.Now().Add(-age),
		Provenance: []core.EventRef{{Source: "matrix", EventID: "$ev"}},
	}
}

func newFilter(store backend.Store) *recall.Filter {
	return recall.NewFilter(store, core.RecallConfig{DecayRate: 0.1, DefaultK: 5}, nil)
}

func TestRecallRanksByLexicalOverlap(t *testing.T) {
	store := &fakeStore{records: []*core.MemoryRecord{
		record(1, core.KindProcedural, "use docker compose v2 for the dev stack", 0.8, time.Hour),
		record(2, core.KindSemantic, "the coffee machine is on floor three", 0.8, time.Hour),
	}}
	f := newFilter(store)

	results, degraded, err := f.Recall(context.Background(), aliceScope, "docker compose", 5, nil)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRecallRespectsK(t *testing.T) {
	store := &fakeStore{records: []*core.MemoryRecord{
		record(1, core.KindSemantic, "fact one about docker", 0.8, time.Hour),
		record(2, core.KindSemantic, "fact two about docker", 0.8, time.Hour),
		record(3, core.KindSemantic, "fact three about docker", 0.8, time.Hour),
	}}
	f := newFilter(store)

	results, _, err := f.Recall(context.Background(), aliceScope, "docker", 2, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRecallKindFilter(t *testing.T) {
	store := &fakeStore{records: []*core.MemoryRecord{
		record(1, core.KindProcedural, "use docker compose v2", 0.8, time.Hour),
		record(2, core.KindPreference, "always review docker changes", 0.8, time.Hour),
	}}
	f := newFilter(store)

	results, _, err := f.Recall(context.Background(), aliceScope, "docker", 5, &core.RecallFilters{
		Kinds: []core.MemoryKind{core.KindPreference},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.KindPreference, results[0].Kind)
}

func TestRecallMinConfidenceIsDecayed(t *testing.T) {
	store := &fakeStore{records: []*core.MemoryRecord{
		// Old enough that 0.1/day decay drags 0.5 under the 0.45 floor.
		record(1, core.KindSemantic, "an old docker fact", 0.5, 60*24*time.Hour),
		record(2, core.KindSemantic, "a fresh docker fact", 0.5, time.Minute),
	}}
	f := newFilter(store)

	results, _, err := f.Recall(context.Background(), aliceScope, "docker", 5, &core.RecallFilters{
		MinConfidence: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)
}

func TestRecallStickyExemptFromDecay(t *testing.T) {
	sticky := record(1, core.KindPreference, "always use docker compose", 0.95, 60*24*time.Hour)
	sticky.Sticky = true
	store := &fakeStore{records: []*core.MemoryRecord{sticky}}
	f := newFilter(store)

	results, _, err := f.Recall(context.Background(), aliceScope, "docker", 5, &core.RecallFilters{
		MinConfidence: 0.9,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRecallSensitiveStaysInScope(t *testing.T) {
	leaked := record(1, core.KindSemantic, "the docker registry password", 0.9, time.Hour)
	leaked.Scope = bobScope
	leaked.Sensitive = true
	store := &fakeStore{records: []*core.MemoryRecord{leaked}}

	// Simulate a backend that ignores scope so the recall-side gate is the
	// last line of defense.
	f := newFilter(&promiscuousStore{fakeStore: store})

	results, _, err := f.Recall(context.Background(), aliceScope, "docker", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// promiscuousStore returns every record regardless of the query scope.
type promiscuousStore struct {
	*fakeStore
}

func (p *promiscuousStore) Query(context.Context, *backend.QueryOptions) ([]*core.MemoryRecord, error) {
	return p.records, nil
}

func TestRecallDegradedOnBackendFailure(t *testing.T) {
	store := &fakeStore{failing: true}
	f := newFilter(store)

	results, degraded, err := f.Recall(context.Background(), aliceScope, "docker", 5, nil)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Empty(t, results)
}

func TestRecallTouchesResults(t *testing.T) {
	store := &fakeStore{records: []*core.MemoryRecord{
		record(1, core.KindSemantic, "a docker fact", 0.8, time.Hour),
	}}
	f := newFilter(store)

	_, _, err := f.Recall(context.Background(), aliceScope, "docker", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, store.touched)
}

func TestRecallInvalidScope(t *testing.T) {
	f := newFilter(&fakeStore{})

	_, _, err := f.Recall(context.Background(), core.Scope{}, "docker", 5, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidScope))
}

func TestDecayEffectiveConfidence(t *testing.T) {
	decay := recall.NewDecay(0.1)
	now := time.Now()

	fresh := &core.MemoryRecord{Confidence: 0.8, CreatedAt: now}
	assert.InDelta(t, 0.8, decay.EffectiveConfidence(fresh, now), 0.01)

	aged := &core.MemoryRecord{Confidence: 0.8, CreatedAt: now.Add(-10 * 24 * time.Hour)}
	assert.Less(t, decay.EffectiveConfidence(aged, now), 0.8)

	// A touch resets the decay anchor.
	touched := &core.MemoryRecord{Confidence: 0.8, CreatedAt: now.Add(-10 * 24 * time.Hour)}
	accessed := now.Add(-time.Minute)
	touched.LastAccessedAt = &accessed
	assert.InDelta(t, 0.8, decay.EffectiveConfidence(touched, now), 0.01)
}
