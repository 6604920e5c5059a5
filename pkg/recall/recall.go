// Package recall filters and ranks durable memory records for a query.
//
// The backend does coarse prefiltering (scope, kind, age); this package
// applies confidence decay, the caller's filters, and lexical ranking, then
// optionally hands the top candidates to a reranker. Backend read failures
// degrade to empty results rather than erroring, so a governor in front of a
// flaky backend still answers.
package recall

import (
	"context"
	"sort"
	"time"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Ranking weights: lexical overlap dominates, decayed confidence and
// recency break the field apart.
const (
	lexicalWeight    = 0.55
	confidenceWeight = 0.30
	recencyWeight    = 0.15

	// recencyHorizonDays is the window over which recency falls linearly
	// from 1 to 0.
	recencyHorizonDays = 30.0

	// candidateFactor oversamples backend candidates relative to k so
	// filtering and ranking have something to work with.
	candidateFactor = 10
)

// Reranker reorders ranked candidates, typically with an LLM. Implementations
// return the records in their preferred order; errors make the caller fall
// back to the lexical order.
type Reranker interface {
	Rerank(ctx context.Context, query string, records []*core.MemoryRecord) ([]*core.MemoryRecord, error)
}

// Filter answers recall queries against a durable backend.
type Filter struct {
	store    backend.Store
	decay    *Decay
	defaultK int
	reranker Reranker
}

// NewFilter creates a recall filter.
//
// Parameters:
//   - store: The durable backend to query
//   - cfg: Recall configuration (decay rate, default k)
//   - reranker: Optional reranker for the top candidates (nil disables)
//
// Returns a new Filter.
func NewFilter(store backend.Store, cfg core.RecallConfig, reranker Reranker) *Filter {
	defaultK := cfg.DefaultK
	if defaultK <= 0 {
		defaultK = 5
	}
	return &Filter{
		store:    store,
		decay:    NewDecay(cfg.DecayRate),
		defaultK: defaultK,
		reranker: reranker,
	}
}

// Recall returns up to k records for the scope ranked against the query.
//
// Filters apply before ranking: kind membership, a creation-time floor
// derived from SinceDays, and a minimum effective (decayed) confidence.
// Sensitive records are returned only when their scope matches the query
// scope exactly. Matched records are touched so their decay anchor resets.
//
// Parameters:
//   - ctx: Context for backend calls
//   - scope: The scope to recall from
//   - query: Free-text query
//   - k: Maximum results (0 uses the configured default)
//   - filters: Optional filters (nil applies none)
//
// Returns the ranked records and a degraded flag that is true when the
// backend read failed and the results are empty for that reason.
func (f *Filter) Recall(ctx context.Context, scope core.Scope, query string, k int, filters *core.RecallFilters) ([]*core.MemoryRecord, bool, error) {
	if !scope.Valid() {
		return nil, false, core.NewGovernorError("Recall", core.ErrInvalidScope)
	}
	if k <= 0 {
		k = f.defaultK
	}
	if filters == nil {
		filters = &core.RecallFilters{}
	}

	opts := &backend.QueryOptions{
		Scope: scope,
		Query: query,
		Kinds: filters.Kinds,
		Limit: k * candidateFactor,
	}
	if filters.SinceDays > 0 {
		opts.Since = time.Now().AddDate(0, 0, -filters.SinceDays)
	}

	candidates, err := f.store.Query(ctx, opts)
	if err != nil {
		return []*core.MemoryRecord{}, true, nil
	}

	now := time.Now()
	ranked := make([]*core.MemoryRecord, 0, len(candidates))
	for _, record := range candidates {
		if record.Sensitive && record.Scope != scope {
			continue
		}
		effective := f.decay.EffectiveConfidence(record, now)
		if filters.MinConfidence > 0 && effective < filters.MinConfidence {
			continue
		}
		record.Score = f.score(query, record, effective, now)
		ranked = append(ranked, record)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	if f.reranker != nil && len(ranked) > 1 {
		if reordered, rerr := f.reranker.Rerank(ctx, query, ranked); rerr == nil && len(reordered) == len(ranked) {
			ranked = reordered
		}
	}

	f.touch(ctx, ranked)
	return ranked, false, nil
}

// score combines lexical overlap with the query, decayed confidence, and
// linear recency over the horizon window.
func (f *Filter) score(query string, record *core.MemoryRecord, effective float64, now time.Time) float64 {
	lexical := core.JaccardOverlap(query, record.Text)

	ageDays := now.Sub(record.CreatedAt).Hours() / 24.0
	recency := 1.0 - ageDays/recencyHorizonDays
	if recency < 0 {
		recency = 0
	}

	return lexicalWeight*lexical + confidenceWeight*effective + recencyWeight*recency
}

// touch records the access so the matched records' decay resets. Best
// effort: a failed touch never fails the recall.
func (f *Filter) touch(ctx context.Context, records []*core.MemoryRecord) {
	if len(records) == 0 {
		return
	}
	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	_ = f.store.Touch(ctx, ids)
}
