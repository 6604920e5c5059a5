// Package consolidate reduces working-memory buffers into durable memory
// records.
//
// A consolidation run drains aged entries for one scope, classifies them,
// merges near-duplicates, and writes the survivors to the durable backend.
// Delivery is at-least-once: entries are only removed from the buffer after
// the backend confirms the write, and the backend dedups retried writes by
// provenance key.
package consolidate

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/salience"
	"github.com/hippolabs/governor-go/pkg/working"
)

// defaultMergeOverlap is the Jaccard token overlap at which two entries of
// the same kind collapse into one record.
const defaultMergeOverlap = 0.6

// Engine runs consolidation for scopes.
//
// A given scope has at most one consolidation in flight at a time; a second
// caller gets core.ErrConsolidationRunning. Different scopes consolidate
// concurrently.
type Engine struct {
	working    *working.Store
	classifier *salience.Classifier
	store      backend.Store
	node       *snowflake.Node

	minAge       time.Duration
	mergeOverlap float64

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Config contains configuration for the engine.
type Config struct {
	// MinAge is the minimum entry age before a run drains it. Default: 2m.
	MinAge time.Duration

	// MergeOverlap is the Jaccard overlap threshold for merging
	// near-duplicate entries. Default: 0.6.
	MergeOverlap float64
}

// NewEngine creates a consolidation engine.
//
// Parameters:
//   - workingStore: The working memory buffer to drain
//   - classifier: Salience classifier for scoring drained entries
//   - store: Durable backend the surviving records are written to
//   - node: Snowflake node for record id generation
//   - cfg: Engine thresholds (nil uses defaults)
//
// Returns a new Engine.
func NewEngine(workingStore *working.Store, classifier *salience.Classifier, store backend.Store, node *snowflake.Node, cfg *Config) *Engine {
	minAge := 2 * time.Minute
	mergeOverlap := defaultMergeOverlap
	if cfg != nil {
		if cfg.MinAge > 0 {
			minAge = cfg.MinAge
		}
		if cfg.MergeOverlap > 0 {
			mergeOverlap = cfg.MergeOverlap
		}
	}
	return &Engine{
		working:      workingStore,
		classifier:   classifier,
		store:        store,
		node:         node,
		minAge:       minAge,
		mergeOverlap: mergeOverlap,
		inflight:     make(map[string]struct{}),
	}
}

// draft is a candidate record still tied to the buffer entries it came from.
type draft struct {
	record   *core.MemoryRecord
	entryIDs []int64
}

// Consolidate runs one consolidation pass for a scope.
//
// The pass:
//  1. Snapshots aged entries for the scope (atomically, without removing them)
//  2. Classifies each entry; entries at or below the discard threshold are
//     dropped (terminal state)
//  3. Merges near-duplicate survivors of the same kind into one record,
//     keeping the highest confidence and the union of provenance refs
//  4. Writes the merged records to the durable backend
//  5. Removes only the entries whose record was confirmed written (plus the
//     discarded ones); entries behind a failed write stay for the next cycle
//
// Parameters:
//   - ctx: Context for backend calls
//   - scope: The scope to consolidate
//   - mode: ConsolidateAll or ConsolidateSinceLast
//
// Returns the records written and the number of entries discarded, or
// core.ErrConsolidationRunning when the scope is already being consolidated.
func (e *Engine) Consolidate(ctx context.Context, scope core.Scope, mode core.ConsolidateMode) (*core.ConsolidationResult, error) {
	if !scope.Valid() {
		return nil, core.NewGovernorError("Consolidate", core.ErrInvalidScope)
	}
	if mode == "" {
		mode = core.ConsolidateAll
	}

	key := scope.Key()
	e.mu.Lock()
	if _, running := e.inflight[key]; running {
		e.mu.Unlock()
		return nil, core.NewGovernorError("Consolidate", core.ErrConsolidationRunning)
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	entries, err := e.working.Snapshot(ctx, scope, e.minAge, mode == core.ConsolidateSinceLast)
	if err != nil {
		return nil, core.NewGovernorError("Consolidate", err)
	}
	if len(entries) == 0 {
		return &core.ConsolidationResult{Written: []*core.MemoryRecord{}}, nil
	}

	// Classify each entry against the rest of the batch as context.
	batchTexts := make([]string, len(entries))
	for i, entry := range entries {
		batchTexts[i] = entry.Text
	}

	var (
		drafts       []*draft
		discardedIDs []int64
		discarded    int
	)
	for i, entry := range entries {
		discussion := append(append([]string{}, batchTexts[:i]...), batchTexts[i+1:]...)
		res := e.classifier.Classify(ctx, entry.Text, entry.Metadata, discussion)

		if e.classifier.ShouldDiscard(res.Confidence) {
			discardedIDs = append(discardedIDs, entry.ID)
			discarded++
			continue
		}

		drafts = e.absorb(drafts, entry, res)
	}

	result := &core.ConsolidationResult{
		Written:   []*core.MemoryRecord{},
		Discarded: discarded,
	}

	var (
		removableIDs = discardedIDs
		newestOK     int64
		anyFailed    bool
	)
	for _, d := range drafts {
		if _, err := e.store.Create(ctx, d.record); err != nil {
			// Leave the contributing entries buffered; the next cycle
			// retries and the backend dedups by provenance key.
			anyFailed = true
			continue
		}
		result.Written = append(result.Written, d.record)
		removableIDs = append(removableIDs, d.entryIDs...)
	}

	if err := e.working.Remove(ctx, removableIDs); err != nil {
		return result, core.NewGovernorError("Consolidate", err)
	}

	// The cursor only advances when every write landed; otherwise a
	// since_last run would skip the entries left behind for retry.
	if !anyFailed {
		for _, entry := range entries {
			if ts := entry.Timestamp.Unix(); ts > newestOK {
				newestOK = ts
			}
		}
		if err := e.working.SetCursor(ctx, scope, newestOK); err != nil {
			return result, core.NewGovernorError("Consolidate", err)
		}
	}

	if anyFailed {
		return result, core.NewGovernorError("Consolidate", core.ErrBackendUnavailable)
	}
	return result, nil
}

// Running reports whether a consolidation is in flight for the scope.
func (e *Engine) Running(scope core.Scope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.inflight[scope.Key()]
	return running
}

// absorb merges an entry into an existing near-duplicate draft of the same
// kind, or appends a new draft.
func (e *Engine) absorb(drafts []*draft, entry *core.WorkingEntry, res salience.Result) []*draft {
	for _, d := range drafts {
		if d.record.Kind != res.Kind {
			continue
		}
		if core.JaccardOverlap(d.record.Text, entry.Text) < e.mergeOverlap {
			continue
		}
		// Merge: highest confidence wins the text, provenance unions.
		if res.Confidence > d.record.Confidence {
			d.record.Confidence = res.Confidence
			d.record.Text = recordText(entry.Text, res.Kind)
			d.record.Keywords = core.ExtractKeywords(entry.Text, 4)
		}
		d.record.Sticky = d.record.Sticky || res.Sticky
		d.record.Sensitive = d.record.Sensitive || res.Sensitive
		d.record.Provenance = appendRef(d.record.Provenance, entry.Ref())
		d.entryIDs = append(d.entryIDs, entry.ID)
		return drafts
	}

	return append(drafts, &draft{
		record: &core.MemoryRecord{
			ID:         e.node.Generate().Int64(),
			Scope:      entry.Scope,
			Kind:       res.Kind,
			Text:       recordText(entry.Text, res.Kind),
			Confidence: res.Confidence,
			Sticky:     res.Sticky,
			Sensitive:  res.Sensitive,
			CreatedAt:  time.Now(),
			Provenance: []core.EventRef{entry.Ref()},
			Keywords:   core.ExtractKeywords(entry.Text, 4),
			Metadata:   entry.Metadata,
		},
		entryIDs: []int64{entry.ID},
	})
}

// recordText canonicalizes distilled kinds; episodic narrative keeps its
// raw form.
func recordText(text string, kind core.MemoryKind) string {
	if kind == core.KindEpisodic {
		return text
	}
	return core.CanonicalizeText(text)
}

func appendRef(refs []core.EventRef, ref core.EventRef) []core.EventRef {
	for _, existing := range refs {
		if existing == ref {
			return refs
		}
	}
	return append(refs, ref)
}
