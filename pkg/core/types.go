// Package core provides the Memory Governor client and its domain types.
package core

import (
	"sort"
	"strings"
	"time"
)

// ScopeKind identifies the kind of isolation unit a memory belongs to.
type ScopeKind string

const (
	// ScopeUser partitions memory per user.
	ScopeUser ScopeKind = "user"

	// ScopeRoom partitions memory per room/channel.
	ScopeRoom ScopeKind = "room"

	// ScopeGlobal is the shared partition visible to every caller.
	ScopeGlobal ScopeKind = "global"
)

// Scope is the isolation unit that partitions all working and durable memory.
//
// Every observe, consolidate, and recall operation is bound to exactly one
// scope. Working memory never leaks across scopes, and consolidation only
// reads and drains entries belonging to its own scope.
//
// Example:
//
//	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}
//	scope.Key() // "user:alice"
type Scope struct {
	// Kind is the scope kind (user, room, global).
	Kind ScopeKind `json:"kind"`

	// ID is the identifier within the kind (user id, room id).
	ID string `json:"id"`
}

// Key returns the canonical "kind:id" form used as a partition key in
// storage and lock tables.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// Valid reports whether the scope has a known kind and a non-empty id.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeUser, ScopeRoom, ScopeGlobal:
		return s.ID != ""
	}
	return false
}

// MemoryKind classifies a durable memory record.
type MemoryKind string

const (
	// KindEpisodic records something that happened (narrative memory).
	KindEpisodic MemoryKind = "episodic"

	// KindSemantic records a fact or assertion about the world.
	KindSemantic MemoryKind = "semantic"

	// KindProcedural records how to do something (commands, runbooks, tasks).
	KindProcedural MemoryKind = "procedural"

	// KindPreference records a standing user preference or commitment.
	KindPreference MemoryKind = "preference"
)

// ValidKind reports whether k is one of the known memory kinds.
func ValidKind(k MemoryKind) bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural, KindPreference:
		return true
	}
	return false
}

// Event is a single raw observation flowing into the governor.
//
// An event is immutable once stored and is unique per (Source, EventID).
// The raw event log may expire events by TTL; consolidated memory records
// keep their provenance references regardless.
type Event struct {
	// Source names the producer of the event (e.g. "matrix", "cli").
	Source string `json:"source"`

	// EventID is the producer-assigned identifier, unique within Source.
	// It may be empty for sources that cannot supply one; such events
	// skip identity-based dedup and rely on text-based dedup only.
	EventID string `json:"event_id,omitempty"`

	// UserID identifies the user the event belongs to.
	UserID string `json:"user_id"`

	// Text is the observed content.
	Text string `json:"text"`

	// Timestamp is when the event happened. Zero means "now".
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Scope is the isolation unit the event belongs to.
	Scope Scope `json:"scope"`

	// Metadata carries source-specific attributes. Recognized keys:
	// "sensitive" (bool), "reason" ("explicit" boosts salience).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EventRef is a provenance reference from a durable record back to a
// source event.
type EventRef struct {
	// Source is the event source.
	Source string `json:"source"`

	// EventID is the producer-assigned event identifier.
	EventID string `json:"event_id"`
}

// Key returns the canonical "source/event_id" form used as the
// idempotency key for durable writes.
func (r EventRef) Key() string {
	return r.Source + "/" + r.EventID
}

// WorkingEntry is an unconsolidated observation sitting in the working
// memory buffer for a scope.
//
// Lifecycle: created by observe, aggregated within the TTL window, then
// either consumed by consolidation (converted into a MemoryRecord and
// deleted) or dropped when it expires. Entries never return to the buffer
// once drained.
type WorkingEntry struct {
	// ID is the buffer-local row id.
	ID int64 `json:"id"`

	// Scope is the isolation unit the entry belongs to.
	Scope Scope `json:"scope"`

	// UserID identifies the observed user.
	UserID string `json:"user_id"`

	// Source and EventID carry provenance for the originating event.
	Source  string `json:"source"`
	EventID string `json:"event_id,omitempty"`

	// Text is the raw observed content.
	Text string `json:"text"`

	// NormalizedText is the canonicalized, lowercased form used for
	// text-based dedup.
	NormalizedText string `json:"-"`

	// Timestamp is when the underlying event happened.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries the originating event's metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Ref returns the provenance reference for the entry's source event.
func (e *WorkingEntry) Ref() EventRef {
	return EventRef{Source: e.Source, EventID: e.EventID}
}

// MemoryRecord is a consolidated durable memory.
//
// Records are created by consolidation or by an explicit remember call.
// Confidence decays over time unless the record is sticky; records are
// deleted explicitly or superseded by newer consolidation.
type MemoryRecord struct {
	// ID is the unique record identifier (snowflake).
	ID int64 `json:"id"`

	// Scope is the isolation unit the record belongs to.
	Scope Scope `json:"scope"`

	// Kind classifies the record (episodic, semantic, procedural, preference).
	Kind MemoryKind `json:"kind"`

	// Text is the consolidated content.
	Text string `json:"text"`

	// Confidence is the durability confidence in [0,1] at creation time.
	Confidence float64 `json:"confidence"`

	// Sticky marks records exempt from confidence decay (explicit remembers).
	Sticky bool `json:"sticky,omitempty"`

	// Sensitive marks records returned only to their originating scope.
	Sensitive bool `json:"sensitive,omitempty"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is when the record last matched a recall (nil if never).
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// Provenance lists the source events backing this record. Every record
	// traces to at least one event.
	Provenance []EventRef `json:"provenance"`

	// Keywords are the salient tokens extracted from Text.
	Keywords []string `json:"keywords,omitempty"`

	// Metadata carries additional attributes from the source events.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Score is the ranking score assigned by recall. Zero outside recall
	// results.
	Score float64 `json:"score,omitempty"`
}

// ProvenanceKey returns the idempotency key for durable writes: the sorted
// provenance refs joined with "+". Two consolidation runs producing a record
// from the same events collide on this key, which is how the backend keeps
// at-least-once delivery idempotent.
func (m *MemoryRecord) ProvenanceKey() string {
	if len(m.Provenance) == 0 {
		return ""
	}
	keys := make([]string, len(m.Provenance))
	for i, ref := range m.Provenance {
		keys[i] = ref.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, "+")
}

// Decision is the synchronous outcome of an observe call.
type Decision struct {
	// Accepted is false only for duplicates and invalid events.
	Accepted bool `json:"accepted"`

	// Reason explains the outcome (see Reason* constants).
	Reason string `json:"reason"`

	// Salience is the pre-classification score in [0,1].
	Salience float64 `json:"salience"`

	// Kind is set when the event was promoted to a durable candidate.
	Kind MemoryKind `json:"kind,omitempty"`
}

// Observe decision reasons.
const (
	// ReasonWorking: buffered in working memory, awaiting consolidation.
	ReasonWorking = "working"

	// ReasonCandidate: buffered and additionally spooled for durable write.
	ReasonCandidate = "candidate"

	// ReasonIgnored: salience at or below the discard threshold. The entry
	// is still buffered; consolidation discards it.
	ReasonIgnored = "ignored"

	// ReasonDuplicate: (source, event_id) or normalized text already seen.
	ReasonDuplicate = "duplicate"

	// ReasonBackpressure: buffered, but the durable spool was full so the
	// immediate write was dropped; consolidation will pick the entry up.
	ReasonBackpressure = "backpressure"
)

// RecallFilters narrow a recall query before ranking.
type RecallFilters struct {
	// Kinds restricts results to the given memory kinds (empty = all).
	Kinds []MemoryKind `json:"kinds,omitempty"`

	// SinceDays restricts results to records created within the last N days
	// (0 = no limit).
	SinceDays int `json:"since_days,omitempty"`

	// MinConfidence drops records whose effective (decayed) confidence is
	// below the bound.
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// ConsolidateMode selects which working entries a consolidation run drains.
type ConsolidateMode string

const (
	// ConsolidateAll drains every aged entry for the scope.
	ConsolidateAll ConsolidateMode = "all"

	// ConsolidateSinceLast drains only entries newer than the scope's
	// consolidation cursor.
	ConsolidateSinceLast ConsolidateMode = "since_last"
)

// ConsolidationResult reports what a consolidation run produced.
type ConsolidationResult struct {
	// Written lists the records handed to the durable backend.
	Written []*MemoryRecord `json:"written"`

	// Discarded counts entries dropped below the salience threshold.
	Discarded int `json:"discarded"`
}
