package governor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/governor"
)

func newTestGovernor(t *testing.T) *governor.Governor {
	t.Helper()
	stateDir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.StateDir = stateDir
	cfg.Backend.Config = map[string]interface{}{
		"db_path": filepath.Join(stateDir, "memories.db"),
	}

	gov, err := governor.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gov.Close() })
	return gov
}

func observeEvent(eventID, text string) *core.Event {
	return &core.Event{
		Source:  "matrix",
		EventID: eventID,
		UserID:  "alice",
		Text:    text,
		Scope:   core.Scope{Kind: core.ScopeUser, ID: "alice"},
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

func TestObserveValidation(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()

	_, err := gov.Observe(ctx, &core.Event{Source: "matrix", UserID: "alice"})
	assert.True(t, errors.Is(err, core.ErrInvalidEvent))

	_, err = gov.Observe(ctx, &core.Event{
		Source: "matrix", UserID: "alice", Text: "hello",
		Scope: core.Scope{Kind: "team", ID: "x"},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidScope))
}

func TestObserveDecisions(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()

	// Low salience: accepted and buffered; consolidation discards it.
	decision, err := gov.Observe(ctx, observeEvent("$ev1", "lol ok"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, core.ReasonIgnored, decision.Reason)

	// Mid salience: buffered, waiting for consolidation.
	decision, err = gov.Observe(ctx, observeEvent("$ev2", "note the standup moved to eleven"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, core.ReasonWorking, decision.Reason)

	// High salience: buffered and spooled as a durable candidate.
	decision, err = gov.Observe(ctx, observeEvent("$ev3", "please remember the deploy key rotates friday"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, core.ReasonCandidate, decision.Reason)
	assert.Equal(t, core.KindPreference, decision.Kind)
	assert.Greater(t, gov.PendingWrites(), 0)
}

func TestObserveBuffersChatterUntilConsolidation(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	event := observeEvent("$ev1", "lol ok")
	event.Timestamp = time.Now().Add(-10 * time.Minute)
	decision, err := gov.Observe(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonIgnored, decision.Reason)

	// The chatter entered the working buffer: the same text under a fresh
	// event id dedups against it.
	repeat := observeEvent("$ev2", "lol ok")
	decision, err = gov.Observe(ctx, repeat)
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, core.ReasonDuplicate, decision.Reason)

	// Discard happens at consolidation, as a terminal state.
	result, err := gov.Consolidate(ctx, scope, core.ConsolidateAll)
	require.NoError(t, err)
	assert.Empty(t, result.Written)
	assert.Equal(t, 1, result.Discarded)
}

func TestObserveDuplicateIdentity(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()

	first, err := gov.Observe(ctx, observeEvent("$ev1", "note the standup moved to eleven"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := gov.Observe(ctx, observeEvent("$ev1", "note the standup moved to eleven"))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, core.ReasonDuplicate, second.Reason)
}

func TestObserveDuplicateText(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()

	first, err := gov.Observe(ctx, observeEvent("$ev1", "note the standup moved to eleven"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Same normalized text under a fresh event id.
	second, err := gov.Observe(ctx, observeEvent("$ev2", "Note the  standup moved to eleven"))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, core.ReasonDuplicate, second.Reason)
}

func TestRememberRecallRoundTrip(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	gov.Start(ctx)

	id, err := gov.Remember(ctx, scope, "alice", "cli", core.KindPreference,
		"always use docker compose v2 for the dev stack", nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	waitFor(t, func() bool { return gov.PendingWrites() == 0 })

	results, degraded, err := gov.Recall(ctx, scope, "docker compose", 5, nil)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, results, 1)
	assert.Equal(t, "always use docker compose v2 for the dev stack", results[0].Text)
	assert.True(t, results[0].Sticky)
	assert.InDelta(t, 0.95, results[0].Confidence, 1e-9)
}

func TestRememberValidation(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()

	_, err := gov.Remember(ctx, core.Scope{}, "alice", "cli", core.KindSemantic, "text", nil)
	assert.True(t, errors.Is(err, core.ErrInvalidScope))

	_, err = gov.Remember(ctx, core.Scope{Kind: core.ScopeUser, ID: "alice"}, "alice", "cli", "vector", "text", nil)
	assert.True(t, errors.Is(err, core.ErrInvalidEvent))
}

func TestObserveConsolidateRecall(t *testing.T) {
	gov := newTestGovernor(t)
	ctx := context.Background()
	scope := core.Scope{Kind: core.ScopeUser, ID: "alice"}

	gov.Start(ctx)

	// Aged observations so the aggregation window does not hold them back.
	for i, text := range []string{
		"note the dev stack now uses docker compose v2",
		"note the dev stack now uses docker compose v2 today",
	} {
		event := observeEvent(fmt.Sprintf("$ev%d", i), text)
		event.Timestamp = time.Now().Add(-10 * time.Minute)
		decision, err := gov.Observe(ctx, event)
		require.NoError(t, err)
		require.True(t, decision.Accepted)
	}

	result, err := gov.Consolidate(ctx, scope, core.ConsolidateAll)
	require.NoError(t, err)
	require.Len(t, result.Written, 1)
	assert.Len(t, result.Written[0].Provenance, 2)

	results, _, err := gov.Recall(ctx, scope, "docker compose", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, core.KindProcedural, results[0].Kind)
}
