package salience_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/salience"
)

func newClassifier() *salience.Classifier {
	return salience.NewClassifier(nil, core.SalienceConfig{
		DiscardThreshold:   0.2,
		CandidateThreshold: 0.4,
	})
}

func TestShouldDiscardBoundary(t *testing.T) {
	clf := newClassifier()

	// The discard bound is exclusive: exactly at the threshold is discarded.
	assert.True(t, clf.ShouldDiscard(0.2))
	assert.True(t, clf.ShouldDiscard(0.1))
	assert.False(t, clf.ShouldDiscard(0.21))
}

func TestClassifyExplicitMarker(t *testing.T) {
	clf := newClassifier()

	res := clf.Classify(context.Background(), "!remember the deploy key rotates friday", nil, nil)
	assert.GreaterOrEqual(t, res.Confidence, 0.9)
	assert.True(t, res.Sticky)
}

func TestClassifyExplicitMetadata(t *testing.T) {
	clf := newClassifier()

	res := clf.Classify(context.Background(), "rotate the deploy key on friday",
		map[string]interface{}{"reason": "explicit"}, nil)
	assert.GreaterOrEqual(t, res.Confidence, 0.9)
	assert.True(t, res.Sticky)
}

func TestClassifyPreferenceFloor(t *testing.T) {
	clf := newClassifier()

	res := clf.Classify(context.Background(), "I prefer dark roast coffee", nil, nil)
	assert.Equal(t, core.KindPreference, res.Kind)
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
	assert.False(t, res.Sticky)
}

func TestClassifyChatterScoresLow(t *testing.T) {
	clf := newClassifier()

	res := clf.Classify(context.Background(), "lol ok", nil, nil)
	assert.True(t, clf.ShouldDiscard(res.Confidence))
}

func TestClassifyKinds(t *testing.T) {
	clf := newClassifier()
	ctx := context.Background()

	tests := []struct {
		text string
		want core.MemoryKind
	}{
		{"run docker compose up -d to start the stack", core.KindProcedural},
		{"yesterday we migrated the database", core.KindEpisodic},
		{"the staging cluster is in eu-west-1", core.KindSemantic},
		{"never push directly to main", core.KindPreference},
	}
	for _, tt := range tests {
		res := clf.Classify(ctx, tt.text, nil, nil)
		assert.Equal(t, tt.want, res.Kind, "text: %q", tt.text)
	}
}

func TestClassifyContextBoost(t *testing.T) {
	clf := newClassifier()
	ctx := context.Background()

	text := "the migration script needs the maintenance flag"
	without := clf.Classify(ctx, text, nil, nil)
	with := clf.Classify(ctx, text, nil, []string{
		"the migration script failed again",
		"who owns the maintenance flag",
	})
	assert.Greater(t, with.Confidence, without.Confidence)
}

func TestClassifyMarksSensitive(t *testing.T) {
	clf := newClassifier()

	res := clf.Classify(context.Background(), "my api key is sk-12345 please remember it", nil, nil)
	assert.True(t, res.Sensitive)
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, salience.IsSensitive("the password is hunter2", nil))
	assert.True(t, salience.IsSensitive("card 4111111111111111 expires 09/27", nil))
	assert.False(t, salience.IsSensitive("lunch at noon tomorrow", nil))

	// Explicit metadata wins in both directions.
	assert.True(t, salience.IsSensitive("lunch at noon", map[string]interface{}{"sensitive": true}))
	assert.False(t, salience.IsSensitive("the password is hunter2", map[string]interface{}{"sensitive": false}))
}
