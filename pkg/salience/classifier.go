// Package salience scores incoming events for durability-worthiness and
// assigns each a memory kind.
package salience

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/llm"
)

// Result is the outcome of classifying a single piece of text.
type Result struct {
	// Kind is the assigned memory kind.
	Kind core.MemoryKind `json:"kind"`

	// Confidence is the salience score in [0,1]. Scores at or below the
	// configured discard threshold mean the entry should not be persisted.
	Confidence float64 `json:"confidence"`

	// Sticky marks content the user explicitly asked to keep; sticky
	// records are exempt from confidence decay.
	Sticky bool `json:"sticky,omitempty"`

	// Sensitive marks content that must never leave its originating scope.
	Sensitive bool `json:"sensitive,omitempty"`
}

// Classifier scores text for durability and assigns memory kinds.
//
// It supports two evaluation modes:
//   - Rule-based: deterministic keyword and marker heuristics (always available)
//   - LLM-based: scoring via an llm.Provider (more accurate, optional)
//
// LLM failures are never fatal: any error falls back to the rule-based
// score, so classification degrades rather than blocking ingestion.
//
// Example usage:
//
//	clf := salience.NewClassifier(nil, core.SalienceConfig{
//	    DiscardThreshold:   0.2,
//	    CandidateThreshold: 0.4,
//	})
//	res := clf.Classify(ctx, "always use docker compose v2", nil, nil)
type Classifier struct {
	// provider is the LLM provider for LLM-based scoring. Nil means
	// rule-based only.
	provider llm.Provider

	// useLLM indicates whether to attempt LLM-based scoring first.
	useLLM bool

	// discardThreshold is the exclusive lower bound for keeping an entry.
	discardThreshold float64
}

// Keyword and marker tables for rule-based scoring. These are the governor's
// documented decision-policy defaults.
var (
	salientKeywords = []string{
		"remember", "note", "important", "prefer", "always", "never",
		"please", "do not", "don't", "todo", "task", "tomorrow", "next week",
	}

	preferenceRE = regexp.MustCompile(`(?i)\b(always|never|prefer|i like|i dislike|i hate|i love|i will|i'll|please remember)\b`)

	proceduralPrefixes = []string{"run ", "use ", "start ", "stop ", "install ", "restart ", "deploy "}
	proceduralMarkers  = []string{"runbook", "restart", "docker", "compose", "command", "script", "how to", "todo", "task"}

	narrativeMarkers = []string{"yesterday", "today", "last week", "we talked", "met with", "happened", "went to", "i was", "i did"}
)

// NewClassifier creates a new classifier.
//
// Parameters:
//   - provider: LLM provider for LLM-based scoring (can be nil)
//   - cfg: Salience thresholds. A zero DiscardThreshold defaults to 0.2.
//
// Returns a new Classifier.
func NewClassifier(provider llm.Provider, cfg core.SalienceConfig) *Classifier {
	threshold := cfg.DiscardThreshold
	if threshold == 0 {
		threshold = 0.2
	}
	return &Classifier{
		provider:         provider,
		useLLM:           cfg.UseLLM && provider != nil,
		discardThreshold: threshold,
	}
}

// DiscardThreshold returns the exclusive lower bound for persistence.
func (c *Classifier) DiscardThreshold() float64 {
	return c.discardThreshold
}

// ShouldDiscard reports whether a confidence score falls at or below the
// discard threshold. The bound is exclusive: a score exactly at the
// threshold is discarded.
func (c *Classifier) ShouldDiscard(confidence float64) bool {
	return confidence <= c.discardThreshold
}

// Classify scores text and assigns a memory kind.
//
// The sensitive check runs first and is a hard filter: it applies before
// any durability decision regardless of evaluation mode. LLM-based scoring
// is attempted when enabled; any failure falls back to the deterministic
// rules.
//
// Parameters:
//   - ctx: Context for cancellation (only used by LLM-based scoring)
//   - text: Content to classify
//   - metadata: Event metadata; "sensitive" and "reason" keys are recognized
//   - discussionContext: recent texts from the same scope, used for
//     token-overlap boosting (may be nil)
//
// Returns the classification result.
func (c *Classifier) Classify(ctx context.Context, text string, metadata map[string]interface{}, discussionContext []string) Result {
	sensitive := IsSensitive(text, metadata)

	if c.useLLM {
		if res, err := c.classifyWithLLM(ctx, text); err == nil {
			res.Sensitive = sensitive
			return res
		}
		// Fall through to rules on any LLM failure.
	}

	res := c.classifyWithRules(text, metadata, discussionContext)
	res.Sensitive = sensitive
	return res
}

// classifyWithRules is the deterministic scoring path.
func (c *Classifier) classifyWithRules(text string, metadata map[string]interface{}, discussionContext []string) Result {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	// Length factor: longer statements carry more signal, capped.
	score := 0.1 + math.Min(0.5, float64(len(trimmed))/4000.0)

	// Keyword hits.
	hits := 0
	for _, kw := range salientKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score += math.Min(1.0, 0.15*float64(hits))

	// Overlap with the current discussion context.
	if len(discussionContext) > 0 {
		var best float64
		for _, ctxText := range discussionContext {
			if o := core.JaccardOverlap(trimmed, ctxText); o > best {
				best = o
			}
		}
		score += 0.2 * best
	}

	sticky := false

	// Explicit markers force a high floor.
	if strings.HasPrefix(lower, "!remember") || metadataReason(metadata) == "explicit" {
		score = math.Max(score, 0.9)
		sticky = true
	}

	// Preference and commitment phrases.
	if preferenceRE.MatchString(trimmed) {
		score = math.Max(score, 0.6)
	}

	return Result{
		Kind:       classifyKind(trimmed, lower),
		Confidence: math.Min(1.0, score),
		Sticky:     sticky,
	}
}

// classifyKind maps marker patterns to a memory kind.
//
// Order matters: preference markers win over procedural ones ("always use
// docker compose" is a preference about a procedure), and factual assertion
// shape is checked before defaulting to episodic.
func classifyKind(text, lower string) core.MemoryKind {
	if preferenceRE.MatchString(text) {
		return core.KindPreference
	}
	for _, prefix := range proceduralPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return core.KindProcedural
		}
	}
	for _, marker := range proceduralMarkers {
		if strings.Contains(lower, marker) {
			return core.KindProcedural
		}
	}
	for _, marker := range narrativeMarkers {
		if strings.Contains(lower, marker) {
			return core.KindEpisodic
		}
	}
	// Bare copular assertions read as facts: "X is Y", "X are Y".
	if strings.Contains(lower, " is ") || strings.Contains(lower, " are ") || strings.Contains(lower, " has ") {
		return core.KindSemantic
	}
	return core.KindEpisodic
}

// classifyWithLLM scores text via the LLM provider.
func (c *Classifier) classifyWithLLM(ctx context.Context, text string) (Result, error) {
	systemPrompt := `You are a salience classifier for a personal memory system.
Classify the given text and score how much it merits durable storage.
Kinds: "episodic" (something that happened), "semantic" (a fact),
"procedural" (how to do something), "preference" (a standing user preference).
Return JSON: {"kind": "...", "confidence": 0.0-1.0, "sticky": bool}.`

	userPrompt := fmt.Sprintf("Text: %s\n\nReturn only the JSON object.", text)

	response, err := c.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return Result{}, core.NewGovernorError("ClassifyLLM", core.ErrClassification)
	}

	res, ok := parseClassifyResponse(response)
	if !ok {
		return Result{}, core.NewGovernorError("ClassifyLLM", core.ErrClassification)
	}
	return res, nil
}

// parseClassifyResponse extracts the JSON classification from an LLM reply.
// Models wrap JSON in prose often enough that we scan for the outermost
// braces instead of unmarshaling the raw reply.
func parseClassifyResponse(response string) (Result, bool) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return Result{}, false
	}

	var parsed struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
		Sticky     bool    `json:"sticky"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return Result{}, false
	}

	kind := core.MemoryKind(parsed.Kind)
	if !core.ValidKind(kind) {
		return Result{}, false
	}

	return Result{
		Kind:       kind,
		Confidence: math.Max(0.0, math.Min(1.0, parsed.Confidence)),
		Sticky:     parsed.Sticky,
	}, true
}

func metadataReason(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	reason, _ := metadata["reason"].(string)
	return reason
}
