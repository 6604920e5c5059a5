// Package governor provides the Memory Governor client.
//
// The governor sits between noisy event producers and a durable memory
// backend. It ingests observations, buffers them in per-scope working
// memory, consolidates the survivors into durable records, and answers
// ranked recall queries.
package governor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/hippolabs/governor-go/pkg/backend"
	httpBackend "github.com/hippolabs/governor-go/pkg/backend/http"
	mysqlBackend "github.com/hippolabs/governor-go/pkg/backend/mysql"
	postgresBackend "github.com/hippolabs/governor-go/pkg/backend/postgres"
	sqliteBackend "github.com/hippolabs/governor-go/pkg/backend/sqlite"
	"github.com/hippolabs/governor-go/pkg/consolidate"
	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/eventstore"
	"github.com/hippolabs/governor-go/pkg/llm"
	anthropicLLM "github.com/hippolabs/governor-go/pkg/llm/anthropic"
	ollamaLLM "github.com/hippolabs/governor-go/pkg/llm/ollama"
	openaiLLM "github.com/hippolabs/governor-go/pkg/llm/openai"
	"github.com/hippolabs/governor-go/pkg/recall"
	"github.com/hippolabs/governor-go/pkg/salience"
	"github.com/hippolabs/governor-go/pkg/spool"
	"github.com/hippolabs/governor-go/pkg/working"
)

// candidateFloor is the minimum confidence a spooled observe candidate
// carries; weakly-scored candidates still deserve a durable write once
// they cross the candidate threshold.
const candidateFloor = 0.7

// recentContextLimit is how many recent working entries feed the
// classifier as discussion context during observe.
const recentContextLimit = 5

// Governor is the main Memory Governor client.
//
// It wires together the raw event log, the working memory buffer, the
// salience classifier, the durable write spool, the consolidation engine,
// and the recall filter. All methods are safe for concurrent use.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	gov, _ := governor.New(config)
//	defer gov.Close()
//	gov.Start(ctx)
//
//	decision, _ := gov.Observe(ctx, &core.Event{
//	    Source: "matrix",
//	    UserID: "alice",
//	    Text:   "remember to rotate the backup key on friday",
//	    Scope:  core.Scope{Kind: core.ScopeUser, ID: "alice"},
//	})
type Governor struct {
	// config contains the governor configuration.
	config *core.Config

	// events is the raw event log used for identity dedup.
	events *eventstore.Store

	// stream is the optional append-only JSONL log of accepted events
	// (nil when disabled).
	stream *eventstore.StreamLog

	// working is the per-scope working memory buffer.
	working *working.Store

	// classifier scores observations for salience.
	classifier *salience.Classifier

	// store is the durable backend adapter.
	store backend.Store

	// spool is the durable write queue.
	spool *spool.Queue

	// engine runs consolidation.
	engine *consolidate.Engine

	// filter answers recall queries.
	filter *recall.Filter

	// llm is the optional LLM provider (nil when not configured).
	llm llm.Provider

	// node generates unique IDs for memory records.
	node *snowflake.Node

	mu     sync.Mutex
	closed bool
}

// New creates a new Governor.
//
// The governor is initialized with:
//   - Raw event log and working buffer under cfg.StateDir
//   - Durable backend (http, sqlite, postgres, or mysql)
//   - Durable write spool (worker not started; call Start)
//   - Optional LLM provider for classification assist and recall rerank
//
// Parameters:
//   - cfg: Configuration containing state directory, backend, and threshold
//     settings
//
// Returns a new Governor instance, or an error if initialization fails.
func New(cfg *core.Config) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, core.NewGovernorError("New", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, core.NewGovernorError("New", err)
	}

	events, err := eventstore.NewStore(&eventstore.Config{
		DBPath: filepath.Join(cfg.StateDir, "events.db"),
		TTL:    cfg.Stream.TTL,
	})
	if err != nil {
		return nil, err
	}

	var stream *eventstore.StreamLog
	if cfg.Stream.Enabled {
		stream, err = eventstore.NewStreamLog(filepath.Join(cfg.StateDir, "stream.jsonl"), cfg.Stream.TTL)
		if err != nil {
			events.Close()
			return nil, err
		}
	}

	workingStore, err := working.NewStore(&working.Config{
		DBPath:      filepath.Join(cfg.StateDir, "working.db"),
		TTL:         cfg.Working.TTL,
		DedupWindow: cfg.Working.DedupWindow,
	})
	if err != nil {
		events.Close()
		return nil, err
	}

	store, err := initBackend(cfg.Backend)
	if err != nil {
		workingStore.Close()
		events.Close()
		return nil, err
	}

	var provider llm.Provider
	if cfg.LLM != nil {
		provider, err = initLLM(cfg.LLM)
		if err != nil {
			store.Close()
			workingStore.Close()
			events.Close()
			return nil, err
		}
	}

	classifier := salience.NewClassifier(provider, cfg.Salience)

	queue, err := spool.NewQueue(&spool.Config{
		Path:       filepath.Join(cfg.StateDir, "spool.jsonl"),
		QueueSize:  cfg.Spool.QueueSize,
		RetryDelay: cfg.Spool.RetryDelay,
	}, store)
	if err != nil {
		if provider != nil {
			provider.Close()
		}
		store.Close()
		workingStore.Close()
		events.Close()
		return nil, err
	}

	var reranker recall.Reranker
	if cfg.Recall.UseLLMRerank && provider != nil {
		reranker = recall.NewLLMReranker(provider)
	}

	return &Governor{
		config:     cfg,
		events:     events,
		stream:     stream,
		working:    workingStore,
		classifier: classifier,
		store:      store,
		spool:      queue,
		engine: consolidate.NewEngine(workingStore, classifier, store, node, &consolidate.Config{
			MinAge: cfg.Working.MinAge,
		}),
		filter: recall.NewFilter(store, cfg.Recall, reranker),
		llm:    provider,
		node:   node,
	}, nil
}

// Start launches the spool worker and replays any jobs left over from a
// previous run. It also prunes expired rows from the raw event log and the
// working buffer.
func (g *Governor) Start(ctx context.Context) {
	_ = g.events.Cleanup(ctx)
	_ = g.working.Cleanup(ctx)
	if g.stream != nil {
		_ = g.stream.Cleanup()
	}
	g.spool.Start(ctx)
}

// Observe ingests a single raw observation.
//
// The method never blocks on backend I/O: durable candidates go through the
// spool and everything else waits for consolidation. The returned Decision
// explains what happened:
//   - reason=duplicate: (source, event_id) or normalized text already seen;
//     accepted=false, no side effects
//   - reason=ignored: salience at or below the discard threshold; buffered,
//     and the consolidation pass discards it
//   - reason=working: buffered, awaiting consolidation
//   - reason=candidate: buffered and spooled for immediate durable write
//   - reason=backpressure: buffered, but the spool was full so the durable
//     write was dropped; consolidation picks the entry up later
//
// Parameters:
//   - ctx: Context for store operations
//   - event: The observation to ingest
//
// Returns the decision, or an error for invalid events.
func (g *Governor) Observe(ctx context.Context, event *core.Event) (*core.Decision, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	inserted, err := g.events.Append(ctx, event)
	if err != nil {
		return nil, core.NewGovernorError("Observe", err)
	}
	if !inserted {
		return &core.Decision{Accepted: false, Reason: core.ReasonDuplicate}, nil
	}

	if g.stream != nil {
		// Stream append is best effort; losing a log line must not
		// reject the observation.
		_ = g.stream.Append(event)
	}

	// Discussion context comes from the entries already buffered, so it is
	// collected before this event joins them.
	discussion := g.recentTexts(ctx, event.Scope)

	added, err := g.working.Add(ctx, event)
	if err != nil {
		return nil, core.NewGovernorError("Observe", err)
	}
	if !added {
		return &core.Decision{Accepted: false, Reason: core.ReasonDuplicate}, nil
	}

	res := g.classifier.Classify(ctx, event.Text, event.Metadata, discussion)

	if g.classifier.ShouldDiscard(res.Confidence) {
		// The entry stays buffered; discard is a consolidation-time
		// terminal state, and until then the text still feeds the dedup
		// window and the discussion context.
		return &core.Decision{
			Accepted: true,
			Reason:   core.ReasonIgnored,
			Salience: res.Confidence,
		}, nil
	}

	decision := &core.Decision{
		Accepted: true,
		Reason:   core.ReasonWorking,
		Salience: res.Confidence,
	}

	if res.Confidence >= g.config.Salience.CandidateThreshold {
		decision.Reason = core.ReasonCandidate
		decision.Kind = res.Kind

		confidence := res.Confidence
		if confidence < candidateFloor {
			confidence = candidateFloor
		}
		record := &core.MemoryRecord{
			ID:         g.node.Generate().Int64(),
			Scope:      event.Scope,
			Kind:       res.Kind,
			Text:       event.Text,
			Confidence: confidence,
			Sticky:     res.Sticky,
			Sensitive:  res.Sensitive,
			CreatedAt:  time.Now(),
			Provenance: []core.EventRef{{Source: event.Source, EventID: event.EventID}},
			Keywords:   core.ExtractKeywords(event.Text, 4),
			Metadata:   event.Metadata,
		}
		if _, err := g.spool.Enqueue(record); err != nil {
			// The entry is already buffered; consolidation will write
			// it once the spool drains.
			decision.Reason = core.ReasonBackpressure
		}
	}

	return decision, nil
}

// Remember stores an explicit memory, bypassing salience.
//
// The text is canonicalized (whitespace collapsed, capped at 500 chars),
// keywords are extracted, and the record is written through the spool with
// confidence 0.95 and the sticky flag set so it never decays.
//
// Parameters:
//   - ctx: Context (unused by the spool path, kept for interface symmetry)
//   - scope: The scope the memory belongs to
//   - userID: The owning user
//   - source: The producer name for provenance
//   - kind: Memory kind; empty defaults to semantic
//   - text: The memory content
//   - metadata: Optional attributes
//
// Returns the record id, or an error when validation fails or the spool
// is full.
func (g *Governor) Remember(ctx context.Context, scope core.Scope, userID, source string, kind core.MemoryKind, text string, metadata map[string]interface{}) (int64, error) {
	if !scope.Valid() {
		return 0, core.NewGovernorError("Remember", core.ErrInvalidScope)
	}
	if text == "" {
		return 0, core.NewGovernorError("Remember", core.ErrInvalidEvent)
	}
	if kind == "" {
		kind = core.KindSemantic
	}
	if !core.ValidKind(kind) {
		return 0, core.NewGovernorError("Remember", core.ErrInvalidEvent)
	}

	canon := core.CanonicalizeText(text)
	record := &core.MemoryRecord{
		ID:         g.node.Generate().Int64(),
		Scope:      scope,
		Kind:       kind,
		Text:       canon,
		Confidence: 0.95,
		Sticky:     true,
		Sensitive:  salience.IsSensitive(canon, metadata),
		CreatedAt:  time.Now(),
		Provenance: []core.EventRef{{Source: source, EventID: "remember-" + g.node.Generate().String()}},
		Keywords:   core.ExtractKeywords(canon, 4),
		Metadata:   metadata,
	}

	if _, err := g.spool.Enqueue(record); err != nil {
		return 0, core.NewGovernorError("Remember", err)
	}
	return record.ID, nil
}

// Consolidate runs one consolidation pass for a scope.
//
// See the consolidate package for the pass semantics. Concurrent calls for
// the same scope fail with core.ErrConsolidationRunning.
func (g *Governor) Consolidate(ctx context.Context, scope core.Scope, mode core.ConsolidateMode) (*core.ConsolidationResult, error) {
	return g.engine.Consolidate(ctx, scope, mode)
}

// Recall returns up to k records for the scope ranked against the query.
//
// The degraded flag is true when the backend read failed and the empty
// result reflects that rather than an empty store.
func (g *Governor) Recall(ctx context.Context, scope core.Scope, query string, k int, filters *core.RecallFilters) ([]*core.MemoryRecord, bool, error) {
	return g.filter.Recall(ctx, scope, query, k, filters)
}

// PendingWrites reports how many durable writes sit in the spool.
func (g *Governor) PendingWrites() int {
	return g.spool.Pending()
}

// Close shuts the governor down: stops the spool worker (flushing its
// backlog to disk), then closes the stores and the LLM provider.
func (g *Governor) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(g.spool.Close())
	record(g.store.Close())
	record(g.working.Close())
	record(g.events.Close())
	if g.llm != nil {
		record(g.llm.Close())
	}
	return firstErr
}

// recentTexts returns up to recentContextLimit recent working entry texts
// for the scope, newest first. Failures degrade to no context.
func (g *Governor) recentTexts(ctx context.Context, scope core.Scope) []string {
	entries, err := g.working.Recent(ctx, scope, recentContextLimit)
	if err != nil {
		return nil
	}
	texts := make([]string, len(entries))
	for i, entry := range entries {
		texts[i] = entry.Text
	}
	return texts
}

// validateEvent checks the fields observe requires.
func validateEvent(event *core.Event) error {
	if event == nil || event.Source == "" || event.Text == "" || event.UserID == "" {
		return core.NewGovernorError("Observe", core.ErrInvalidEvent)
	}
	if !event.Scope.Valid() {
		return core.NewGovernorError("Observe", core.ErrInvalidScope)
	}
	return nil
}

// initLLM initializes the configured LLM provider. The default is the
// OpenAI-compatible client, which also covers gateway deployments and
// OpenAI-API vendors via BaseURL.
func initLLM(cfg *core.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "anthropic":
		return anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		return ollamaLLM.NewClient(&ollamaLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, core.NewGovernorError("initLLM", core.ErrInvalidConfig)
	}
}

// initBackend initializes the durable backend adapter.
func initBackend(cfg core.BackendConfig) (backend.Store, error) {
	switch cfg.Provider {
	case "http":
		return httpBackend.NewClient(&httpBackend.Config{
			BaseURL: configString(cfg.Config, "base_url", "http://127.0.0.1:54321"),
			APIKey:  configString(cfg.Config, "api_key", ""),
			Timeout: time.Duration(configInt(cfg.Config, "timeout_seconds", 10)) * time.Second,
		})
	case "sqlite":
		return sqliteBackend.NewStore(&sqliteBackend.Config{
			DBPath:    configString(cfg.Config, "db_path", ""),
			TableName: configString(cfg.Config, "table_name", "memories"),
		})
	case "postgres":
		return postgresBackend.NewStore(&postgresBackend.Config{
			Host:      configString(cfg.Config, "host", "localhost"),
			Port:      configInt(cfg.Config, "port", 5432),
			User:      configString(cfg.Config, "user", "postgres"),
			Password:  configString(cfg.Config, "password", ""),
			DBName:    configString(cfg.Config, "db_name", "governor"),
			TableName: configString(cfg.Config, "table_name", "memories"),
			SSLMode:   configString(cfg.Config, "ssl_mode", "disable"),
		})
	case "mysql":
		return mysqlBackend.NewStore(&mysqlBackend.Config{
			Host:      configString(cfg.Config, "host", "127.0.0.1"),
			Port:      configInt(cfg.Config, "port", 3306),
			User:      configString(cfg.Config, "user", "root"),
			Password:  configString(cfg.Config, "password", ""),
			DBName:    configString(cfg.Config, "db_name", "governor"),
			TableName: configString(cfg.Config, "table_name", "memories"),
		})
	default:
		return nil, core.NewGovernorError("initBackend", core.ErrInvalidConfig)
	}
}

// configString reads a string from a provider config map.
func configString(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configInt reads an int from a provider config map. JSON-decoded maps
// carry numbers as float64.
func configInt(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
