// Package core provides the Memory Governor client and its domain types.
package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a Governor.
//
// It includes settings for:
//   - HTTP server binding
//   - State directory (working buffer, raw event log, spool)
//   - Durable backend (http, sqlite, postgres, mysql)
//   - Salience thresholds
//   - Recall ranking and decay
//   - Optional LLM-assisted classification and rerank
//
// Example:
//
//	config := &core.Config{
//	    StateDir: "./var/governor",
//	    Backend: core.BackendConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./var/governor/memories.db",
//	        },
//	    },
//	}
type Config struct {
	// Host is the HTTP bind host.
	Host string `json:"host"`

	// Port is the HTTP bind port.
	Port int `json:"port"`

	// StateDir holds the working buffer database, the raw event log, and
	// the durable write spool. Created on startup if missing.
	StateDir string `json:"state_dir"`

	// Backend contains durable backend configuration.
	Backend BackendConfig `json:"backend"`

	// Salience contains classifier thresholds.
	Salience SalienceConfig `json:"salience"`

	// Working contains working memory buffer settings.
	Working WorkingConfig `json:"working"`

	// Spool contains durable write spool settings.
	Spool SpoolConfig `json:"spool"`

	// Recall contains recall ranking settings.
	Recall RecallConfig `json:"recall"`

	// Stream contains raw stream log settings.
	Stream StreamConfig `json:"stream"`

	// LLM contains optional LLM provider configuration for
	// classification assist and recall rerank. Nil disables both.
	LLM *LLMConfig `json:"llm,omitempty"`

	// ConsolidateScopes lists scope keys ("kind:id") consolidated on a
	// timer. Empty disables timer-driven consolidation.
	ConsolidateScopes []string `json:"consolidate_scopes,omitempty"`

	// ConsolidateInterval is the timer period for scopes listed in
	// ConsolidateScopes.
	ConsolidateInterval time.Duration `json:"consolidate_interval,omitempty"`
}

// BackendConfig contains configuration for the durable backend adapter.
//
// Supported providers: http, sqlite, postgres, mysql
//
// Example:
//
//	backend := core.BackendConfig{
//	    Provider: "http",
//	    Config: map[string]interface{}{
//	        "base_url": "http://127.0.0.1:54321",
//	        "api_key":  "...",
//	    },
//	}
type BackendConfig struct {
	// Provider is the backend provider name (http, sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For http: base_url, api_key, timeout_seconds
	// For sqlite: db_path, table_name
	// For postgres: host, port, user, password, db_name, table_name, ssl_mode
	// For mysql: host, port, user, password, db_name, table_name
	Config map[string]interface{} `json:"config"`
}

// SalienceConfig contains classifier thresholds.
//
// The documented defaults come straight from the governor's decision policy:
// scores at or below DiscardThreshold are dropped (exclusive lower bound),
// scores at or above CandidateThreshold are spooled for durable write
// immediately, everything in between stays in working memory until
// consolidation.
type SalienceConfig struct {
	// DiscardThreshold is the exclusive lower bound for keeping an entry.
	// Default: 0.2
	DiscardThreshold float64 `json:"discard_threshold"`

	// CandidateThreshold promotes an observation to an immediate durable
	// candidate. Default: 0.4
	CandidateThreshold float64 `json:"candidate_threshold"`

	// UseLLM enables LLM-backed classification with rule fallback.
	UseLLM bool `json:"use_llm,omitempty"`
}

// WorkingConfig contains working memory buffer settings.
type WorkingConfig struct {
	// TTL is how long unconsolidated entries survive. Default: 24h.
	TTL time.Duration `json:"ttl"`

	// DedupWindow is how far back normalized-text dedup looks. Default: 24h.
	DedupWindow time.Duration `json:"dedup_window"`

	// MinAge is the minimum entry age before consolidation drains it,
	// so in-progress conversations finish aggregating. Default: 2m.
	MinAge time.Duration `json:"min_age"`
}

// SpoolConfig contains durable write spool settings.
type SpoolConfig struct {
	// QueueSize bounds the in-flight job channel. Enqueue on a full
	// channel fails with ErrSpoolFull. Default: 1024.
	QueueSize int `json:"queue_size"`

	// RetryDelay is the pause before a failed job is requeued. Default: 2s.
	RetryDelay time.Duration `json:"retry_delay"`
}

// RecallConfig contains recall ranking settings.
type RecallConfig struct {
	// DecayRate is the confidence decay rate per day (forgetting curve).
	// Default: 0.1.
	DecayRate float64 `json:"decay_rate"`

	// DefaultK is the result count when the caller does not specify one.
	// Default: 5.
	DefaultK int `json:"default_k"`

	// UseLLMRerank enables LLM reranking of the top candidates. Rerank
	// failures silently degrade to lexical ranking.
	UseLLMRerank bool `json:"use_llm_rerank,omitempty"`
}

// StreamConfig contains raw stream log settings.
type StreamConfig struct {
	// Enabled turns on the append-only JSONL stream of accepted events.
	Enabled bool `json:"enabled"`

	// TTL is how long stream records survive cleanup. Default: 336h (14d).
	TTL time.Duration `json:"ttl"`
}

// LLMConfig contains configuration for the LLM provider.
//
// The default provider talks to any OpenAI-compatible endpoint (including a
// local LiteLLM gateway); "anthropic" and "ollama" select native clients.
type LLMConfig struct {
	// Provider selects the client: "openai" (default), "anthropic", "ollama".
	Provider string `json:"provider,omitempty"`

	// APIKey is the API key for the provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use.
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, provider default if empty).
	BaseURL string `json:"base_url,omitempty"`
}

// DefaultConfig returns a configuration with the documented defaults
// applied and a local sqlite backend under StateDir.
func DefaultConfig() *Config {
	stateDir := "./var/governor"
	return &Config{
		Host:     "127.0.0.1",
		Port:     54323,
		StateDir: stateDir,
		Backend: BackendConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path":    filepath.Join(stateDir, "memories.db"),
				"table_name": "memories",
			},
		},
		Salience: SalienceConfig{
			DiscardThreshold:   0.2,
			CandidateThreshold: 0.4,
		},
		Working: WorkingConfig{
			TTL:         24 * time.Hour,
			DedupWindow: 24 * time.Hour,
			MinAge:      2 * time.Minute,
		},
		Spool: SpoolConfig{
			QueueSize:  1024,
			RetryDelay: 2 * time.Second,
		},
		Recall: RecallConfig{
			DecayRate: 0.1,
			DefaultK:  5,
		},
		Stream: StreamConfig{
			TTL: 14 * 24 * time.Hour,
		},
		ConsolidateInterval: 15 * time.Minute,
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for a .env file (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables over the documented defaults
//
// Supported environment variables:
//   - GOVERNOR_HOST, GOVERNOR_PORT, GOVERNOR_STATE_DIR
//   - DATABASE_PROVIDER (http, sqlite, postgres, mysql)
//   - HIPPOCAMPUS_URL, HIPPOCAMPUS_API_KEY (http backend)
//   - SQLITE_PATH, SQLITE_TABLE
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, etc.
//   - GOVERNOR_WORKING_TTL_HOURS, GOVERNOR_MIN_AGE_SECONDS
//   - GOVERNOR_SPOOL_QUEUE_SIZE, GOVERNOR_SPOOL_RETRY_SECONDS
//   - GOVERNOR_RECALL_DECAY_RATE, GOVERNOR_RECALL_DEFAULT_K
//   - GOVERNOR_STREAM_ENABLE, GOVERNOR_STREAM_TTL_DAYS
//   - GOVERNOR_CONSOLIDATE_SCOPES (csv of "kind:id"), GOVERNOR_CONSOLIDATE_MINUTES
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL, GOVERNOR_LLM_CLASSIFY, GOVERNOR_LLM_RERANK
//
// Returns a Config instance.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	cfg.Host = getEnvOrDefault("GOVERNOR_HOST", cfg.Host)
	cfg.Port = getEnvInt("GOVERNOR_PORT", cfg.Port)
	cfg.StateDir = getEnvOrDefault("GOVERNOR_STATE_DIR", cfg.StateDir)

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	backendConfig := make(map[string]interface{})

	switch provider {
	case "http":
		backendConfig = map[string]interface{}{
			"base_url":        getEnvOrDefault("HIPPOCAMPUS_URL", "http://127.0.0.1:54321"),
			"api_key":         os.Getenv("HIPPOCAMPUS_API_KEY"),
			"timeout_seconds": getEnvInt("HIPPOCAMPUS_TIMEOUT_SECONDS", 10),
		}
	case "sqlite":
		backendConfig = map[string]interface{}{
			"db_path":    getEnvOrDefault("SQLITE_PATH", filepath.Join(cfg.StateDir, "memories.db")),
			"table_name": getEnvOrDefault("SQLITE_TABLE", "memories"),
		}
	case "postgres":
		backendConfig = map[string]interface{}{
			"host":       getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":       getEnvInt("POSTGRES_PORT", 5432),
			"user":       getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":   os.Getenv("POSTGRES_PASSWORD"),
			"db_name":    getEnvOrDefault("POSTGRES_DATABASE", "governor"),
			"table_name": getEnvOrDefault("POSTGRES_TABLE", "memories"),
			"ssl_mode":   getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "mysql":
		backendConfig = map[string]interface{}{
			"host":       getEnvOrDefault("MYSQL_HOST", "127.0.0.1"),
			"port":       getEnvInt("MYSQL_PORT", 3306),
			"user":       getEnvOrDefault("MYSQL_USER", "root"),
			"password":   os.Getenv("MYSQL_PASSWORD"),
			"db_name":    getEnvOrDefault("MYSQL_DATABASE", "governor"),
			"table_name": getEnvOrDefault("MYSQL_TABLE", "memories"),
		}
	}
	cfg.Backend = BackendConfig{Provider: provider, Config: backendConfig}

	cfg.Working.TTL = time.Duration(getEnvInt("GOVERNOR_WORKING_TTL_HOURS", 24)) * time.Hour
	cfg.Working.DedupWindow = time.Duration(getEnvInt("GOVERNOR_DEDUP_WINDOW_HOURS", 24)) * time.Hour
	cfg.Working.MinAge = time.Duration(getEnvInt("GOVERNOR_MIN_AGE_SECONDS", 120)) * time.Second

	cfg.Stream.Enabled = getEnvBool("GOVERNOR_STREAM_ENABLE", false)
	cfg.Stream.TTL = time.Duration(getEnvInt("GOVERNOR_STREAM_TTL_DAYS", 14)) * 24 * time.Hour

	cfg.Spool.QueueSize = getEnvInt("GOVERNOR_SPOOL_QUEUE_SIZE", cfg.Spool.QueueSize)
	cfg.Spool.RetryDelay = time.Duration(getEnvInt("GOVERNOR_SPOOL_RETRY_SECONDS", 2)) * time.Second

	cfg.Recall.DecayRate = getEnvFloat("GOVERNOR_RECALL_DECAY_RATE", cfg.Recall.DecayRate)
	cfg.Recall.DefaultK = getEnvInt("GOVERNOR_RECALL_DEFAULT_K", cfg.Recall.DefaultK)

	cfg.ConsolidateScopes = splitCSV(os.Getenv("GOVERNOR_CONSOLIDATE_SCOPES"))
	cfg.ConsolidateInterval = time.Duration(getEnvInt("GOVERNOR_CONSOLIDATE_MINUTES", 15)) * time.Minute

	apiKey := os.Getenv("LLM_API_KEY")
	llmProvider := os.Getenv("LLM_PROVIDER")
	// Ollama needs no key, so a bare LLM_PROVIDER is enough to enable it.
	if apiKey != "" || llmProvider != "" {
		cfg.LLM = &LLMConfig{
			Provider: llmProvider,
			APIKey:   apiKey,
			Model:    getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		}
		cfg.Salience.UseLLM = getEnvBool("GOVERNOR_LLM_CLASSIFY", false)
		cfg.Recall.UseLLMRerank = getEnvBool("GOVERNOR_LLM_RERANK", false)
	}

	return cfg, nil
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewGovernorError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewGovernorError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that required fields are set and thresholds are sane:
//   - StateDir must be non-empty
//   - Backend provider must be one of http, sqlite, postgres, mysql
//   - DiscardThreshold must be within [0,1) and below CandidateThreshold
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return NewGovernorError("Validate", ErrInvalidConfig)
	}
	switch c.Backend.Provider {
	case "http", "sqlite", "postgres", "mysql":
	default:
		return NewGovernorError("Validate", ErrInvalidConfig)
	}
	if c.Salience.DiscardThreshold < 0 || c.Salience.DiscardThreshold >= 1 {
		return NewGovernorError("Validate", ErrInvalidConfig)
	}
	if c.Salience.CandidateThreshold <= c.Salience.DiscardThreshold {
		return NewGovernorError("Validate", ErrInvalidConfig)
	}
	if c.Salience.UseLLM && c.LLM == nil {
		return NewGovernorError("Validate", ErrInvalidConfig)
	}
	return nil
}

// FindEnvFile searches for a .env file starting from the current directory
// and walking up to 5 parent directories.
//
// Returns the path of the first .env file found and true, or "" and false
// when none exists.
func FindEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// getEnvOrDefault returns the environment variable's value, or def when unset.
func getEnvOrDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt returns the environment variable parsed as an int, or def when
// unset or unparsable.
func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

// getEnvFloat returns the environment variable parsed as a float64, or def
// when unset or unparsable.
func getEnvFloat(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

// getEnvBool returns the environment variable parsed as a bool.
// Accepts 1/true/yes/on (case-insensitive).
func getEnvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
