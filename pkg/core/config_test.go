package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hippolabs/governor-go/pkg/core"
)

func TestDefaultConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Backend.Provider)
	assert.Equal(t, 0.2, cfg.Salience.DiscardThreshold)
	assert.Equal(t, 0.4, cfg.Salience.CandidateThreshold)
	assert.Equal(t, 5, cfg.Recall.DefaultK)
	assert.Equal(t, 1024, cfg.Spool.QueueSize)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Config)
	}{
		{"empty state dir", func(c *core.Config) { c.StateDir = "" }},
		{"unknown backend", func(c *core.Config) { c.Backend.Provider = "redis" }},
		{"discard out of range", func(c *core.Config) { c.Salience.DiscardThreshold = 1.0 }},
		{"candidate below discard", func(c *core.Config) {
			c.Salience.DiscardThreshold = 0.5
			c.Salience.CandidateThreshold = 0.3
		}},
		{"llm classify without llm", func(c *core.Config) {
			c.Salience.UseLLM = true
			c.LLM = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := core.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidConfig))
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("GOVERNOR_HOST", "0.0.0.0")
	t.Setenv("GOVERNOR_PORT", "9000")
	t.Setenv("GOVERNOR_STATE_DIR", t.TempDir())
	t.Setenv("DATABASE_PROVIDER", "sqlite")
	t.Setenv("GOVERNOR_CONSOLIDATE_SCOPES", "user:alice, room:!ops:example.org")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Backend.Provider)
	assert.Equal(t, []string{"user:alice", "room:!ops:example.org"}, cfg.ConsolidateScopes)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvLLMDisabledByDefault(t *testing.T) {
	t.Setenv("GOVERNOR_STATE_DIR", t.TempDir())
	t.Setenv("DATABASE_PROVIDER", "sqlite")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	// The backend provider must not bleed into the LLM section.
	assert.Equal(t, "sqlite", cfg.Backend.Provider)
	assert.Nil(t, cfg.LLM)
}

func TestLoadConfigFromEnvLLMProvider(t *testing.T) {
	t.Setenv("GOVERNOR_STATE_DIR", t.TempDir())
	t.Setenv("DATABASE_PROVIDER", "postgres")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("LLM_MODEL", "llama3.1:8b")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	require.NotNil(t, cfg.LLM)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Empty(t, cfg.LLM.APIKey)
	assert.Equal(t, "postgres", cfg.Backend.Provider)
}

func TestLoadConfigFromEnvSpoolAndRecall(t *testing.T) {
	t.Setenv("GOVERNOR_STATE_DIR", t.TempDir())
	t.Setenv("DATABASE_PROVIDER", "sqlite")
	t.Setenv("GOVERNOR_SPOOL_QUEUE_SIZE", "64")
	t.Setenv("GOVERNOR_SPOOL_RETRY_SECONDS", "5")
	t.Setenv("GOVERNOR_RECALL_DECAY_RATE", "0.25")
	t.Setenv("GOVERNOR_RECALL_DEFAULT_K", "10")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Spool.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Spool.RetryDelay)
	assert.Equal(t, 0.25, cfg.Recall.DecayRate)
	assert.Equal(t, 10, cfg.Recall.DefaultK)
}
