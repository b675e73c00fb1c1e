package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "ga4_fields", cfg.VectorIndexName)
	assert.Equal(t, 5, cfg.ResolveLimit)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
db_driver: sqlite
database_url: file:${TEST_DB_NAME}.db
resolve_limit: 8
http_timeout: 5s
llm_model: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TEST_DB_NAME", "analytics")
	t.Setenv("LLM_MODEL", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "file:analytics.db", cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.ResolveLimit)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "from-env", cfg.LLMModel)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"empty dsn", func(c *Config) { c.DatabaseURL = "" }},
		{"bad batch size", func(c *Config) { c.InsertBatchSize = 0 }},
		{"unknown embedder", func(c *Config) { c.EmbeddingProvider = "ollama" }},
		{"zero dimensions", func(c *Config) { c.EmbeddingDimensions = 0 }},
		{"zero limit", func(c *Config) { c.ResolveLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrConfiguration))
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := defaults()
	assert.True(t, errors.Is(cfg.ValidateLLM(), apperr.ErrConfiguration))
	assert.True(t, errors.Is(cfg.ValidateEmbedding(), apperr.ErrConfiguration))

	cfg.OpenRouterAPIKey = "k"
	cfg.EmbeddingAPIKey = "k"
	assert.NoError(t, cfg.ValidateLLM())
	assert.NoError(t, cfg.ValidateEmbedding())
}
