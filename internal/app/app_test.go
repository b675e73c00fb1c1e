package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBDriver:            "sqlite",
		DatabaseURL:         filepath.Join(t.TempDir(), "app.db"),
		InsertBatchSize:     100,
		EmbeddingDimensions: 8,
		ResolveLimit:        5,
	}
}

func TestStore_MigratesOnceAndCloses(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a := New(sqliteConfig(t), logger)
	ctx := context.Background()

	st, err := a.Store(ctx)
	require.NoError(t, err)
	again, err := a.Store(ctx)
	require.NoError(t, err)
	assert.Same(t, st, again)

	engine, err := a.Engine(ctx)
	require.NoError(t, err)
	_, err = engine.EnsureColumn(ctx, "price", 9.99)
	require.NoError(t, err)
	require.NoError(t, engine.Verify(ctx))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestAgent_RequiresLLMKey(t *testing.T) {
	a := New(sqliteConfig(t), nil)

	_, err := a.Agent(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestEmbedder_RequiresAPIKey(t *testing.T) {
	a := New(sqliteConfig(t), nil)

	_, err := a.Embedder(context.Background())
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestSQLDialect(t *testing.T) {
	assert.Equal(t, "SQLite", sqlDialect("sqlite"))
	assert.Equal(t, "PostgreSQL", sqlDialect("postgres"))
}
