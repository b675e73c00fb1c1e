// Package app builds the long-lived components from a Config. Components are
// created on first use so each command only connects to what it needs.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/ai"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/config"
	"github.com/ryugou/analytics-chat-agent/internal/embedding"
	"github.com/ryugou/analytics-chat-agent/internal/importer"
	"github.com/ryugou/analytics-chat-agent/internal/normalize"
	"github.com/ryugou/analytics-chat-agent/internal/relstore"
	"github.com/ryugou/analytics-chat-agent/internal/resolver"
	"github.com/ryugou/analytics-chat-agent/internal/runs"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
	"github.com/ryugou/analytics-chat-agent/internal/schemaimport"
	"github.com/ryugou/analytics-chat-agent/internal/vectorindex"
	"github.com/ryugou/analytics-chat-agent/internal/warehouse"
	"github.com/sirupsen/logrus"
)

// App owns the shared clients. It is not safe for concurrent construction;
// build what you need before serving.
type App struct {
	Cfg    *config.Config
	Logger *logrus.Logger

	redis     *redis.Client
	store     *relstore.Store
	warehouse *warehouse.ClickHouseSource
	embedder  embedding.Embedder
	index     *vectorindex.Index
	resolver  *resolver.Resolver
	schemaImp *schemaimport.Importer
	runs      *runs.Store
	importer  *importer.Importer

	closers []func() error
}

// New creates an App. Nothing is connected yet.
func New(cfg *config.Config, logger *logrus.Logger) *App {
	if logger == nil {
		logger = logrus.New()
	}
	return &App{Cfg: cfg, Logger: logger}
}

// Redis returns the shared client. RESP2 is required by the vector index.
func (a *App) Redis(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Cfg.RedisAddr,
		Password: a.Cfg.RedisPassword,
		DB:       a.Cfg.RedisDB,
		Protocol: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(apperr.KindTransientService, "connect redis", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// Store returns the relational store with its tables migrated.
func (a *App) Store(ctx context.Context) (*relstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := relstore.Open(ctx, relstore.Config{
		Driver:    a.Cfg.DBDriver,
		DSN:       a.Cfg.DatabaseURL,
		BatchSize: a.Cfg.InsertBatchSize,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return st, nil
}

// Engine returns a schema engine over the relational store.
func (a *App) Engine(ctx context.Context) (*schema.Engine, error) {
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	return schema.NewEngine(st, a.Logger), nil
}

// Warehouse returns the ClickHouse row source.
func (a *App) Warehouse(ctx context.Context) (*warehouse.ClickHouseSource, error) {
	if a.warehouse != nil {
		return a.warehouse, nil
	}
	src, err := warehouse.NewClickHouseSource(ctx, warehouse.Config{
		Addr:        a.Cfg.ClickHouseAddr,
		Database:    a.Cfg.ClickHouseDatabase,
		Username:    a.Cfg.ClickHouseUsername,
		Password:    a.Cfg.ClickHousePassword,
		TablePrefix: a.Cfg.SourceTablePrefix,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.warehouse = src
	a.closers = append(a.closers, src.Close)
	return src, nil
}

// Embedder returns the configured embedder, cached in Redis.
func (a *App) Embedder(ctx context.Context) (embedding.Embedder, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	if err := a.Cfg.ValidateEmbedding(); err != nil {
		return nil, err
	}
	rc, err := a.Redis(ctx)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.New(embedding.Config{
		Provider:   a.Cfg.EmbeddingProvider,
		APIKey:     a.Cfg.EmbeddingAPIKey,
		BaseURL:    a.Cfg.EmbeddingBaseURL,
		Model:      a.Cfg.EmbeddingModel,
		Dimensions: a.Cfg.EmbeddingDimensions,
		Timeout:    a.Cfg.HTTPTimeout,
		Redis:      rc,
		CacheTTL:   a.Cfg.EmbeddingCacheTTL,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.embedder = emb
	return emb, nil
}

// Index returns the vector index handle.
func (a *App) Index(ctx context.Context) (*vectorindex.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	rc, err := a.Redis(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := vectorindex.New(rc, vectorindex.Config{
		Name:       a.Cfg.VectorIndexName,
		KeyPrefix:  a.Cfg.VectorKeyPrefix,
		Dimensions: a.Cfg.EmbeddingDimensions,
		EFRuntime:  a.Cfg.VectorEFRuntime,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.index = ix
	return ix, nil
}

// SchemaImporter returns the CSV and virtual key indexer.
func (a *App) SchemaImporter(ctx context.Context) (*schemaimport.Importer, error) {
	if a.schemaImp != nil {
		return a.schemaImp, nil
	}
	ix, err := a.Index(ctx)
	if err != nil {
		return nil, err
	}
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, err
	}
	a.schemaImp = schemaimport.New(ix, emb, schemaimport.Options{Region: a.Cfg.AWSRegion}, a.Logger)
	return a.schemaImp, nil
}

// Resolver returns the field resolver. It fails when the index is missing.
func (a *App) Resolver(ctx context.Context) (*resolver.Resolver, error) {
	if a.resolver != nil {
		return a.resolver, nil
	}
	ix, err := a.Index(ctx)
	if err != nil {
		return nil, err
	}
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, err
	}
	r, err := resolver.New(ctx, emb, ix, a.Cfg.ResolveLimit, a.Logger)
	if err != nil {
		return nil, err
	}
	a.resolver = r
	return r, nil
}

// Runs returns the import run history.
func (a *App) Runs(ctx context.Context) (*runs.Store, error) {
	if a.runs != nil {
		return a.runs, nil
	}
	rc, err := a.Redis(ctx)
	if err != nil {
		return nil, err
	}
	st, err := runs.NewStore(rc)
	if err != nil {
		return nil, err
	}
	a.runs = st
	return st, nil
}

// Importer returns the event importer. The index refresh and run history are
// attached when their dependencies are reachable, and skipped with a warning
// otherwise.
func (a *App) Importer(ctx context.Context) (*importer.Importer, error) {
	if a.importer != nil {
		return a.importer, nil
	}
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	src, err := a.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	engine := schema.NewEngine(st, a.Logger)

	var opts importer.Options
	if si, err := a.SchemaImporter(ctx); err != nil {
		a.Logger.WithError(err).Warn("vector index refresh disabled")
	} else {
		opts.Refresher = si
	}
	if rs, err := a.Runs(ctx); err != nil {
		a.Logger.WithError(err).Warn("import run history disabled")
	} else {
		opts.Runs = rs
	}

	a.importer = importer.New(st, src, normalize.New(engine, a.Logger), opts, a.Logger)
	return a.importer, nil
}

// Agent builds an analysis agent. An empty model uses the configured one.
func (a *App) Agent(ctx context.Context, model string) (*ai.Agent, error) {
	if err := a.Cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	if model == "" {
		model = a.Cfg.LLMModel
	}
	llm, err := ai.NewLLM(ai.LLMConfig{
		APIKey:  a.Cfg.OpenRouterAPIKey,
		BaseURL: a.Cfg.LLMBaseURL,
		Model:   model,
	})
	if err != nil {
		return nil, err
	}
	r, err := a.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	return ai.NewAgent(llm, ai.AgentConfig{
		Resolver:   r,
		Catalog:    st,
		DB:         st.DB(),
		Dialect:    sqlDialect(a.Cfg.DBDriver),
		FieldLimit: a.Cfg.ResolveLimit,
		Logger:     a.Logger,
	})
}

func sqlDialect(driver string) string {
	if driver == "sqlite" {
		return "SQLite"
	}
	return "PostgreSQL"
}

// Close releases every client in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
