// Package embedding turns field descriptions and user queries into vectors.
package embedding

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Providers accepted by New.
const (
	ProviderLangChain = "langchain"
	ProviderOpenAI    = "openai"
)

// Embedder produces fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config selects and configures a provider.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration

	// Redis enables the embedding cache when non-nil.
	Redis    redis.Cmdable
	CacheTTL time.Duration
}

// New builds the configured provider, wrapped in the Redis cache when one
// is given.
func New(cfg Config, logger *logrus.Logger) (Embedder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.APIKey == "" {
		return nil, apperr.Configuration("new embedder", "embedding API key is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, apperr.Configuration("new embedder", "embedding dimensions must be positive")
	}

	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case ProviderLangChain, "":
		inner, err = NewLangChain(cfg)
	case ProviderOpenAI:
		inner = NewOpenAI(cfg)
	default:
		return nil, apperr.Configuration("new embedder", "unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"provider":   cfg.Provider,
		"model":      cfg.Model,
		"dimensions": cfg.Dimensions,
		"cache":      cfg.Redis != nil,
	}).Info("initialized embedder")

	if cfg.Redis == nil {
		return inner, nil
	}
	return NewCached(inner, NewRedisStore(cfg.Redis, cfg.CacheTTL), cfg.Model, logger), nil
}

// observe records request metrics for one provider call.
func observe(provider string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(provider, status).Inc()
	if err == nil {
		metrics.EmbeddingRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

func checkDimensions(op string, vecs [][]float32, want int) error {
	for i, v := range vecs {
		if len(v) != want {
			return apperr.New(apperr.KindTransientService, op,
				"vector %d has %d dimensions, expected %d", i, len(v), want)
		}
	}
	return nil
}
