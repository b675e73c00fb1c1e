package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChain embeds through langchaingo's OpenAI-compatible client.
type LangChain struct {
	embedder   embeddings.Embedder
	dimensions int
}

// NewLangChain creates the default provider.
func NewLangChain(cfg Config) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithEmbeddingDimensions(cfg.Dimensions),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "create embedding client", err)
	}

	e, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(64))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &LangChain{embedder: e, dimensions: cfg.Dimensions}, nil
}

func (l *LangChain) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := l.embedder.EmbedQuery(ctx, text)
	observe(ProviderLangChain, start, err)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "embed query", err)
	}
	if err := checkDimensions("embed query", [][]float32{vec}, l.dimensions); err != nil {
		return nil, err
	}
	return vec, nil
}

func (l *LangChain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	vecs, err := l.embedder.EmbedDocuments(ctx, texts)
	observe(ProviderLangChain, start, err)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "embed documents", err)
	}
	if len(vecs) != len(texts) {
		return nil, apperr.New(apperr.KindTransientService, "embed documents",
			"got %d vectors for %d texts", len(vecs), len(texts))
	}
	if err := checkDimensions("embed documents", vecs, l.dimensions); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (l *LangChain) Dimensions() int { return l.dimensions }
