package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI calls an OpenAI-compatible embeddings endpoint directly.
type OpenAI struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAI creates the go-openai provider.
func NewOpenAI(cfg Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
	}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          o.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		Dimensions:     o.dimensions,
	}

	start := time.Now()
	resp, err := o.client.CreateEmbeddings(ctx, req)
	observe(ProviderOpenAI, start, err)
	if err != nil {
		return nil, parseAPIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.New(apperr.KindTransientService, "create embeddings",
			"got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	if err := checkDimensions("create embeddings", out, o.dimensions); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OpenAI) Dimensions() int { return o.dimensions }

// parseAPIError extracts a readable message from the API response.
func parseAPIError(err error) error {
	const op = "create embeddings"

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = string(reqErr.Body)
		}
		return apperr.Wrap(apperr.KindTransientService, op,
			fmt.Errorf("embedding API error %d: %s", reqErr.HTTPStatusCode, detail))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Wrap(apperr.KindTransientService, op,
			fmt.Errorf("embedding API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message))
	}

	return apperr.Wrap(apperr.KindTransientService, op, err)
}

// extractDetail reads the "detail" field some OpenAI-compatible servers use.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
