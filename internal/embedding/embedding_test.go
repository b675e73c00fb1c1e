package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// newEmbeddingServer answers /embeddings with vectors whose first component
// is the input's position.
func newEmbeddingServer(t *testing.T, dims int, calls *int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		*calls++
		mu.Unlock()

		data := make([]embeddingData, 0, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			data = append(data, embeddingData{Object: "embedding", Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL, provider string) Config {
	return Config{
		Provider:   provider,
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Model:      "text-embedding-3-small",
		Dimensions: 4,
	}
}

func TestOpenAI_EmbedBatch(t *testing.T) {
	calls := 0
	srv := newEmbeddingServer(t, 4, &calls)
	e := NewOpenAI(testConfig(srv.URL, ProviderOpenAI))

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, 1, calls)
	assert.Equal(t, 4, e.Dimensions())
}

func TestOpenAI_DimensionMismatch(t *testing.T) {
	calls := 0
	srv := newEmbeddingServer(t, 3, &calls)
	e := NewOpenAI(testConfig(srv.URL, ProviderOpenAI))

	_, err := e.Embed(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientService))
}

func TestOpenAI_APIErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	e := NewOpenAI(testConfig(srv.URL, ProviderOpenAI))
	_, err := e.Embed(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientService))
	assert.Contains(t, err.Error(), "429")
}

func TestLangChain_Embed(t *testing.T) {
	calls := 0
	srv := newEmbeddingServer(t, 4, &calls)
	e, err := NewLangChain(testConfig(srv.URL, ProviderLangChain))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "page views by country")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Provider: ProviderOpenAI, Dimensions: 4}, nil)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	_, err = New(Config{Provider: "cohere", APIKey: "k", Dimensions: 4}, nil)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	e, err := New(Config{Provider: ProviderOpenAI, APIKey: "k", Dimensions: 4}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, e)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

type countingEmbedder struct {
	dims  int
	texts []string
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.texts = append(c.texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, c.dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func (c *countingEmbedder) Dimensions() int { return c.dims }

func TestCached_HitSkipsInner(t *testing.T) {
	logger, _ := test.NewNullLogger()
	inner := &countingEmbedder{dims: 4}
	c := NewCached(inner, newMemStore(), "m", logger)

	first, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"hello"}, inner.texts)
}

func TestCached_BatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	c := NewCached(inner, newMemStore(), "m", nil)

	_, err := c.Embed(context.Background(), "b")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"aa", "b", "cccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][0])
	assert.Equal(t, float32(4), vecs[2][0])
	assert.Equal(t, []string{"b", "aa", "cccc"}, inner.texts)
}

func TestCached_StoreErrorsDoNotFail(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := newMemStore()
	store.err = errors.New("redis down")
	c := NewCached(&countingEmbedder{dims: 4}, store, "m", logger)

	vec, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.NotEmpty(t, hook.AllEntries())
}

func TestCached_ModelIsPartOfKey(t *testing.T) {
	store := newMemStore()
	a := NewCached(&countingEmbedder{dims: 4}, store, "model-a", nil)
	b := NewCached(&countingEmbedder{dims: 4}, store, "model-b", nil)
	assert.NotEqual(t, a.cacheKey("x"), b.cacheKey("x"))
}

func TestVectorBytesRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 3e-7, 42}
	got, err := bytesToVector(vectorToBytes(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = bytesToVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
