package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/sirupsen/logrus"
)

const cacheKeyPrefix = "emb_cache:"

// ErrCacheMiss is returned by a Store that has no entry for a key.
var ErrCacheMiss = errors.New("embedding cache miss")

// Store is the key-value backend of the cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// RedisStore keeps cached vectors as little-endian float32 blobs.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a Store; ttl <= 0 keeps entries forever.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// Cached decorates an Embedder with a read-through cache. Cache errors are
// logged and never fail the call.
type Cached struct {
	inner  Embedder
	store  Store
	model  string
	logger *logrus.Logger
}

// NewCached wraps inner. model is part of the cache key so switching models
// never returns stale vectors.
func NewCached(inner Embedder, store Store, model string, logger *logrus.Logger) *Cached {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cached{inner: inner, store: store, model: model, logger: logger}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.get(ctx, key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	c.put(ctx, key, vec)
	return vec, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		if vec, ok := c.get(ctx, c.cacheKey(text)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.put(ctx, c.cacheKey(texts[i]), vecs[j])
	}
	return out, nil
}

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

func (c *Cached) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}

func (c *Cached) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WithError(err).WithField("key", key).Warn("failed to read cached embedding")
		}
		metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	vec, err := bytesToVector(data)
	if err != nil || len(vec) != c.inner.Dimensions() {
		c.logger.WithField("key", key).Warn("discarding malformed cached embedding")
		metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
	return vec, true
}

func (c *Cached) put(ctx context.Context, key string, vec []float32) {
	if err := c.store.Set(ctx, key, vectorToBytes(vec)); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to cache embedding")
	}
}

// vectorToBytes encodes v as little-endian float32, the layout RediSearch
// expects for FLOAT32 vector fields.
func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob: len=%d", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
