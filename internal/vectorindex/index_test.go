package vectorindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("page_location", "schema")
	b := PointID("page_location", "schema")
	assert.Equal(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())
}

func TestPointID_SourceMatters(t *testing.T) {
	assert.NotEqual(t, PointID("page_location", "schema"), PointID("page_location", "virtual"))
	assert.Equal(t, PointID("price", ""), PointID("price", DefaultSource))
}

func TestNew_Validation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := New(client, Config{Dimensions: 4}, nil)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	_, err = New(client, Config{Name: "ix"}, nil)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	ix, err := New(client, Config{Name: "ix", Dimensions: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ix:", ix.cfg.KeyPrefix)
	assert.Equal(t, 64, ix.cfg.EFRuntime)
}

func TestHitFromFields_ConvertsDistance(t *testing.T) {
	h := hitFromFields("id1", map[string]string{
		"name":  "page_location",
		"type":  "STRING",
		"score": "0.25",
	})
	assert.Equal(t, "page_location", h.Name)
	assert.InDelta(t, 0.75, h.Score, 1e-9)
}

func setupTestIndex(t *testing.T, dims int) (*Index, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		DB:       0, // RediSearch indexes only live in DB 0
		Protocol: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FT_List(ctx).Err(); err != nil {
		t.Skipf("RediSearch not available: %v", err)
	}

	logger, _ := test.NewNullLogger()
	ix, err := New(client, Config{Name: "test_ga4_fields_" + uuid.NewString()[:8], Dimensions: dims}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ix.Drop(context.Background())
		_ = client.Close()
	})
	return ix, client
}

func TestIndex_UpsertAndSearch(t *testing.T) {
	ix, _ := setupTestIndex(t, 3)
	ctx := context.Background()

	err := ix.Ping(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "missing index is reported as not found")

	require.NoError(t, ix.EnsureIndex(ctx))
	require.NoError(t, ix.EnsureIndex(ctx))
	require.NoError(t, ix.Ping(ctx))

	entries := []models.SchemaVectorEntry{
		{Name: "page_location", Type: "STRING", Description: "URL of the page", Vector: []float32{1, 0, 0}},
		{Name: "price", Type: "FLOAT", Description: "item price", Vector: []float32{0, 1, 0}, Source: "virtual"},
		{Name: "ga_session_id", Type: "BIGINT", Description: "session id", Vector: []float32{0, 0, 1}},
	}
	require.NoError(t, ix.Upsert(ctx, entries))
	// same (name, source) overwrites
	entries[0].Description = "full URL of the page"
	require.NoError(t, ix.Upsert(ctx, entries[:1]))

	var hits []Hit
	require.Eventually(t, func() bool {
		var err error
		hits, err = ix.Search(ctx, []float32{0.9, 0.1, 0}, 2)
		return err == nil && len(hits) == 2
	}, 5*time.Second, 100*time.Millisecond)

	assert.Equal(t, "page_location", hits[0].Name)
	assert.Equal(t, "full URL of the page", hits[0].Description)
	assert.Equal(t, PointID("page_location", DefaultSource), hits[0].ID)
	assert.Equal(t, "price", hits[1].Name)
	assert.Equal(t, "virtual", hits[1].Source)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	got, err := ix.Get(ctx, PointID("price", "virtual"))
	require.NoError(t, err)
	assert.Equal(t, "FLOAT", got.Type)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	ix, err := New(client, Config{Name: "ix", Dimensions: 3}, nil)
	require.NoError(t, err)

	err = ix.Upsert(context.Background(), []models.SchemaVectorEntry{{Name: "a", Vector: []float32{1}}})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = ix.Search(context.Background(), []float32{1, 2}, 3)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
