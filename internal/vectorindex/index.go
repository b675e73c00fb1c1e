// Package vectorindex stores field descriptions as Redis hashes indexed by a
// RediSearch HNSW vector field and answers cosine KNN queries over them.
//
// Search results are parsed from RESP2 replies, so the client must be
// created with Protocol: 2.
package vectorindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultSource tags entries imported from the schema CSV.
const DefaultSource = "schema"

// Hash fields.
const (
	fieldVector      = "vector"
	fieldName        = "name"
	fieldType        = "type"
	fieldDescription = "description"
	fieldParent      = "parent_field"
	fieldSource      = "source"
	fieldFullText    = "full_text"
	fieldScore       = "score"
)

// pointNamespace scopes point ids to this index.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("analytics-chat-agent/ga4_fields"))

// PointID derives a stable id from name and source, so re-importing the
// same field overwrites its point instead of adding a new one.
func PointID(name, source string) string {
	if source == "" {
		source = DefaultSource
	}
	return uuid.NewSHA1(pointNamespace, []byte(name+"|"+source)).String()
}

// Config describes the index.
type Config struct {
	Name       string
	KeyPrefix  string
	Dimensions int
	EFRuntime  int
}

// Hit is one search result. Score is the cosine similarity.
type Hit struct {
	ID          string
	Name        string
	Type        string
	Description string
	ParentField string
	Source      string
	Score       float64
}

// Index is a RediSearch vector index.
type Index struct {
	client redis.Cmdable
	cfg    Config
	logger *logrus.Logger
}

// New creates an Index handle. It does not touch Redis.
func New(client redis.Cmdable, cfg Config, logger *logrus.Logger) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if cfg.Name == "" {
		return nil, apperr.Configuration("new vector index", "index name is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, apperr.Configuration("new vector index", "dimensions must be positive")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = cfg.Name + ":"
	}
	if cfg.EFRuntime <= 0 {
		cfg.EFRuntime = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Index{client: client, cfg: cfg, logger: logger}, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.cfg.Name }

// Dimensions returns the vector dimension the index was configured with.
func (ix *Index) Dimensions() int { return ix.cfg.Dimensions }

// Exists reports whether the index has been created.
func (ix *Index) Exists(ctx context.Context) (bool, error) {
	names, err := ix.client.FT_List(ctx).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransientService, "list indexes", err)
	}
	for _, n := range names {
		if n == ix.cfg.Name {
			return true, nil
		}
	}
	return false, nil
}

// Ping checks that Redis answers and the index exists.
func (ix *Index) Ping(ctx context.Context) error {
	if err := ix.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientService, "ping vector index", err)
	}
	ok, err := ix.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("ping vector index", "index %q does not exist", ix.cfg.Name)
	}
	return nil
}

// EnsureIndex creates the index when it is missing.
func (ix *Index) EnsureIndex(ctx context.Context) error {
	ok, err := ix.Exists(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	err = ix.client.FTCreate(ctx, ix.cfg.Name,
		&redis.FTCreateOptions{OnHash: true, Prefix: []interface{}{ix.cfg.KeyPrefix}},
		&redis.FieldSchema{
			FieldName: fieldVector,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{HNSWOptions: &redis.FTHNSWOptions{
				Type:           "FLOAT32",
				Dim:            ix.cfg.Dimensions,
				DistanceMetric: "COSINE",
			}},
		},
		&redis.FieldSchema{FieldName: fieldName, FieldType: redis.SearchFieldTypeTag, CaseSensitive: true},
		&redis.FieldSchema{FieldName: fieldType, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldSource, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldParent, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldDescription, FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: fieldFullText, FieldType: redis.SearchFieldTypeText},
	).Err()
	if err != nil {
		return fmt.Errorf("create index %s: %w", ix.cfg.Name, err)
	}

	ix.logger.WithFields(logrus.Fields{
		"index":      ix.cfg.Name,
		"prefix":     ix.cfg.KeyPrefix,
		"dimensions": ix.cfg.Dimensions,
	}).Info("created vector index")
	return nil
}

// Drop removes the index together with its documents.
func (ix *Index) Drop(ctx context.Context) error {
	ok, err := ix.Exists(ctx)
	if err != nil || !ok {
		return err
	}
	if err := ix.client.FTDropIndexWithArgs(ctx, ix.cfg.Name, &redis.FTDropIndexOptions{DeleteDocs: true}).Err(); err != nil {
		return fmt.Errorf("drop index %s: %w", ix.cfg.Name, err)
	}
	return nil
}

// Upsert writes entries in one transaction. Entries without an id get
// PointID(name, source).
func (ix *Index) Upsert(ctx context.Context, entries []models.SchemaVectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := ix.client.TxPipeline()
	for _, e := range entries {
		if len(e.Vector) != ix.cfg.Dimensions {
			return apperr.Validation("upsert vectors",
				"entry %q has %d dimensions, index expects %d", e.Name, len(e.Vector), ix.cfg.Dimensions)
		}
		if e.Source == "" {
			e.Source = DefaultSource
		}
		if e.ID == "" {
			e.ID = PointID(e.Name, e.Source)
		}
		pipe.HSet(ctx, ix.key(e.ID),
			fieldVector, encodeVector(e.Vector),
			fieldName, e.Name,
			fieldType, e.Type,
			fieldDescription, e.Description,
			fieldParent, e.ParentField,
			fieldSource, e.Source,
			fieldFullText, e.FullText,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientService, "upsert vectors", err)
	}

	ix.logger.WithFields(logrus.Fields{
		"index": ix.cfg.Name,
		"count": len(entries),
	}).Debug("upserted vectors")
	return nil
}

// Get loads one entry by id.
func (ix *Index) Get(ctx context.Context, id string) (*Hit, error) {
	vals, err := ix.client.HGetAll(ctx, ix.key(id)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "get vector", err)
	}
	if len(vals) == 0 {
		return nil, apperr.NotFound("get vector", "point %s not found", id)
	}
	h := hitFromFields(id, vals)
	return &h, nil
}

// KNNQuery is the FT.SEARCH query used by Search.
const KNNQuery = "*=>[KNN $k @vector $vec EF_RUNTIME $ef AS score]"

// Search returns up to limit entries nearest to vector, most similar first.
func (ix *Index) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	if len(vector) != ix.cfg.Dimensions {
		return nil, apperr.Validation("search vectors",
			"query has %d dimensions, index expects %d", len(vector), ix.cfg.Dimensions)
	}
	if limit <= 0 {
		limit = 5
	}

	res, err := ix.client.FTSearchWithArgs(ctx, ix.cfg.Name, KNNQuery, &redis.FTSearchOptions{
		Return: []redis.FTSearchReturn{
			{FieldName: fieldName},
			{FieldName: fieldType},
			{FieldName: fieldDescription},
			{FieldName: fieldParent},
			{FieldName: fieldSource},
			{FieldName: fieldScore},
		},
		SortBy:         []redis.FTSearchSortBy{{FieldName: fieldScore, Asc: true}},
		Limit:          limit,
		Params:         map[string]interface{}{"k": limit, "vec": encodeVector(vector), "ef": ix.cfg.EFRuntime},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "search vectors", err)
	}

	hits := make([]Hit, 0, len(res.Docs))
	for _, d := range res.Docs {
		hits = append(hits, hitFromFields(ix.idFromKey(d.ID), d.Fields))
	}
	return hits, nil
}

func (ix *Index) key(id string) string {
	return ix.cfg.KeyPrefix + id
}

func (ix *Index) idFromKey(key string) string {
	return strings.TrimPrefix(key, ix.cfg.KeyPrefix)
}

func hitFromFields(id string, f map[string]string) Hit {
	h := Hit{
		ID:          id,
		Name:        f[fieldName],
		Type:        f[fieldType],
		Description: f[fieldDescription],
		ParentField: f[fieldParent],
		Source:      f[fieldSource],
	}
	if s, ok := f[fieldScore]; ok {
		if dist, err := strconv.ParseFloat(s, 64); err == nil {
			h.Score = 1 - dist
		}
	}
	return h
}

// encodeVector packs v as little-endian float32, the FLOAT32 blob layout.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
