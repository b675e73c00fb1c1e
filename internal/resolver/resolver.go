// Package resolver maps free-text query fragments to warehouse fields by
// nearest-neighbour search over embedded field descriptions.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/vectorindex"
	"github.com/sirupsen/logrus"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 5

// Embedder turns the query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index as seen by the resolver.
type Index interface {
	Ping(ctx context.Context) error
	Search(ctx context.Context, vector []float32, limit int) ([]vectorindex.Hit, error)
}

// Resolver answers field lookups.
type Resolver struct {
	embedder Embedder
	index    Index
	limit    int
	logger   *logrus.Logger
}

// New pings the index before returning, so an unreachable or missing index
// fails here rather than on the first query.
func New(ctx context.Context, embedder Embedder, index Index, limit int, logger *logrus.Logger) (*Resolver, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := index.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect vector index: %w", err)
	}
	return &Resolver{embedder: embedder, index: index, limit: limit, logger: logger}, nil
}

// Resolve returns the fields nearest to query in descending similarity.
// The description comes from the best hit only.
func (r *Resolver) Resolve(ctx context.Context, query string, limit int) (models.FieldMappingResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.FieldMappingResult{}, apperr.Validation("resolve fields", "query is empty")
	}
	if limit <= 0 {
		limit = r.limit
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		metrics.ResolverSearchesTotal.WithLabelValues("error").Inc()
		return models.FieldMappingResult{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.index.Search(ctx, vec, limit)
	if err != nil {
		metrics.ResolverSearchesTotal.WithLabelValues("error").Inc()
		return models.FieldMappingResult{}, fmt.Errorf("search fields: %w", err)
	}

	res := models.FieldMappingResult{Fields: make([]models.Field, 0, len(hits))}
	for i, h := range hits {
		res.Fields = append(res.Fields, models.Field{Name: h.Name, Type: h.Type})
		if i == 0 {
			res.Description = h.Description
		}
	}

	status := "hit"
	if len(hits) == 0 {
		status = "empty"
	}
	metrics.ResolverSearchesTotal.WithLabelValues(status).Inc()

	r.logger.WithFields(logrus.Fields{
		"query":  query,
		"fields": res.Names(),
	}).Debug("resolved fields")
	return res, nil
}

// ResolveAll resolves each non-empty fragment and merges the results,
// keeping the first occurrence of each field name and the first non-empty
// description.
func (r *Resolver) ResolveAll(ctx context.Context, queries []string, limit int) (models.FieldMappingResult, error) {
	var out models.FieldMappingResult
	seen := make(map[string]struct{})

	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		res, err := r.Resolve(ctx, q, limit)
		if err != nil {
			return models.FieldMappingResult{}, err
		}
		if out.Description == "" {
			out.Description = res.Description
		}
		for _, f := range res.Fields {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			out.Fields = append(out.Fields, f)
		}
	}
	return out, nil
}
