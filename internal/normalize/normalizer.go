// Package normalize flattens warehouse (event, parameter) rows into one
// record per event, extending the events table for keys it has not seen.
package normalize

import (
	"context"
	"fmt"

	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
	"github.com/sirupsen/logrus"
)

// ColumnEnsurer is satisfied by *schema.Engine.
type ColumnEnsurer interface {
	EnsureColumn(ctx context.Context, key string, sample any) (bool, error)
}

// Normalizer groups rows by event id.
type Normalizer struct {
	columns ColumnEnsurer
	logger  *logrus.Logger
}

// New creates a Normalizer.
func New(columns ColumnEnsurer, logger *logrus.Logger) *Normalizer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Normalizer{columns: columns, logger: logger}
}

// Result is the output of one normalization pass.
type Result struct {
	// Records holds exactly one record per distinct event id.
	Records map[int64]*models.EventRecord
	// Order lists event ids in the order they were first seen.
	Order []int64
	// NewKeys are the definitions created during this pass, in first-seen order.
	NewKeys []models.FieldDefinition
}

// Flatten returns the records in first-seen order.
func (r *Result) Flatten() []*models.EventRecord {
	out := make([]*models.EventRecord, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Records[id])
	}
	return out
}

type pendingKey struct {
	key    string
	sample any
}

// Normalize runs two passes over rows. The first finds keys missing from
// known and ensures a column for each, once, with its first non-null sample.
// The second builds the records.
func (n *Normalizer) Normalize(ctx context.Context, rows []models.SourceRow, known []models.FieldDefinition) (*Result, error) {
	registered := make(map[string]struct{}, len(known))
	for _, d := range known {
		registered[d.Name] = struct{}{}
	}

	var pending []*pendingKey
	byKey := make(map[string]*pendingKey)
	for _, row := range rows {
		if row.ParamKey == "" {
			continue
		}
		if _, ok := registered[row.ParamKey]; ok {
			continue
		}
		p, seen := byKey[row.ParamKey]
		if !seen {
			p = &pendingKey{key: row.ParamKey}
			byKey[row.ParamKey] = p
			pending = append(pending, p)
		}
		if p.sample == nil {
			p.sample = row.Value.Resolve()
		}
	}

	res := &Result{Records: make(map[int64]*models.EventRecord)}
	for _, p := range pending {
		created, err := n.columns.EnsureColumn(ctx, p.key, p.sample)
		if err != nil {
			return nil, fmt.Errorf("ensure column for %q: %w", p.key, err)
		}
		if !created {
			continue
		}
		res.NewKeys = append(res.NewKeys, models.FieldDefinition{
			Name:       p.key,
			ParentPath: models.DefaultParentPath,
			Type:       schema.InferType(p.sample),
		})
	}
	if len(res.NewKeys) > 0 {
		n.logger.WithField("new_keys", len(res.NewKeys)).Info("discovered new event parameter keys")
	}

	for _, row := range rows {
		rec, ok := res.Records[row.EventID]
		if !ok {
			rec = models.NewEventRecord(row)
			res.Records[row.EventID] = rec
			res.Order = append(res.Order, row.EventID)
		}
		if row.ParamKey == "" {
			continue
		}
		if v := row.Value.Resolve(); v != nil {
			rec.Params[schema.ColumnName(row.ParamKey)] = v
		}
	}

	n.logger.WithFields(logrus.Fields{
		"rows":   len(rows),
		"events": len(res.Records),
	}).Debug("normalized source rows")
	return res, nil
}
