// Package schema keeps the virtual key registry and the physical columns of
// the events table in lockstep. New event parameter keys become a registry
// row and a bq_column_<key> column in one transaction, exactly once per key.
package schema

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// ColumnPrefix is prepended to a parameter key to form its column name.
const ColumnPrefix = "bq_column_"

// maxIdentifierLen is the PostgreSQL identifier limit.
const maxIdentifierLen = 63

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Catalog inspects the live column catalog of the events table.
type Catalog interface {
	ColumnExists(ctx context.Context, column string) (bool, error)
	Columns(ctx context.Context) ([]string, error)
}

// Tx is the part of the store usable inside the column-creation unit.
type Tx interface {
	Catalog
	// InsertVirtualKey must treat an existing name as a no-op.
	InsertVirtualKey(ctx context.Context, def models.FieldDefinition) error
	AddColumn(ctx context.Context, column string, t models.FieldType) error
}

// Store is the relational store as seen by the engine.
type Store interface {
	Catalog
	ListVirtualKeys(ctx context.Context) ([]models.FieldDefinition, error)
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Engine extends the events table for newly discovered parameter keys.
type Engine struct {
	store  Store
	logger *logrus.Logger
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{store: store, logger: logger}
}

// ColumnName maps a parameter key to its events table column.
func ColumnName(key string) string {
	return ColumnPrefix + key
}

// ValidateKey rejects keys that cannot be turned into a safe identifier.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return apperr.Validation("validate key", "invalid parameter key %q", key)
	}
	if len(ColumnName(key)) > maxIdentifierLen {
		return apperr.Validation("validate key", "parameter key %q is too long", key)
	}
	return nil
}

// InferType maps a sample value to a field type: booleans first, then
// integers split at the 32-bit signed range, then floats, else STRING.
func InferType(v any) models.FieldType {
	switch n := v.(type) {
	case bool:
		return models.FieldTypeBoolean
	case int:
		return intType(int64(n))
	case int8, int16, int32, uint8, uint16:
		return models.FieldTypeInteger
	case int64:
		return intType(n)
	case uint:
		return uintType(uint64(n))
	case uint32:
		return uintType(uint64(n))
	case uint64:
		return uintType(n)
	case float32, float64:
		return models.FieldTypeFloat
	default:
		return models.FieldTypeString
	}
}

func intType(n int64) models.FieldType {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return models.FieldTypeBigint
	}
	return models.FieldTypeInteger
}

func uintType(n uint64) models.FieldType {
	if n > math.MaxInt32 {
		return models.FieldTypeBigint
	}
	return models.FieldTypeInteger
}

// EnsureColumn creates the registry entry and physical column for key when
// the column does not exist yet and reports whether this call created it.
// Calling it again for the same key is a no-op. On any failure inside the
// unit nothing is kept. A concurrent run that adds the same column first is
// not an error.
func (e *Engine) EnsureColumn(ctx context.Context, key string, sample any) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	column := ColumnName(key)
	def := models.FieldDefinition{
		Name:       key,
		ParentPath: models.DefaultParentPath,
		Type:       InferType(sample),
	}

	created := false
	err := e.store.WithTx(ctx, func(tx Tx) error {
		exists, err := tx.ColumnExists(ctx, column)
		if err != nil {
			return fmt.Errorf("check column %s: %w", column, err)
		}
		if exists {
			return nil
		}
		if err := tx.InsertVirtualKey(ctx, def); err != nil {
			return fmt.Errorf("insert virtual key %s: %w", key, err)
		}
		if err := tx.AddColumn(ctx, column, def.Type); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
		created = true
		return nil
	})
	if err != nil {
		if ok, cerr := e.store.ColumnExists(ctx, column); cerr == nil && ok {
			e.logger.WithError(err).WithField("column", column).Info("column added concurrently")
			return false, nil
		}
		e.logger.WithError(err).WithField("column", column).Error("failed to add virtual column")
		return false, err
	}

	if !created {
		e.logger.WithField("column", column).Info("column already exists")
		return false, nil
	}

	ok, err := e.store.ColumnExists(ctx, column)
	if err != nil {
		return false, fmt.Errorf("confirm column %s: %w", column, err)
	}
	if !ok {
		return false, &apperr.Error{
			Kind: apperr.KindSchemaConsistency,
			Op:   "confirm column",
			Err:  fmt.Errorf("column %s missing after commit", column),
		}
	}

	metrics.SchemaColumnsAdded.WithLabelValues(string(def.Type)).Inc()
	e.logger.WithFields(logrus.Fields{
		"key":    key,
		"column": column,
		"type":   def.Type,
	}).Info("added virtual column")
	return true, nil
}

// Registry returns the current virtual key registry.
func (e *Engine) Registry(ctx context.Context) ([]models.FieldDefinition, error) {
	defs, err := e.store.ListVirtualKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list virtual keys: %w", err)
	}
	return defs, nil
}

// Verify checks that every registry entry has a column and every
// bq_column_ column has a registry entry.
func (e *Engine) Verify(ctx context.Context) error {
	defs, err := e.Registry(ctx)
	if err != nil {
		return err
	}
	cols, err := e.store.Columns(ctx)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	return compare(defs, cols)
}

func compare(defs []models.FieldDefinition, cols []string) error {
	physical := make(map[string]bool)
	for _, c := range cols {
		if strings.HasPrefix(c, ColumnPrefix) {
			physical[c] = true
		}
	}

	var missingColumns []string
	for _, d := range defs {
		col := ColumnName(d.Name)
		if !physical[col] {
			missingColumns = append(missingColumns, col)
		}
		delete(physical, col)
	}

	orphans := make([]string, 0, len(physical))
	for c := range physical {
		orphans = append(orphans, c)
	}
	sort.Strings(orphans)

	if len(missingColumns) == 0 && len(orphans) == 0 {
		return nil
	}
	cause := fmt.Errorf("registry entries without column %v, columns without registry entry %v",
		missingColumns, orphans)
	return &apperr.Error{Kind: apperr.KindSchemaConsistency, Op: "verify schema", Err: cause}
}
