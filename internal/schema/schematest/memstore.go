// Package schematest provides an in-memory schema.Store for tests.
package schematest

import (
	"context"
	"errors"
	"sync"

	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
)

// MemStore keeps the registry and the events table columns in memory and
// emulates transactional rollback by snapshotting both on WithTx.
type MemStore struct {
	mu      sync.Mutex
	keys    []models.FieldDefinition
	columns []string
	types   map[string]models.FieldType

	// FailAddColumn, when set, is returned by AddColumn.
	FailAddColumn error
	// DropAfterCommit removes the column right after commit, emulating a
	// catalog that disagrees with what was applied.
	DropAfterCommit bool
	// StaleCatalog makes the in-transaction catalog report every column as
	// missing, as seen by a run that lost a race to add the same column.
	StaleCatalog bool

	Commits     int
	Rollbacks   int
	AddedColumn []string
}

// New returns a store whose events table has only structural columns.
func New() *MemStore {
	return &MemStore{
		columns: append([]string(nil), models.StructuralColumns...),
		types:   make(map[string]models.FieldType),
	}
}

// Seed registers keys as if they had been added earlier.
func (m *MemStore) Seed(defs ...models.FieldDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		m.keys = append(m.keys, d)
		col := schema.ColumnName(d.Name)
		m.columns = append(m.columns, col)
		m.types[col] = d.Type
	}
}

// AddOrphanColumn adds a physical column without a registry entry.
func (m *MemStore) AddOrphanColumn(col string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns = append(m.columns, col)
}

// ColumnType returns the type a column was created with.
func (m *MemStore) ColumnType(col string) (models.FieldType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.types[col]
	return t, ok
}

func (m *MemStore) ColumnExists(_ context.Context, column string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasColumn(column), nil
}

func (m *MemStore) Columns(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.columns...), nil
}

func (m *MemStore) ListVirtualKeys(_ context.Context) ([]models.FieldDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FieldDefinition(nil), m.keys...), nil
}

func (m *MemStore) WithTx(ctx context.Context, fn func(tx schema.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := append([]models.FieldDefinition(nil), m.keys...)
	cols := append([]string(nil), m.columns...)
	types := make(map[string]models.FieldType, len(m.types))
	for k, v := range m.types {
		types[k] = v
	}

	if err := fn(&memTx{m: m}); err != nil {
		m.keys, m.columns, m.types = keys, cols, types
		m.Rollbacks++
		return err
	}
	m.Commits++

	if m.DropAfterCommit && len(m.columns) > len(cols) {
		m.columns = cols
	}
	return nil
}

func (m *MemStore) hasColumn(column string) bool {
	for _, c := range m.columns {
		if c == column {
			return true
		}
	}
	return false
}

type memTx struct {
	m *MemStore
}

func (t *memTx) ColumnExists(_ context.Context, column string) (bool, error) {
	if t.m.StaleCatalog {
		return false, nil
	}
	return t.m.hasColumn(column), nil
}

func (t *memTx) Columns(_ context.Context) ([]string, error) {
	return append([]string(nil), t.m.columns...), nil
}

func (t *memTx) InsertVirtualKey(_ context.Context, def models.FieldDefinition) error {
	for _, k := range t.m.keys {
		if k.Name == def.Name {
			return nil
		}
	}
	t.m.keys = append(t.m.keys, def)
	return nil
}

func (t *memTx) AddColumn(_ context.Context, column string, ft models.FieldType) error {
	if t.m.FailAddColumn != nil {
		return t.m.FailAddColumn
	}
	if t.m.hasColumn(column) {
		return errors.New("column already exists: " + column)
	}
	t.m.columns = append(t.m.columns, column)
	t.m.types[column] = ft
	t.m.AddedColumn = append(t.m.AddedColumn, column)
	return nil
}
