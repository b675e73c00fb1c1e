package storage

import (
	"context"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/models"
)

// EventStore defines the relational events table as seen by the importer
type EventStore interface {
	// DeleteAll removes every event row
	DeleteAll(ctx context.Context) error

	// DeleteByDate removes the rows whose UTC event date is date
	DeleteByDate(ctx context.Context, date time.Time) (int64, error)

	// InsertEvents inserts records and returns how many were written,
	// including on failure
	InsertEvents(ctx context.Context, records []*models.EventRecord) (int, error)

	// ListVirtualKeys returns the virtual key registry
	ListVirtualKeys(ctx context.Context) ([]models.FieldDefinition, error)
}

// RowSource defines the warehouse the importer reads from
type RowSource interface {
	// FetchRows returns one row per (event, parameter); a nil date reads
	// every partition
	FetchRows(ctx context.Context, date *time.Time) ([]models.SourceRow, error)
}

// IndexRefresher pushes the virtual key registry into the vector index
type IndexRefresher interface {
	SyncVirtualKeys(ctx context.Context, defs []models.FieldDefinition) (int, error)
}

// RunStore defines persistent import run history
type RunStore interface {
	// Save creates or overwrites a run
	Save(ctx context.Context, run *models.ImportRun) error

	// Get loads a run by id
	Get(ctx context.Context, id string) (*models.ImportRun, error)

	// List returns up to limit runs, newest first
	List(ctx context.Context, limit int) ([]*models.ImportRun, error)
}
