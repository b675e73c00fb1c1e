package relstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// DeleteAll empties the events table.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.deleteAllSQL); err != nil {
		return fmt.Errorf("delete all events: %w", err)
	}
	return nil
}

// DeleteByDate removes events whose timestamp falls on date (YYYY-MM-DD, UTC).
func (s *Store) DeleteByDate(ctx context.Context, date time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(s.dialect.deleteByDateSQL), date.UTC().Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("delete events for %s: %w", date.Format("2006-01-02"), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountEvents returns the number of rows in the events table.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+EventsTable); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// InsertEvents bulk-inserts records. Every record is written with the same
// column list; parameters a record lacks are bound as NULL.
func (s *Store) InsertEvents(ctx context.Context, records []*models.EventRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	extra := paramColumns(records)
	cols := append(append([]string(nil), models.StructuralColumns...), extra...)

	chunk := s.batchSize
	if limit := s.dialect.maxParams / len(cols); limit < chunk {
		chunk = limit
	}
	if chunk < 1 {
		return 0, fmt.Errorf("insert events: %d columns exceed the bind parameter limit", len(cols))
	}

	query := insertQuery(cols)
	inserted := 0
	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		batch := make([]map[string]any, 0, end-start)
		for _, r := range records[start:end] {
			row := r.Columns(extra)
			row[models.ColumnEventTimestamp] = s.dialect.bindTime(r.EventTimestamp)
			batch = append(batch, row)
		}
		if _, err := s.db.NamedExecContext(ctx, query, batch); err != nil {
			return inserted, fmt.Errorf("insert events [%d:%d]: %w", start, end, err)
		}
		inserted += len(batch)
		s.logger.WithFields(logrus.Fields{
			"batch":    len(batch),
			"inserted": inserted,
			"total":    len(records),
		}).Debug("inserted event batch")
	}
	return inserted, nil
}

// paramColumns is the sorted union of parameter columns across records.
func paramColumns(records []*models.EventRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Params {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func insertQuery(cols []string) string {
	quoted := make([]string, len(cols))
	named := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		named[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		EventsTable, strings.Join(quoted, ", "), strings.Join(named, ", "))
}
