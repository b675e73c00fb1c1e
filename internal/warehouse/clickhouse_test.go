package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.data) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.data[f.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d columns, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = row[i].(int64)
		case *string:
			*p = row[i].(string)
		case **string:
			*p, _ = row[i].(*string)
		case **int64:
			*p, _ = row[i].(*int64)
		case **float64:
			*p, _ = row[i].(*float64)
		default:
			return fmt.Errorf("unsupported dest %T", d)
		}
	}
	return nil
}

func (f *fakeRows) ScanStruct(any) error             { return errors.New("not implemented") }
func (f *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (f *fakeRows) Totals(...any) error              { return nil }
func (f *fakeRows) Columns() []string                { return nil }
func (f *fakeRows) Close() error                     { return nil }
func (f *fakeRows) Err() error                       { return f.err }

type fakeQuerier struct {
	query string
	args  []any
	rows  *fakeRows
	err   error
}

func (f *fakeQuerier) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	f.query, f.args = query, args
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func newSource(q querier) *ClickHouseSource {
	logger, _ := test.NewNullLogger()
	return &ClickHouseSource{q: q, prefix: "events_", logger: logger}
}

func ptr[T any](v T) *T { return &v }

func TestBuildQuery_ByDatePrunesToOnePartition(t *testing.T) {
	date := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	query, args := BuildQuery("events_", &date)

	assert.Contains(t, query, "merge(currentDatabase(), '^events_')")
	assert.Contains(t, query, "LEFT ARRAY JOIN event_params")
	assert.Contains(t, query, "WHERE _table = ?")
	assert.Equal(t, []any{"events_20240115"}, args)
}

func TestBuildQuery_FullHasNoFilter(t *testing.T) {
	query, args := BuildQuery("events_", nil)
	assert.NotContains(t, query, "_table")
	assert.Empty(t, args)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(query), "ORDER BY event_bundle_sequence_id"))
}

func TestPartitionTable_UsesUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	d := time.Date(2024, 1, 16, 1, 0, 0, 0, tokyo)
	assert.Equal(t, "events_20240115", PartitionTable("events_", d))
}

func TestFetchRows_ScansTaggedValues(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{int64(1), int64(1705312800000000), "purchase", "price", (*string)(nil), (*int64)(nil), ptr(9.99), (*float64)(nil)},
		{int64(1), int64(1705312800000000), "purchase", "currency", ptr("JPY"), (*int64)(nil), (*float64)(nil), (*float64)(nil)},
		{int64(2), int64(1705312900000000), "session_start", "", (*string)(nil), (*int64)(nil), (*float64)(nil), (*float64)(nil)},
	}}}
	src := newSource(q)

	date := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows, err := src.FetchRows(context.Background(), &date)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []any{"events_20240115"}, q.args)
	assert.Equal(t, 9.99, rows[0].Value.Resolve())
	assert.Equal(t, "JPY", rows[1].Value.Resolve())
	assert.Equal(t, "", rows[2].ParamKey)
	assert.True(t, rows[2].Value.IsNull())
	assert.Equal(t, models.SourceRow{}.Value, rows[2].Value)
}

func TestFetchRows_QueryErrorIsTransient(t *testing.T) {
	src := newSource(&fakeQuerier{err: errors.New("connection reset")})
	_, err := src.FetchRows(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientService))
}

func TestFetchRows_IterationError(t *testing.T) {
	src := newSource(&fakeQuerier{rows: &fakeRows{err: errors.New("broken pipe")}})
	_, err := src.FetchRows(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientService))
}
