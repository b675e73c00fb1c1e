package relstore_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/relstore"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *relstore.Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "events.db")
	store, err := relstore.Open(ctx, relstore.Config{Driver: "sqlite", DSN: dsn, BatchSize: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := relstore.Open(context.Background(), relstore.Config{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	cols, err := store.Columns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StructuralColumns, cols)
}

func TestEnsureColumn_RoundTripsThroughCatalog(t *testing.T) {
	store := newStore(t)
	logger, _ := test.NewNullLogger()
	engine := schema.NewEngine(store, logger)
	ctx := context.Background()

	samples := map[string]any{
		"page_title":    "Home",
		"engaged":       true,
		"value":         int64(10),
		"ga_session_id": int64(1700000000123),
		"price":         9.99,
	}
	for key, sample := range samples {
		created, err := engine.EnsureColumn(ctx, key, sample)
		require.NoError(t, err)
		assert.True(t, created, key)
	}

	defs, err := store.ListVirtualKeys(ctx)
	require.NoError(t, err)
	require.Len(t, defs, len(samples))
	for _, d := range defs {
		assert.Equal(t, schema.InferType(samples[d.Name]), d.Type, d.Name)
		assert.Equal(t, models.DefaultParentPath, d.ParentPath)
		assert.False(t, d.CreatedAt.IsZero())

		ft, err := store.ColumnType(ctx, schema.ColumnName(d.Name))
		require.NoError(t, err)
		assert.Equal(t, d.Type, ft, d.Name)
	}
	assert.NoError(t, engine.Verify(ctx))
}

func TestEnsureColumn_SecondCallIsNoop(t *testing.T) {
	store := newStore(t)
	engine := schema.NewEngine(store, nil)
	ctx := context.Background()

	created, err := engine.EnsureColumn(ctx, "pageTitle", "Home")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = engine.EnsureColumn(ctx, "pageTitle", 42)
	require.NoError(t, err)
	assert.False(t, created)

	defs, err := store.ListVirtualKeys(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, models.FieldTypeString, defs[0].Type)

	ok, err := store.ColumnExists(ctx, "bq_column_pageTitle")
	require.NoError(t, err)
	assert.True(t, ok, "mixed-case keys keep their case")
}

// staleStore reports every column as missing inside a transaction, like a
// run whose catalog read happened before another run committed.
type staleStore struct {
	*relstore.Store
}

func (s staleStore) WithTx(ctx context.Context, fn func(tx schema.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx schema.Tx) error {
		return fn(staleTx{tx})
	})
}

type staleTx struct {
	schema.Tx
}

func (staleTx) ColumnExists(context.Context, string) (bool, error) { return false, nil }

func TestEnsureColumn_LosingConcurrentRunIsNoop(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := schema.NewEngine(store, nil).EnsureColumn(ctx, "coupon", "SUMMER")
	require.NoError(t, err)
	require.True(t, created)

	created, err = schema.NewEngine(staleStore{store}, nil).EnsureColumn(ctx, "coupon", "WINTER")
	require.NoError(t, err)
	assert.False(t, created)

	defs, err := store.ListVirtualKeys(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, models.FieldTypeString, defs[0].Type)
}

func TestWithTx_RollsBackRegistryInsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx schema.Tx) error {
		require.NoError(t, tx.InsertVirtualKey(ctx, models.FieldDefinition{Name: "coupon", Type: models.FieldTypeString}))
		require.NoError(t, tx.AddColumn(ctx, "bq_column_coupon", models.FieldTypeString))
		return boom
	})
	require.ErrorIs(t, err, boom)

	defs, err := store.ListVirtualKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)

	ok, err := store.ColumnExists(ctx, "bq_column_coupon")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestColumnType_NotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.ColumnType(context.Background(), "bq_column_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func record(id int64, ts time.Time, params map[string]any) *models.EventRecord {
	r := models.NewEventRecord(models.SourceRow{EventID: id, EventName: "page_view", EventTimestamp: ts.UnixMicro()})
	for k, v := range params {
		r.Params[k] = v
	}
	return r
}

func TestInsertEvents_HeterogeneousParams(t *testing.T) {
	store := newStore(t)
	engine := schema.NewEngine(store, nil)
	ctx := context.Background()

	for key, sample := range map[string]any{"page_title": "Home", "value": int64(10)} {
		_, err := engine.EnsureColumn(ctx, key, sample)
		require.NoError(t, err)
	}

	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	records := []*models.EventRecord{
		record(1, day, map[string]any{"bq_column_page_title": "Home"}),
		record(2, day.Add(time.Minute), map[string]any{"bq_column_value": int64(10)}),
		record(3, day.Add(2*time.Minute), nil),
	}

	n, err := store.InsertEvents(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var titles []sql.NullString
	require.NoError(t, store.DB().Select(&titles,
		`SELECT "bq_column_page_title" FROM events ORDER BY event_bundle_sequence_id`))
	require.Len(t, titles, 3)
	assert.Equal(t, sql.NullString{String: "Home", Valid: true}, titles[0])
	assert.False(t, titles[1].Valid)
	assert.False(t, titles[2].Valid)
}

func TestInsertEvents_Empty(t *testing.T) {
	store := newStore(t)
	n, err := store.InsertEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteByDate_OnlyThatDay(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	d1 := time.Date(2024, 1, 15, 23, 59, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 16, 0, 1, 0, 0, time.UTC)
	_, err := store.InsertEvents(ctx, []*models.EventRecord{
		record(1, d1, nil),
		record(2, d2, nil),
		record(3, d2, nil),
	})
	require.NoError(t, err)

	deleted, err := store.DeleteByDate(ctx, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, store.DeleteAll(ctx))
	count, err = store.CountEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
