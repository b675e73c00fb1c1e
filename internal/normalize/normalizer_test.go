package normalize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/normalize"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
	"github.com/ryugou/analytics-chat-agent/internal/schema/schematest"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ensureCall struct {
	key    string
	sample any
}

type recordingEnsurer struct {
	calls []ensureCall
	err   error
}

func (r *recordingEnsurer) EnsureColumn(_ context.Context, key string, sample any) (bool, error) {
	r.calls = append(r.calls, ensureCall{key: key, sample: sample})
	return r.err == nil, r.err
}

func row(id int64, name, key string, v models.ParamValue) models.SourceRow {
	return models.SourceRow{
		EventID:        id,
		EventTimestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).UnixMicro(),
		EventName:      name,
		ParamKey:       key,
		Value:          v,
	}
}

func TestNormalize_NewFloatKey(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := schematest.New()
	engine := schema.NewEngine(store, logger)
	n := normalize.New(engine, logger)

	rows := []models.SourceRow{row(1, "purchase", "price", models.FloatParam(9.99))}
	res, err := n.Normalize(context.Background(), rows, nil)
	require.NoError(t, err)

	defs, err := engine.Registry(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "price", defs[0].Name)
	assert.Equal(t, models.FieldTypeFloat, defs[0].Type)

	ok, err := store.ColumnExists(context.Background(), "bq_column_price")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, res.Records, 1)
	rec := res.Records[1]
	assert.Equal(t, 9.99, rec.Params["bq_column_price"])
	assert.Equal(t, "purchase", rec.EventName)
	assert.JSONEq(t, `{"event_name":"purchase"}`, rec.Dimensions)
	assert.Equal(t, []models.FieldDefinition{{Name: "price", ParentPath: models.DefaultParentPath, Type: models.FieldTypeFloat}}, res.NewKeys)
}

func TestNormalize_NewKeysOnlyListsCreatedColumns(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := schematest.New()
	store.Seed(models.FieldDefinition{Name: "value", ParentPath: models.DefaultParentPath, Type: models.FieldTypeInteger})
	n := normalize.New(schema.NewEngine(store, logger), logger)

	rows := []models.SourceRow{
		row(1, "purchase", "value", models.StringParam("ten")),
		row(1, "purchase", "coupon", models.StringParam("SUMMER")),
	}
	res, err := n.Normalize(context.Background(), rows, nil)
	require.NoError(t, err)

	assert.Equal(t, []models.FieldDefinition{{Name: "coupon", ParentPath: models.DefaultParentPath, Type: models.FieldTypeString}}, res.NewKeys)
	assert.Equal(t, []string{"bq_column_coupon"}, store.AddedColumn)
	assert.Equal(t, "ten", res.Records[1].Params["bq_column_value"])
}

func TestNormalize_OneEnsurePerNewKey(t *testing.T) {
	ensurer := &recordingEnsurer{}
	n := normalize.New(ensurer, nil)

	rows := []models.SourceRow{
		row(1, "page_view", "page_title", models.StringParam("Home")),
		row(1, "page_view", "ga_session_id", models.IntParam(1700000000123)),
		row(2, "page_view", "page_title", models.StringParam("Cart")),
		row(2, "page_view", "engagement_time_msec", models.IntParam(100)),
		row(3, "page_view", "page_location", models.StringParam("https://example.com")),
	}
	known := []models.FieldDefinition{{Name: "page_location", Type: models.FieldTypeString}}

	res, err := n.Normalize(context.Background(), rows, known)
	require.NoError(t, err)

	assert.Equal(t, []ensureCall{
		{key: "page_title", sample: "Home"},
		{key: "ga_session_id", sample: int64(1700000000123)},
		{key: "engagement_time_msec", sample: int64(100)},
	}, ensurer.calls)

	require.Len(t, res.NewKeys, 3)
	assert.Equal(t, models.FieldTypeBigint, res.NewKeys[1].Type)
	assert.Equal(t, []int64{1, 2, 3}, res.Order)
	assert.Equal(t, "https://example.com", res.Records[3].Params["bq_column_page_location"])
}

func TestNormalize_SampleSkipsLeadingNulls(t *testing.T) {
	ensurer := &recordingEnsurer{}
	n := normalize.New(ensurer, nil)

	rows := []models.SourceRow{
		row(1, "purchase", "value", models.ParamValue{}),
		row(2, "purchase", "value", models.IntParam(10)),
		row(3, "purchase", "coupon", models.ParamValue{}),
	}
	res, err := n.Normalize(context.Background(), rows, nil)
	require.NoError(t, err)

	assert.Equal(t, []ensureCall{{key: "value", sample: int64(10)}, {key: "coupon", sample: nil}}, ensurer.calls)
	assert.Equal(t, models.FieldTypeString, res.NewKeys[1].Type)
	_, present := res.Records[1].Params["bq_column_value"]
	assert.False(t, present, "null values are left absent")
}

func TestNormalize_EventsWithoutParams(t *testing.T) {
	ensurer := &recordingEnsurer{}
	n := normalize.New(ensurer, nil)

	res, err := n.Normalize(context.Background(), []models.SourceRow{
		row(7, "session_start", "", models.ParamValue{}),
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, ensurer.calls)
	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Records[7].Params)
	assert.Equal(t, "session_start", res.Records[7].EventName)
}

func TestNormalize_StructuralFieldsFixedAtCreation(t *testing.T) {
	n := normalize.New(&recordingEnsurer{}, nil)
	first := row(1, "page_view", "a", models.StringParam("x"))
	second := row(1, "scroll", "b", models.StringParam("y"))
	second.EventTimestamp = first.EventTimestamp + 5_000_000

	res, err := n.Normalize(context.Background(), []models.SourceRow{first, second}, nil)
	require.NoError(t, err)

	rec := res.Records[1]
	assert.Equal(t, "page_view", rec.EventName)
	assert.Equal(t, time.UnixMicro(first.EventTimestamp).UTC(), rec.EventTimestamp)
	assert.Len(t, rec.Params, 2)
	assert.Len(t, res.Flatten(), 1)
}

func TestNormalize_EnsureFailureStops(t *testing.T) {
	boom := errors.New("ddl failed")
	n := normalize.New(&recordingEnsurer{err: boom}, nil)

	res, err := n.Normalize(context.Background(), []models.SourceRow{row(1, "purchase", "price", models.FloatParam(1))}, nil)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, res)
}

func TestNormalize_EmptyInput(t *testing.T) {
	n := normalize.New(&recordingEnsurer{}, nil)
	res, err := n.Normalize(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Flatten())
}

// TestProperty_OneRecordPerEvent checks that the record count equals the
// number of distinct event ids and each new key is ensured exactly once.
func TestProperty_OneRecordPerEvent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	keys := []string{"", "page_title", "value", "price", "coupon"}
	genRow := gopter.CombineGens(
		gen.Int64Range(1, 20),
		gen.IntRange(0, len(keys)-1),
		gen.Int64(),
	).Map(func(vals []interface{}) models.SourceRow {
		return row(vals[0].(int64), "e", keys[vals[1].(int)], models.IntParam(vals[2].(int64)))
	})

	properties.Property("records and ensures", prop.ForAll(
		func(rows []models.SourceRow) bool {
			ensurer := &recordingEnsurer{}
			res, err := normalize.New(ensurer, nil).Normalize(context.Background(), rows, nil)
			if err != nil {
				return false
			}

			ids := make(map[int64]struct{})
			distinctKeys := make(map[string]struct{})
			for _, r := range rows {
				ids[r.EventID] = struct{}{}
				if r.ParamKey != "" {
					distinctKeys[r.ParamKey] = struct{}{}
				}
			}
			ensured := make(map[string]int)
			for _, c := range ensurer.calls {
				ensured[c.key]++
			}
			for _, count := range ensured {
				if count != 1 {
					return false
				}
			}
			return len(res.Records) == len(ids) &&
				len(res.Order) == len(ids) &&
				len(ensured) == len(distinctKeys)
		},
		gen.SliceOf(genRow),
	))

	properties.TestingRun(t)
}
