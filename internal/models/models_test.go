package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamValue_ResolvePrecedence(t *testing.T) {
	s, i, f, d := "JPY", int64(3), 1.5, 2.5

	assert.Equal(t, "JPY", ParamValue{StringValue: &s, IntValue: &i, FloatValue: &f, DoubleValue: &d}.Resolve())
	assert.Equal(t, int64(3), ParamValue{IntValue: &i, FloatValue: &f, DoubleValue: &d}.Resolve())
	assert.Equal(t, 1.5, ParamValue{FloatValue: &f, DoubleValue: &d}.Resolve())
	assert.Equal(t, 2.5, DoubleParam(d).Resolve())
	assert.Nil(t, ParamValue{}.Resolve())
	assert.True(t, ParamValue{}.IsNull())
	assert.False(t, StringParam("").IsNull())
}

func TestNewEventRecord(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	r := NewEventRecord(SourceRow{EventID: 7, EventTimestamp: ts.UnixMicro(), EventName: "purchase"})

	assert.Equal(t, int64(7), r.EventID)
	assert.Equal(t, ts, r.EventTimestamp)
	assert.JSONEq(t, `{"event_name":"purchase"}`, r.Dimensions)
	assert.Empty(t, r.Params)
}

func TestEventRecord_Columns(t *testing.T) {
	r := &EventRecord{EventID: 1, EventName: "purchase", Params: map[string]any{"bq_column_price": 9.99}}

	cols := r.Columns([]string{"bq_column_price", "bq_column_currency"})
	assert.Equal(t, 9.99, cols["bq_column_price"])
	v, ok := cols["bq_column_currency"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Len(t, cols, len(StructuralColumns)+2)
}

func TestParseImportMode(t *testing.T) {
	for in, want := range map[string]ImportMode{
		"full":      ImportModeFull,
		"FULL":      ImportModeFull,
		"date":      ImportModeByDate,
		"BY_DATE":   ImportModeByDate,
		" by-date ": ImportModeByDate,
	} {
		got, err := ParseImportMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseImportMode("weekly")
	assert.Error(t, err)
}

func TestParseFieldType(t *testing.T) {
	ft, err := ParseFieldType(" float ")
	require.NoError(t, err)
	assert.Equal(t, FieldTypeFloat, ft)

	_, err = ParseFieldType("DECIMAL")
	assert.Error(t, err)
}

func TestRunState_Terminal(t *testing.T) {
	assert.True(t, RunStateDone.Terminal())
	assert.True(t, RunStateFailed.Terminal())
	assert.False(t, RunStateInserting.Terminal())
	assert.False(t, RunStateIdle.Terminal())
}
