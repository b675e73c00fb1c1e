// ============================================================================
// models/event.go
// ============================================================================
package models

import (
	"encoding/json"
	"time"
)

// DefaultParentPath is the warehouse path of dynamically discovered event parameters.
const DefaultParentPath = "event_params.key"

// SourceRow is one (event, parameter) pair read from the warehouse. Events
// without parameters yield a single row with an empty ParamKey.
type SourceRow struct {
	EventID        int64      `json:"event_bundle_sequence_id"`
	EventTimestamp int64      `json:"event_timestamp"` // microseconds since epoch
	EventName      string     `json:"event_name"`
	ParamKey       string     `json:"param_key"`
	Value          ParamValue `json:"param_value"`
}

// ParamValue is the warehouse's tagged parameter value. At most one tag is
// expected to be set; Resolve applies a fixed precedence when several are.
type ParamValue struct {
	StringValue *string  `json:"string_value,omitempty"`
	IntValue    *int64   `json:"int_value,omitempty"`
	FloatValue  *float64 `json:"float_value,omitempty"`
	DoubleValue *float64 `json:"double_value,omitempty"`
}

// Resolve returns the first non-null tag in string, int, float, double order,
// or nil when every tag is null.
func (v ParamValue) Resolve() any {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.IntValue != nil:
		return *v.IntValue
	case v.FloatValue != nil:
		return *v.FloatValue
	case v.DoubleValue != nil:
		return *v.DoubleValue
	default:
		return nil
	}
}

// IsNull reports whether no tag is set.
func (v ParamValue) IsNull() bool {
	return v.Resolve() == nil
}

// StringParam, IntParam, FloatParam and DoubleParam build single-tag values.
func StringParam(s string) ParamValue  { return ParamValue{StringValue: &s} }
func IntParam(i int64) ParamValue      { return ParamValue{IntValue: &i} }
func FloatParam(f float64) ParamValue  { return ParamValue{FloatValue: &f} }
func DoubleParam(f float64) ParamValue { return ParamValue{DoubleValue: &f} }

// EventRecord is one flattened event ready for insertion. Params is keyed by
// physical column name; parameters the event lacks are simply absent.
type EventRecord struct {
	EventID        int64
	EventName      string
	EventTimestamp time.Time
	Dimensions     string
	Params         map[string]any
}

// NewEventRecord creates a record with its structural fields derived from row.
func NewEventRecord(row SourceRow) *EventRecord {
	dims, _ := json.Marshal(map[string]string{"event_name": row.EventName})
	return &EventRecord{
		EventID:        row.EventID,
		EventName:      row.EventName,
		EventTimestamp: time.UnixMicro(row.EventTimestamp).UTC(),
		Dimensions:     string(dims),
		Params:         make(map[string]any),
	}
}

// Structural column names of the events table.
const (
	ColumnEventID         = "event_bundle_sequence_id"
	ColumnEventName       = "event_name"
	ColumnEventTimestamp  = "event_timestamp"
	ColumnEventDimensions = "event_dimensions"
)

// StructuralColumns lists the fixed columns in insertion order.
var StructuralColumns = []string{ColumnEventID, ColumnEventName, ColumnEventTimestamp, ColumnEventDimensions}

// Columns returns the record as a column -> value map, with every column in
// extra that the record lacks set to nil.
func (r *EventRecord) Columns(extra []string) map[string]any {
	out := make(map[string]any, len(StructuralColumns)+len(extra))
	out[ColumnEventID] = r.EventID
	out[ColumnEventName] = r.EventName
	out[ColumnEventTimestamp] = r.EventTimestamp
	out[ColumnEventDimensions] = r.Dimensions
	for _, col := range extra {
		out[col] = nil
	}
	for col, v := range r.Params {
		out[col] = v
	}
	return out
}
