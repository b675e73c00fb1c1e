package ai

import (
	"fmt"
	"strings"

	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
)

// eventsTableNotes describes the fixed part of the events table for prompting.
const eventsTableNotes = `
Table: events (one row per GA4 event)

Fixed columns:
  - event_bundle_sequence_id  BIGINT     -- event id (primary key)
  - event_name                TEXT       -- e.g. "page_view", "purchase"
  - event_timestamp           TIMESTAMP  -- event time (UTC)
  - event_dimensions          JSON text  -- {"event_name": ...}

Every other column is named bq_column_<parameter key> and holds that event
parameter's value, or NULL when the event did not carry it.
`

// describeTable renders the events table, its parameter columns and the
// fields resolved for the current question.
func describeTable(dialect string, columns []string, fields models.FieldMappingResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SQL dialect: %s\n", dialect)
	b.WriteString(eventsTableNotes)

	have := make(map[string]bool, len(columns))
	var params []string
	for _, c := range columns {
		have[c] = true
		if strings.HasPrefix(c, schema.ColumnPrefix) {
			params = append(params, c)
		}
	}
	if len(params) > 0 {
		b.WriteString("\nParameter columns present:\n")
		for _, c := range params {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}

	if len(fields.Fields) > 0 {
		b.WriteString("\nFields most relevant to the question (best match first):\n")
		for _, f := range fields.Fields {
			col := schema.ColumnName(f.Name)
			switch {
			case have[col]:
				fmt.Fprintf(&b, "  - %s (%s) -> column %s\n", f.Name, f.Type, col)
			case have[f.Name]:
				fmt.Fprintf(&b, "  - %s (%s) -> column %s\n", f.Name, f.Type, f.Name)
			default:
				fmt.Fprintf(&b, "  - %s (%s) -> not imported yet, do not reference it\n", f.Name, f.Type)
			}
		}
		if fields.Description != "" {
			fmt.Fprintf(&b, "Best match description: %s\n", fields.Description)
		}
	}
	return b.String()
}
