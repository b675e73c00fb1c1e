package relstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/models"
)

// EventsTable and VirtualKeysTable are the tables the importer owns.
const (
	EventsTable      = "events"
	VirtualKeysTable = "virtual_keys"
)

// dialect captures the SQL differences between PostgreSQL and SQLite.
type dialect struct {
	name       string
	driverName string

	migrations      []string
	columnExistsSQL string
	columnsSQL      string
	columnTypeSQL   string
	listKeysSQL     string
	insertKeySQL    string
	deleteAllSQL    string
	deleteByDateSQL string

	nativeTypes map[models.FieldType]string
	maxParams   int
	bindTime    func(t time.Time) any
}

var postgres = dialect{
	name:       "postgres",
	driverName: "pgx",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS virtual_keys (
			id           BIGSERIAL PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			parent_field TEXT NOT NULL DEFAULT 'event_params.key',
			field_type   TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_bundle_sequence_id BIGINT PRIMARY KEY,
			event_name               TEXT,
			event_timestamp          TIMESTAMPTZ,
			event_dimensions         JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS events_event_timestamp_idx ON events (event_timestamp)`,
	},
	columnExistsSQL: `SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`,
	columnsSQL: `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`,
	columnTypeSQL: `SELECT data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`,
	listKeysSQL: `SELECT name, parent_field, field_type,
		CAST(EXTRACT(EPOCH FROM created_at) AS BIGINT) AS created_unix
		FROM virtual_keys ORDER BY id`,
	insertKeySQL: `INSERT INTO virtual_keys (name, parent_field, field_type)
		VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
	deleteAllSQL:    `TRUNCATE events CASCADE`,
	deleteByDateSQL: `DELETE FROM events WHERE CAST(event_timestamp AT TIME ZONE 'UTC' AS DATE) = CAST(? AS DATE)`,
	nativeTypes: map[models.FieldType]string{
		models.FieldTypeString:  "TEXT",
		models.FieldTypeInteger: "INTEGER",
		models.FieldTypeBigint:  "BIGINT",
		models.FieldTypeFloat:   "DOUBLE PRECISION",
		models.FieldTypeBoolean: "BOOLEAN",
	},
	maxParams: 65535,
	bindTime:  func(t time.Time) any { return t.UTC() },
}

var sqlite = dialect{
	name:       "sqlite",
	driverName: "sqlite3",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS virtual_keys (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT NOT NULL UNIQUE,
			parent_field TEXT NOT NULL DEFAULT 'event_params.key',
			field_type   TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_bundle_sequence_id INTEGER PRIMARY KEY,
			event_name               TEXT,
			event_timestamp          TEXT,
			event_dimensions         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS events_event_timestamp_idx ON events (event_timestamp)`,
	},
	columnExistsSQL: `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
	columnsSQL:      `SELECT name FROM pragma_table_info(?) ORDER BY cid`,
	columnTypeSQL:   `SELECT type FROM pragma_table_info(?) WHERE name = ?`,
	listKeysSQL: `SELECT name, parent_field, field_type,
		CAST(strftime('%s', created_at) AS INTEGER) AS created_unix
		FROM virtual_keys ORDER BY id`,
	insertKeySQL: `INSERT INTO virtual_keys (name, parent_field, field_type)
		VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
	deleteAllSQL:    `DELETE FROM events`,
	deleteByDateSQL: `DELETE FROM events WHERE date(event_timestamp) = ?`,
	nativeTypes: map[models.FieldType]string{
		models.FieldTypeString:  "TEXT",
		models.FieldTypeInteger: "INTEGER",
		models.FieldTypeBigint:  "BIGINT",
		models.FieldTypeFloat:   "REAL",
		models.FieldTypeBoolean: "BOOLEAN",
	},
	maxParams: 32766,
	bindTime:  func(t time.Time) any { return t.UTC().Format("2006-01-02 15:04:05.000000") },
}

func dialectFor(name string) (dialect, error) {
	switch name {
	case "postgres":
		return postgres, nil
	case "sqlite":
		return sqlite, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

func (d dialect) nativeType(t models.FieldType) string {
	if nt, ok := d.nativeTypes[t]; ok {
		return nt
	}
	return d.nativeTypes[models.FieldTypeString]
}

// fieldType maps a catalog type name back to the field type it was created from.
func (d dialect) fieldType(native string) (models.FieldType, bool) {
	for ft, nt := range d.nativeTypes {
		if strings.EqualFold(nt, native) {
			return ft, true
		}
	}
	return "", false
}

// quoteIdent quotes an identifier for both dialects.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
