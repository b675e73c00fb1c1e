// Package warehouse reads GA4 export rows from the ClickHouse mirror of the
// daily events_YYYYMMDD tables.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// PartitionLayout is the date suffix of a daily table.
const PartitionLayout = "20060102"

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config holds ClickHouse connection settings.
type Config struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	TablePrefix string
	DialTimeout time.Duration
}

type querier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// ClickHouseSource fetches flattened (event, parameter) rows.
type ClickHouseSource struct {
	conn   driver.Conn
	q      querier
	prefix string
	logger *logrus.Logger
}

// NewClickHouseSource connects and pings the warehouse.
func NewClickHouseSource(ctx context.Context, cfg Config, logger *logrus.Logger) (*ClickHouseSource, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = "events_"
	}
	if !prefixRe.MatchString(cfg.TablePrefix) {
		return nil, apperr.Configuration("open warehouse", "invalid table prefix %q", cfg.TablePrefix)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, apperr.Wrap(apperr.KindTransientService, "ping ClickHouse", err)
	}

	logger.WithFields(logrus.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("connected to ClickHouse warehouse")

	return &ClickHouseSource{conn: conn, q: conn, prefix: cfg.TablePrefix, logger: logger}, nil
}

// PartitionTable returns the daily table holding date.
func PartitionTable(prefix string, date time.Time) string {
	return prefix + date.UTC().Format(PartitionLayout)
}

// BuildQuery renders the row query over every daily table, or over the
// single partition for date when it is non-nil.
func BuildQuery(prefix string, date *time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			event_bundle_sequence_id,
			event_timestamp,
			event_name,
			event_params.key AS param_key,
			tupleElement(event_params.value, 'string_value') AS string_value,
			tupleElement(event_params.value, 'int_value') AS int_value,
			tupleElement(event_params.value, 'float_value') AS float_value,
			tupleElement(event_params.value, 'double_value') AS double_value
		FROM merge(currentDatabase(), '^`)
	b.WriteString(prefix)
	b.WriteString(`')
		LEFT ARRAY JOIN event_params`)

	var args []any
	if date != nil {
		b.WriteString(`
		WHERE _table = ?`)
		args = append(args, PartitionTable(prefix, *date))
	}
	b.WriteString(`
		ORDER BY event_bundle_sequence_id`)
	return b.String(), args
}

// FetchRows reads all rows, or one day's partition when date is non-nil.
// Events without parameters come back as a single row with an empty key.
func (c *ClickHouseSource) FetchRows(ctx context.Context, date *time.Time) ([]models.SourceRow, error) {
	query, args := BuildQuery(c.prefix, date)

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "query warehouse", err)
	}
	defer rows.Close()

	var out []models.SourceRow
	for rows.Next() {
		var r models.SourceRow
		if err := rows.Scan(
			&r.EventID,
			&r.EventTimestamp,
			&r.EventName,
			&r.ParamKey,
			&r.Value.StringValue,
			&r.Value.IntValue,
			&r.Value.FloatValue,
			&r.Value.DoubleValue,
		); err != nil {
			return nil, fmt.Errorf("failed to scan warehouse row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientService, "iterate warehouse rows", err)
	}

	fields := logrus.Fields{"rows": len(out)}
	if date != nil {
		fields["partition"] = PartitionTable(c.prefix, *date)
	}
	c.logger.WithFields(fields).Info("fetched warehouse rows")
	return out, nil
}

// Ping checks the connection.
func (c *ClickHouseSource) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection.
func (c *ClickHouseSource) Close() error {
	return c.conn.Close()
}
