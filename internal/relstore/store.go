// Package relstore is the relational store behind the events table and the
// virtual key registry. PostgreSQL is the production backend; SQLite serves
// local runs and tests.
package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/schema"
	"github.com/sirupsen/logrus"
)

// Config holds connection settings.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver    string
	DSN       string
	BatchSize int
}

// Store implements schema.Store and the importer's event store.
type Store struct {
	db        *sqlx.DB
	dialect   dialect
	batchSize int
	logger    *logrus.Logger
}

// Open connects to the database and pings it.
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "open relational store", err)
	}
	db, err := sqlx.ConnectContext(ctx, d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.name, err)
	}
	if d.name == sqlite.name {
		// a single writer avoids SQLITE_BUSY between the registry and the
		// events table.
		db.SetMaxOpenConns(1)
	}
	return New(db, cfg.Driver, cfg.BatchSize, logger)
}

// New wraps an existing connection.
func New(db *sqlx.DB, driver string, batchSize int, logger *logrus.Logger) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "open relational store", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Store{db: db, dialect: d, batchSize: batchSize, logger: logger}, nil
}

// Migrate creates the registry and events tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.WithField("driver", s.dialect.name).Debug("relational schema ready")
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) ColumnExists(ctx context.Context, column string) (bool, error) {
	return columnExists(ctx, s.db, s.dialect, column)
}

func (s *Store) Columns(ctx context.Context) ([]string, error) {
	return columns(ctx, s.db, s.dialect)
}

// ColumnType returns the field type a column was declared with.
func (s *Store) ColumnType(ctx context.Context, column string) (models.FieldType, error) {
	var native string
	err := s.db.GetContext(ctx, &native, s.db.Rebind(s.dialect.columnTypeSQL), EventsTable, column)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("column type", "column %s not found", column)
	}
	if err != nil {
		return "", fmt.Errorf("column type %s: %w", column, err)
	}
	ft, ok := s.dialect.fieldType(native)
	if !ok {
		return "", fmt.Errorf("column %s has unmapped type %q", column, native)
	}
	return ft, nil
}

type virtualKeyRow struct {
	Name        string `db:"name"`
	ParentField string `db:"parent_field"`
	FieldType   string `db:"field_type"`
	CreatedUnix int64  `db:"created_unix"`
}

// ListVirtualKeys returns the registry in insertion order.
func (s *Store) ListVirtualKeys(ctx context.Context) ([]models.FieldDefinition, error) {
	var rows []virtualKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.listKeysSQL); err != nil {
		return nil, fmt.Errorf("select virtual keys: %w", err)
	}
	defs := make([]models.FieldDefinition, 0, len(rows))
	for _, r := range rows {
		defs = append(defs, models.FieldDefinition{
			Name:       r.Name,
			ParentPath: r.ParentField,
			Type:       models.FieldType(r.FieldType),
			CreatedAt:  time.Unix(r.CreatedUnix, 0).UTC(),
		})
	}
	return defs, nil
}

// WithTx runs fn in a transaction. DDL is transactional on both backends,
// so a failed AddColumn also discards the registry insert.
func (s *Store) WithTx(ctx context.Context, fn func(tx schema.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txStore{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx      *sqlx.Tx
	dialect dialect
}

func (t *txStore) ColumnExists(ctx context.Context, column string) (bool, error) {
	return columnExists(ctx, t.tx, t.dialect, column)
}

func (t *txStore) Columns(ctx context.Context) ([]string, error) {
	return columns(ctx, t.tx, t.dialect)
}

func (t *txStore) InsertVirtualKey(ctx context.Context, def models.FieldDefinition) error {
	parent := def.ParentPath
	if parent == "" {
		parent = models.DefaultParentPath
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(t.dialect.insertKeySQL), def.Name, parent, string(def.Type))
	return err
}

func (t *txStore) AddColumn(ctx context.Context, column string, ft models.FieldType) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s DEFAULT NULL",
		EventsTable, quoteIdent(column), t.dialect.nativeType(ft))
	_, err := t.tx.ExecContext(ctx, stmt)
	return err
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

func columnExists(ctx context.Context, q queryer, d dialect, column string) (bool, error) {
	var n int
	if err := q.GetContext(ctx, &n, q.Rebind(d.columnExistsSQL), EventsTable, column); err != nil {
		return false, fmt.Errorf("inspect catalog: %w", err)
	}
	return n > 0, nil
}

func columns(ctx context.Context, q queryer, d dialect) ([]string, error) {
	var cols []string
	if err := q.SelectContext(ctx, &cols, q.Rebind(d.columnsSQL), EventsTable); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return cols, nil
}

var _ schema.Store = (*Store)(nil)
