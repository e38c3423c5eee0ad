package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the outbox table name.
type DBContext struct {
	db        DB
	dialect   SQLDialect
	tableName string
	builder   sq.StatementBuilderType
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*
// (must start with a letter or underscore, followed by letters, digits, or underscores).
// An invalid table name will cause a panic when creating the DBContext.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:        db,
		dialect:   dialect,
		tableName: "outbox",
	}

	for _, opt := range opts {
		opt(c)
	}

	err := validateTableName(c.tableName)
	if err != nil {
		panic(err)
	}

	c.builder = sq.StatementBuilder.PlaceholderFormat(c.placeholderFormat())

	return c
}

// Dialect returns the SQL dialect of the context.
func (c *DBContext) Dialect() SQLDialect { return c.dialect }

// TableName returns the outbox table name.
func (c *DBContext) TableName() string { return c.tableName }

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// placeholderFormat returns the placeholder style of the dialect.
func (c *DBContext) placeholderFormat() sq.PlaceholderFormat {
	switch c.dialect {
	case SQLDialectPostgres:
		return sq.Dollar
	case SQLDialectOracle:
		return sq.Colon
	case SQLDialectSQLServer:
		return sq.AtP
	default:
		return sq.Question
	}
}

// recordColumns is the persisted record layout, in scan order.
var recordColumns = []string{
	"id",
	"message_type",
	"event_type",
	"payload_type",
	"payload",
	"topic",
	"message_key",
	"published",
	"created_at",
	"updated_at",
}

// boolValue formats a boolean for the dialect. Oracle stores flags as NUMBER(1).
func (c *DBContext) boolValue(b bool) any {
	if c.dialect != SQLDialectOracle {
		return b
	}
	if b {
		return 1
	}
	return 0
}

func (c *DBContext) buildInsertRecordQuery(rec *Record) (string, []any, error) {
	return c.builder.
		Insert(c.tableName).
		Columns(recordColumns...).
		Values(
			rec.ID,
			string(rec.MessageType),
			rec.EventType,
			rec.PayloadTypeID,
			rec.Payload,
			rec.Topic,
			rec.Key,
			c.boolValue(rec.Published),
			rec.CreatedAt,
			rec.UpdatedAt,
		).
		ToSql()
}

// buildSelectUndeliveredQuery selects unpublished records in creation order.
// A limit <= 0 selects all of them.
func (c *DBContext) buildSelectUndeliveredQuery(limit int) (string, []any, error) {
	q := c.builder.
		Select(recordColumns...).
		From(c.tableName).
		Where(sq.Eq{"published": c.boolValue(false)}).
		OrderBy("created_at ASC", "id ASC")

	if limit > 0 {
		switch c.dialect {
		case SQLDialectOracle:
			q = q.Suffix(fmt.Sprintf("FETCH FIRST %d ROWS ONLY", limit))
		case SQLDialectSQLServer:
			q = q.Options(fmt.Sprintf("TOP (%d)", limit))
		default:
			// nolint:gosec
			q = q.Limit(uint64(limit))
		}
	}

	return q.ToSql()
}

func (c *DBContext) buildMarkPublishedQuery(rec *Record) (string, []any, error) {
	return c.builder.
		Update(c.tableName).
		Set("published", c.boolValue(true)).
		Set("updated_at", rec.UpdatedAt).
		Where(sq.Eq{"id": rec.ID}).
		Where(sq.Eq{"published": c.boolValue(false)}).
		ToSql()
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
