package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ErrRecordNotPending is returned by MarkPublished when the record does not exist
// or was already marked published.
var ErrRecordNotPending = errors.New("outbox record is missing or already published")

// SQLStore is the Store backed by the outbox table of a DBContext.
type SQLStore struct {
	dbCtx *DBContext
}

// NewSQLStore creates a Store reading from and updating the outbox table of dbCtx.
func NewSQLStore(dbCtx *DBContext) *SQLStore {
	return &SQLStore{dbCtx: dbCtx}
}

// FindUndelivered implements Store.
func (s *SQLStore) FindUndelivered(ctx context.Context, limit int) ([]*Record, error) {
	query, args, err := s.dbCtx.buildSelectUndeliveredQuery(limit)
	if err != nil {
		return nil, fmt.Errorf("building outbox query: %w", err)
	}

	rows, err := s.dbCtx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var messageType string
		var published flag
		err := rows.Scan(
			&rec.ID,
			&messageType,
			&rec.EventType,
			&rec.PayloadTypeID,
			&rec.Payload,
			&rec.Topic,
			&rec.Key,
			&published,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}
		rec.MessageType = MessageType(messageType)
		rec.Published = bool(published)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}
	return records, nil
}

// MarkPublished implements Store. It only updates records that are still unpublished
// and returns ErrRecordNotPending otherwise.
func (s *SQLStore) MarkPublished(ctx context.Context, rec *Record) error {
	query, args, err := s.dbCtx.buildMarkPublishedQuery(rec)
	if err != nil {
		return fmt.Errorf("building outbox update: %w", err)
	}

	res, err := s.dbCtx.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking record %d published: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the update itself succeeded.
		return nil
	}
	if n == 0 {
		return fmt.Errorf("marking record %d published: %w", rec.ID, ErrRecordNotPending)
	}
	return nil
}

// Session returns a Session inserting records with tx.
func (c *DBContext) Session(tx TxQueryer) Session {
	return &sqlSession{dbCtx: c, tx: tx}
}

type sqlSession struct {
	dbCtx *DBContext
	tx    TxQueryer
}

func (s *sqlSession) Persist(ctx context.Context, rec *Record) error {
	query, args, err := s.dbCtx.buildInsertRecordQuery(rec)
	if err != nil {
		return fmt.Errorf("building outbox insert: %w", err)
	}

	_, err = s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storing record in outbox: %w", err)
	}
	return nil
}

// flag scans booleans stored natively or as numbers.
type flag bool

func (f *flag) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = false
	case bool:
		*f = flag(v)
	case int64:
		*f = v != 0
	case float64:
		*f = v != 0
	case []byte:
		return f.parse(string(v))
	case string:
		return f.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into published flag", src)
	}
	return nil
}

func (f *flag) parse(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("parsing published flag %q: %w", s, err)
	}
	*f = flag(b)
	return nil
}

var _ sql.Scanner = (*flag)(nil)
