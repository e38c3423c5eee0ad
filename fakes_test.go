package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type execCall struct {
	query string
	args  []any
}

type fakeResult struct {
	rows    int64
	rowsErr error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.rowsErr }

// fakeDB is an in-memory database. Outbox inserts executed in a transaction become
// visible once it commits. It also implements Store over the committed records.
type fakeDB struct {
	beginTxErr error
	execErr    error
	result     fakeResult
	tx         *fakeTx

	mu        sync.Mutex
	records   []*Record
	execs     []execCall
	findErr   error
	markErr   func(rec *Record) error
	findCalls int
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	if f.tx != nil {
		return f.tx, nil
	}
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{query: query, args: args})
	return f.result, f.execErr
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) committed() []*Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Record, 0, len(f.records))
	for _, rec := range f.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

func (f *fakeDB) add(recs ...*Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		cp := *rec
		f.records = append(f.records, &cp)
	}
}

func (f *fakeDB) FindUndelivered(_ context.Context, limit int) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}

	var pending []*Record
	for _, rec := range f.records {
		if !rec.Published {
			cp := *rec
			pending = append(pending, &cp)
		}
	}
	slices.SortStableFunc(pending, func(a, b *Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (f *fakeDB) MarkPublished(_ context.Context, rec *Record) error {
	if f.markErr != nil {
		if err := f.markErr(rec); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stored := range f.records {
		if stored.ID == rec.ID && !stored.Published {
			stored.Published = rec.Published
			stored.UpdatedAt = rec.UpdatedAt
			return nil
		}
	}
	return ErrRecordNotPending
}

type fakeTx struct {
	db *fakeDB

	execErr     error
	commitErr   error
	rollbackErr error

	execs      []execCall
	pending    []*Record
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	if f.execErr != nil {
		return nil, f.execErr
	}
	if strings.HasPrefix(query, "INSERT INTO outbox ") {
		rec, err := recordFromArgs(args)
		if err != nil {
			return nil, err
		}
		f.pending = append(f.pending, rec)
	}
	return fakeResult{rows: 1}, nil
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	if f.commitErr != nil {
		return f.commitErr
	}
	if f.db != nil {
		f.db.add(f.pending...)
	}
	return nil
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	f.pending = nil
	return f.rollbackErr
}

func (f *fakeTx) outboxInserts() int {
	n := 0
	for _, e := range f.execs {
		if strings.HasPrefix(e.query, "INSERT INTO outbox ") {
			n++
		}
	}
	return n
}

// recordFromArgs rebuilds a record from the arguments of the outbox insert,
// which follow recordColumns.
func recordFromArgs(args []any) (*Record, error) {
	if len(args) != len(recordColumns) {
		return nil, fmt.Errorf("expected %d args, got %d", len(recordColumns), len(args))
	}
	return &Record{
		ID:            args[0].(int64),
		MessageType:   MessageType(args[1].(string)),
		EventType:     args[2].(string),
		PayloadTypeID: args[3].(string),
		Payload:       args[4].(string),
		Topic:         args[5].(string),
		Key:           args[6].(string),
		Published:     args[7].(bool),
		CreatedAt:     args[8].(time.Time),
		UpdatedAt:     args[9].(time.Time),
	}, nil
}

// memSession collects persisted records.
type memSession struct {
	err     error
	records []*Record
}

func (s *memSession) Persist(_ context.Context, rec *Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

// fakePublisher records deliveries and fails according to failOn.
type fakePublisher struct {
	mu        sync.Mutex
	failOn    func(call int, d *Delivery) error
	calls     int
	delivered []*Delivery
}

func (p *fakePublisher) Publish(_ context.Context, d *Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOn != nil {
		if err := p.failOn(p.calls, d); err != nil {
			return err
		}
	}
	p.delivered = append(p.delivered, d)
	return nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.delivered))
	for _, d := range p.delivered {
		keys = append(keys, d.Headers[HeaderMessageID])
	}
	return keys
}

// sequentialIDs hands out 1, 2, 3...
func sequentialIDs() IDGenerator {
	var mu sync.Mutex
	var next int64
	return IDGeneratorFunc(func() int64 {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	})
}

// steppingClock advances one millisecond per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

// Foo, Bar and FooOperation mirror a small domain used across tests.

type Foo struct {
	ID     int64
	Name   string
	Active bool
	Bars   []*Bar
}

func (f *Foo) MessagePayload() (proto.Message, error) {
	if f.ID == 0 {
		return nil, errors.New("foo has no id")
	}
	return structpb.NewStruct(map[string]any{
		"id":     fmt.Sprint(f.ID),
		"name":   f.Name,
		"active": f.Active,
	})
}

func (f *Foo) PayloadTypeID() string { return payloadTypeStruct }

func (f *Foo) MessageKey() (string, error) {
	if f.ID == 0 {
		return "", errors.New("foo has no id")
	}
	return fmt.Sprint(f.ID), nil
}

type Bar struct {
	ID    int64
	FooID int64
	Name  string
}

func (b *Bar) MessagePayload() (proto.Message, error) {
	return structpb.NewStruct(map[string]any{
		"id":    fmt.Sprint(b.ID),
		"fooId": fmt.Sprint(b.FooID),
		"name":  b.Name,
	})
}

func (b *Bar) PayloadTypeID() string { return payloadTypeStruct }

func (b *Bar) MessageKey() (string, error) { return fmt.Sprint(b.ID), nil }

type FooOperation struct {
	FooID     int64
	Operation string
}

func (o *FooOperation) MessagePayload() (proto.Message, error) {
	return structpb.NewStruct(map[string]any{
		"fooId":     fmt.Sprint(o.FooID),
		"operation": o.Operation,
	})
}

func (o *FooOperation) PayloadTypeID() string { return payloadTypeStruct }

func (o *FooOperation) MessageKey() (string, error) { return fmt.Sprint(o.FooID), nil }

type notCapturable struct{ ID int64 }

const payloadTypeStruct = "google.protobuf.Struct"

func newTestCodec() *Codec {
	codec := NewCodec()
	if err := codec.Register(&structpb.Struct{}); err != nil {
		panic(err)
	}
	return codec
}

func testCaptureOptions() []CaptureOption {
	return []CaptureOption{WithIDGenerator(sequentialIDs()), WithClock(steppingClock())}
}
