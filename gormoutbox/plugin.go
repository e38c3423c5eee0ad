// Package gormoutbox captures entity changes made through GORM into the outbox.
//
// The Plugin registers create, update and delete callbacks that raise lifecycle events
// for every affected entity, in the transaction GORM runs the statement in:
//
//	capture := outbox.NewEntityCapture(codec)
//	plugin := gormoutbox.New(capture)
//	if err := db.Use(plugin); err != nil {
//		return err
//	}
//
//	err := plugin.Transaction(ctx, db, func(ctx context.Context, tx *gorm.DB) error {
//		return tx.Create(&foo).Error
//	})
//
// Callbacks run before GORM commits its default transaction, and a capture failure is
// added to the statement error, which rolls the transaction back. With
// SkipDefaultTransaction, statements must run inside an explicit transaction.
//
// Deletes record the last known state of every deleted row, loaded before the delete,
// including deletes by condition such as db.Delete(&Foo{}, id).
package gormoutbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	outbox "github.com/oagudo/contract-outbox"
)

// DefaultTableName is the outbox table used when none is configured.
const DefaultTableName = "outbox"

const (
	snapshotsKey       = "outbox:snapshots"
	deleteSnapshotsKey = "outbox:delete_snapshots"
)

var capturableType = reflect.TypeOf((*outbox.Capturable)(nil)).Elem()

// Option configures a Plugin or a Store.
type Option func(*config)

type config struct {
	table  string
	logger *zap.Logger
}

// WithTableName sets the outbox table. Default is "outbox".
func WithTableName(table string) Option {
	return func(c *config) {
		if table != "" {
			c.table = table
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConfig(opts []Option) config {
	c := config{table: DefaultTableName, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Plugin is a gorm.Plugin raising outbox lifecycle events.
type Plugin struct {
	listener outbox.LifecycleListener
	config
}

// New creates a Plugin delivering lifecycle events to listener, typically an *outbox.EntityCapture.
func New(listener outbox.LifecycleListener, opts ...Option) *Plugin {
	return &Plugin{listener: listener, config: newConfig(opts)}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string { return "outbox" }

// Initialize implements gorm.Plugin.
func (p *Plugin) Initialize(db *gorm.DB) error {
	if p.listener == nil {
		return errors.New("gormoutbox: nil lifecycle listener")
	}

	// Capture runs inside the statement's transaction, before GORM commits it. Parents are
	// captured before the associations saved after them.
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Before("gorm:save_after_associations").
		Register("outbox:after_create", p.afterCreate); err != nil {
		return fmt.Errorf("registering create callback: %w", err)
	}
	if err := cb.Update().Before("gorm:update").Register("outbox:before_update", p.beforeUpdate); err != nil {
		return fmt.Errorf("registering update callback: %w", err)
	}
	if err := cb.Update().After("gorm:update").Before("gorm:save_after_associations").
		Register("outbox:after_update", p.afterUpdate); err != nil {
		return fmt.Errorf("registering update callback: %w", err)
	}
	if err := cb.Delete().Before("gorm:delete").Register("outbox:before_delete", p.beforeDelete); err != nil {
		return fmt.Errorf("registering delete callback: %w", err)
	}
	if err := cb.Delete().After("gorm:delete").Before("gorm:commit_or_rollback_transaction").
		Register("outbox:after_delete", p.afterDelete); err != nil {
		return fmt.Errorf("registering delete callback: %w", err)
	}
	return nil
}

// Session returns an outbox.Session inserting records through tx.
func (p *Plugin) Session(tx *gorm.DB) outbox.Session {
	return &session{db: tx, table: p.table}
}

// Transaction runs fn in a transaction of db. The context passed to fn carries the
// transaction as ambient outbox session, so that business operations intercepted with
// outbox.Intercept inside fn are captured in it.
func (p *Plugin) Transaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ctx := outbox.ContextWithSession(ctx, p.Session(tx))
		return fn(ctx, tx.WithContext(ctx))
	})
}

// TxFromContext returns the transaction of the ambient session opened by
// Plugin.Transaction, bound to ctx.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	s, ok := outbox.SessionFromContext(ctx)
	if !ok {
		return nil, false
	}
	gs, ok := s.(*session)
	if !ok {
		return nil, false
	}
	return gs.db.WithContext(ctx), true
}

type session struct {
	db    *gorm.DB
	table string
}

func (s *session) Persist(ctx context.Context, rec *outbox.Record) error {
	err := s.db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
		WithContext(ctx).
		Table(s.table).
		Create(fromRecord(rec)).
		Error
	if err != nil {
		return fmt.Errorf("inserting outbox record: %w", err)
	}
	return nil
}

func (p *Plugin) afterCreate(db *gorm.DB) {
	if !p.applies(db) {
		return
	}
	for _, entity := range entities(db.Statement.ReflectValue) {
		if !p.raise(db, outbox.PhaseInsert, entity.Addr().Interface(), false) {
			return
		}
	}
}

// beforeUpdate loads the stored state of every updated entity so that afterUpdate can
// tell whether the update changed its payload.
func (p *Plugin) beforeUpdate(db *gorm.DB) {
	if !p.applies(db) {
		return
	}
	pk := db.Statement.Schema.PrioritizedPrimaryField
	if pk == nil {
		return
	}

	snapshots := map[int]outbox.Capturable{}
	for i, entity := range entities(db.Statement.ReflectValue) {
		if _, ok := entity.Addr().Interface().(outbox.Capturable); !ok {
			continue
		}
		id, zero := pk.ValueOf(db.Statement.Context, entity)
		if zero {
			continue
		}

		before := reflect.New(entity.Type())
		err := db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
			Table(db.Statement.Table).
			Where(clause.Eq{Column: clause.Column{Name: pk.DBName}, Value: id}).
			Take(before.Interface()).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			_ = db.AddError(fmt.Errorf("loading %s before update: %w", outbox.SourceType(before.Interface()), err))
			return
		}
		snapshots[i] = before.Interface().(outbox.Capturable)
	}
	db.InstanceSet(snapshotsKey, snapshots)
}

func (p *Plugin) afterUpdate(db *gorm.DB) {
	if !p.applies(db) {
		return
	}
	pk := db.Statement.Schema.PrioritizedPrimaryField
	var snapshots map[int]outbox.Capturable
	if v, ok := db.InstanceGet(snapshotsKey); ok {
		snapshots, _ = v.(map[int]outbox.Capturable)
	}

	for i, entity := range entities(db.Statement.ReflectValue) {
		if pk != nil {
			if _, zero := pk.ValueOf(db.Statement.Context, entity); zero {
				// batch update by condition: the affected rows are unknown
				p.logger.Debug("skipping update without primary key", zap.String("table", db.Statement.Table))
				continue
			}
		}

		current := entity.Addr().Interface()
		dirty := db.Statement.RowsAffected > 0
		if before, ok := snapshots[i]; ok {
			changed, err := outbox.PayloadChanged(before, current.(outbox.Capturable))
			if err != nil {
				_ = db.AddError(fmt.Errorf("comparing %s payloads: %w", outbox.SourceType(current), err))
				return
			}
			dirty = changed
		}

		if !p.raise(db, outbox.PhaseUpdate, current, dirty) {
			return
		}
	}
}

// beforeDelete loads, and locks, the rows the statement is about to delete, so that
// afterDelete can record their last known state. Deletes by condition such as
// db.Delete(&Foo{}, id) are resolved the same way as deletes of loaded entities.
func (p *Plugin) beforeDelete(db *gorm.DB) {
	if !p.applies(db) {
		return
	}
	stmt := db.Statement
	modelType := stmt.Schema.ModelType
	if !reflect.PointerTo(modelType).Implements(capturableType) {
		return
	}

	var conds []clause.Expression
	if c, ok := stmt.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok {
			conds = append(conds, where.Exprs...)
		}
	}
	if stmt.ReflectValue.IsValid() && len(stmt.Schema.PrimaryFields) > 0 {
		_, ids := schema.GetIdentityFieldValuesMap(stmt.Context, stmt.ReflectValue, stmt.Schema.PrimaryFields)
		column, values := schema.ToQueryValues(stmt.Table, stmt.Schema.PrimaryFieldDBNames, ids)
		if len(values) > 0 {
			conds = append(conds, clause.IN{Column: column, Values: values})
		}
	}
	if len(conds) == 0 && !db.AllowGlobalUpdate {
		// GORM rejects the statement with ErrMissingWhereClause
		return
	}

	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(modelType)))
	query := db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
		Model(reflect.New(modelType).Interface()).
		Table(stmt.Table)
	if db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if stmt.Unscoped {
		query = query.Unscoped()
	}
	if len(conds) > 0 {
		query = query.Clauses(clause.Where{Exprs: conds})
	}
	if err := query.Find(rows.Interface()).Error; err != nil {
		p.fail(db, outbox.EventTypeDelete, modelType, fmt.Errorf("loading rows before delete: %w", err))
		return
	}

	snapshots := make([]outbox.Capturable, 0, rows.Elem().Len())
	for i := 0; i < rows.Elem().Len(); i++ {
		snapshots = append(snapshots, rows.Elem().Index(i).Interface().(outbox.Capturable))
	}
	db.InstanceSet(deleteSnapshotsKey, snapshots)
}

func (p *Plugin) afterDelete(db *gorm.DB) {
	if !p.applies(db) || db.Statement.RowsAffected == 0 {
		return
	}
	v, ok := db.InstanceGet(deleteSnapshotsKey)
	if !ok {
		return
	}
	snapshots, _ := v.([]outbox.Capturable)

	if int(db.Statement.RowsAffected) > len(snapshots) {
		p.fail(db, outbox.EventTypeDelete, db.Statement.Schema.ModelType,
			fmt.Errorf("%d rows deleted but %d loaded before delete", db.Statement.RowsAffected, len(snapshots)))
		return
	}
	for _, before := range snapshots {
		if !p.raise(db, outbox.PhaseDelete, before, false) {
			return
		}
	}
}

func (p *Plugin) fail(db *gorm.DB, eventType string, modelType reflect.Type, err error) {
	_ = db.AddError(&outbox.CaptureError{
		MessageType: outbox.MessageTypeEntityChange,
		EventType:   eventType,
		Source:      modelType.Name(),
		Err:         err,
	})
}

func (p *Plugin) applies(db *gorm.DB) bool {
	return db.Error == nil && db.Statement.Schema != nil && db.Statement.Table != p.table
}

// raise delivers one event and reports whether processing should continue.
func (p *Plugin) raise(db *gorm.DB, phase outbox.Phase, entity any, dirty bool) bool {
	err := p.listener.OnLifecycleEvent(db.Statement.Context, outbox.LifecycleEvent{
		Phase:   phase,
		Entity:  entity,
		Dirty:   dirty,
		Session: p.Session(db),
	})
	if err != nil {
		_ = db.AddError(err)
		return false
	}
	return true
}

// entities returns the addressable structs held by v, which is a struct or a
// slice or array of structs or struct pointers.
func entities(v reflect.Value) []reflect.Value {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		if v.CanAddr() {
			return []reflect.Value{v}
		}
	case reflect.Slice, reflect.Array:
		out := make([]reflect.Value, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem := reflect.Indirect(v.Index(i))
			if elem.Kind() == reflect.Struct && elem.CanAddr() {
				out = append(out, elem)
			}
		}
		return out
	}
	return nil
}
