package outbox

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Writer runs user defined queries within a managed database transaction and
// captures the entity changes they report into the outbox table of that same transaction.
type Writer struct {
	dbCtx    *DBContext
	listener LifecycleListener
}

// WriteFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and reports the mutated entities to tracker.
// The Writer commits or rolls back the transaction once the callback completes.
//
// The ctx passed to the callback carries the transaction as ambient session, so
// business operations wrapped with Intercept can be called from it.
type WriteFunc func(ctx context.Context, tx TxQueryer, tracker *Tracker) error

// NewWriter creates a new Writer raising lifecycle events to listener,
// typically an *EntityCapture.
func NewWriter(dbCtx *DBContext, listener LifecycleListener) *Writer {
	return &Writer{
		dbCtx:    dbCtx,
		listener: listener,
	}
}

// Write executes fn within a managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Outbox records captured through the tracker are
// committed atomically with your database changes, and a capture failure rolls
// everything back.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, tracker *outbox.Tracker) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO foo (id, name, active) VALUES ($1, $2, $3)", foo.ID, foo.Name, foo.Active)
//	    if err != nil {
//	        return err
//	    }
//	    return tracker.Inserted(ctx, foo)
//	})
func (w *Writer) Write(ctx context.Context, fn WriteFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	ctx, tracker := w.Join(ctx, tx)

	err = fn(ctx, tx, tracker)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Join attaches a caller managed transaction as ambient session of the returned
// context and returns a tracker bound to it.
//
// Join does not commit or roll back tx: it is the responsibility of the caller,
// who must roll back when a tracker call or an intercepted operation fails.
func (w *Writer) Join(ctx context.Context, tx TxQueryer) (context.Context, *Tracker) {
	session := w.dbCtx.Session(tx)
	return ContextWithSession(ctx, session), &Tracker{listener: w.listener, session: session}
}

// Tracker reports entity mutations performed with raw queries to the capture hook.
type Tracker struct {
	listener LifecycleListener
	session  Session
}

// Inserted reports that entity has been inserted.
func (t *Tracker) Inserted(ctx context.Context, entity any) error {
	return t.raise(ctx, PhaseInsert, entity, true)
}

// Updated reports that entity has been saved. dirty tells whether any scalar or
// collection state actually changed; unchanged saves are not recorded.
func (t *Tracker) Updated(ctx context.Context, entity any, dirty bool) error {
	return t.raise(ctx, PhaseUpdate, entity, dirty)
}

// Saved reports an update of before into after, deriving dirtiness by comparing their payloads.
func (t *Tracker) Saved(ctx context.Context, before, after Capturable) error {
	dirty, err := PayloadChanged(before, after)
	if err != nil {
		return &CaptureError{MessageType: MessageTypeEntityChange, EventType: EventTypeUpdate, Source: SourceType(after), Err: err}
	}
	return t.Updated(ctx, after, dirty)
}

// Deleted reports that entity has been deleted. entity should hold its last known state.
func (t *Tracker) Deleted(ctx context.Context, entity any) error {
	return t.raise(ctx, PhaseDelete, entity, true)
}

func (t *Tracker) raise(ctx context.Context, phase Phase, entity any, dirty bool) error {
	return t.listener.OnLifecycleEvent(ctx, LifecycleEvent{
		Phase:   phase,
		Entity:  entity,
		Dirty:   dirty,
		Session: t.session,
	})
}

// PayloadChanged reports whether two states of an entity produce different payloads.
func PayloadChanged(before, after Capturable) (bool, error) {
	a, err := before.MessagePayload()
	if err != nil {
		return false, fmt.Errorf("building previous payload: %w", err)
	}
	b, err := after.MessagePayload()
	if err != nil {
		return false, fmt.Errorf("building current payload: %w", err)
	}
	return !proto.Equal(a, b), nil
}
