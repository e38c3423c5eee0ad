package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Phase names a persistence lifecycle extension point.
type Phase int

// Lifecycle phases raised by storage adapters before the mutation is committed.
const (
	PhaseInsert Phase = iota + 1
	PhaseUpdate
	PhaseDelete
)

func (p Phase) String() string {
	switch p {
	case PhaseInsert:
		return "insert"
	case PhaseUpdate:
		return "update"
	case PhaseDelete:
		return "delete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) eventType() (string, bool) {
	switch p {
	case PhaseInsert:
		return EventTypeInsert, true
	case PhaseUpdate:
		return EventTypeUpdate, true
	case PhaseDelete:
		return EventTypeDelete, true
	default:
		return "", false
	}
}

// LifecycleEvent is raised by a storage adapter for every entity it inserts,
// updates or deletes.
type LifecycleEvent struct {
	Phase Phase

	// Entity is the affected entity. For inserts and updates it holds the
	// post-mutation state, for deletes the last known state.
	Entity any

	// Dirty reports whether an update changed scalar or collection state.
	// It is ignored for inserts and deletes.
	Dirty bool

	// Session is the transaction the mutation runs in. When nil, the ambient
	// session of the context is used.
	Session Session
}

// LifecycleListener receives lifecycle events. A non-nil error must fail the
// enclosing transaction.
type LifecycleListener interface {
	OnLifecycleEvent(ctx context.Context, ev LifecycleEvent) error
}

// CaptureError indicates that an outbox record could not be built or persisted
// for a mutation or business operation. It always aborts the enclosing transaction.
type CaptureError struct {
	MessageType MessageType
	EventType   string
	Source      string
	Err         error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capturing %s %s of %s: %v", e.MessageType, e.EventType, e.Source, e.Err)
}
func (e *CaptureError) Unwrap() error { return e.Err }

// CaptureOption configures EntityCapture and OperationCapture instances.
type CaptureOption func(*recordFactory)

// WithTopicResolver sets how topics are derived from source types.
// Default is PrefixTopics(DefaultTopicPrefix).
func WithTopicResolver(resolver TopicResolver) CaptureOption {
	return func(f *recordFactory) {
		if resolver != nil {
			f.topics = resolver
		}
	}
}

// WithIDGenerator sets the record id generator. Default is a snowflake generator on the
// node read from OUTBOX_NODE_ID (0 when unset). Processes writing to the same outbox table
// must use distinct nodes, otherwise their record ids can collide.
func WithIDGenerator(ids IDGenerator) CaptureOption {
	return func(f *recordFactory) {
		if ids != nil {
			f.ids = ids
		}
	}
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) CaptureOption {
	return func(f *recordFactory) {
		if now != nil {
			f.now = now
		}
	}
}

// WithCaptureLogger sets the logger. Default is a no-op logger.
func WithCaptureLogger(logger *zap.Logger) CaptureOption {
	return func(f *recordFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// recordFactory turns capturable subjects into outbox records.
type recordFactory struct {
	codec  *Codec
	topics TopicResolver
	ids    IDGenerator
	now    func() time.Time
	logger *zap.Logger
}

func newRecordFactory(codec *Codec, opts []CaptureOption) recordFactory {
	if codec == nil {
		panic("outbox: nil codec")
	}

	f := recordFactory{
		codec:  codec,
		topics: PrefixTopics(DefaultTopicPrefix),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&f)
	}
	if f.ids == nil {
		f.ids = defaultIDGenerator()
	}

	return f
}

func (f *recordFactory) build(messageType MessageType, eventType string, subject Capturable) (*Record, error) {
	payload, err := subject.MessagePayload()
	if err != nil {
		return nil, fmt.Errorf("building payload: %w", err)
	}
	key, err := subject.MessageKey()
	if err != nil {
		return nil, fmt.Errorf("building message key: %w", err)
	}

	typeID := subject.PayloadTypeID()
	text, err := f.codec.Encode(typeID, payload)
	if err != nil {
		return nil, err
	}

	now := f.now().UTC()
	return &Record{
		ID:            f.ids.NextID(),
		MessageType:   messageType,
		EventType:     eventType,
		PayloadTypeID: typeID,
		Payload:       text,
		Topic:         f.topics.Resolve(SourceType(subject)),
		Key:           key,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// EntityCapture is the LifecycleListener that records entity changes in the outbox.
//
// Entities that do not implement Capturable are ignored, as are updates that did
// not change any state. Records are persisted through the event session; the
// transaction itself is never opened or committed here.
type EntityCapture struct {
	factory recordFactory
}

// NewEntityCapture creates an EntityCapture encoding payloads with codec.
func NewEntityCapture(codec *Codec, opts ...CaptureOption) *EntityCapture {
	return &EntityCapture{factory: newRecordFactory(codec, opts)}
}

// OnLifecycleEvent implements LifecycleListener.
func (c *EntityCapture) OnLifecycleEvent(ctx context.Context, ev LifecycleEvent) error {
	subject, ok := ev.Entity.(Capturable)
	if !ok {
		return nil
	}

	source := SourceType(ev.Entity)
	eventType, ok := ev.Phase.eventType()
	if !ok {
		return &CaptureError{
			MessageType: MessageTypeEntityChange,
			EventType:   ev.Phase.String(),
			Source:      source,
			Err:         fmt.Errorf("unknown lifecycle phase"),
		}
	}

	if ev.Phase == PhaseUpdate && !ev.Dirty {
		c.factory.logger.Debug("skipping unchanged entity", zap.String("source", source))
		return nil
	}

	fail := func(err error) error {
		return &CaptureError{MessageType: MessageTypeEntityChange, EventType: eventType, Source: source, Err: err}
	}

	session := ev.Session
	if session == nil {
		var err error
		if session, err = RequireSession(ctx, ""); err != nil {
			return fail(err)
		}
	}

	rec, err := c.factory.build(MessageTypeEntityChange, eventType, subject)
	if err != nil {
		return fail(err)
	}
	if err := session.Persist(ctx, rec); err != nil {
		return fail(fmt.Errorf("persisting outbox record: %w", err))
	}

	c.factory.logger.Debug("captured entity change",
		zap.Int64("record_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("topic", rec.Topic),
		zap.String("key", rec.Key),
	)

	return nil
}
