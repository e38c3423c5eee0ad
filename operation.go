package outbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SubjectFunc derives the capturable subject of a business operation from the
// argument it was called with and the result it returned.
type SubjectFunc func(arg, result any) (Capturable, error)

// ArgSubject is a SubjectFunc for operations whose argument is itself capturable.
func ArgSubject(arg, _ any) (Capturable, error) {
	c, ok := arg.(Capturable)
	if !ok {
		return nil, fmt.Errorf("argument %T is not capturable", arg)
	}
	return c, nil
}

// ResultSubject is a SubjectFunc for operations whose result is capturable.
func ResultSubject(_, result any) (Capturable, error) {
	c, ok := result.(Capturable)
	if !ok {
		return nil, fmt.Errorf("result %T is not capturable", result)
	}
	return c, nil
}

// OperationCapture records business operations in the outbox.
//
// Operations are declared with Map, which tells how to derive the affected subject
// of each named operation. Service methods are then wrapped with Intercept or
// InterceptAction when the service is constructed.
type OperationCapture struct {
	factory recordFactory

	mu       sync.RWMutex
	subjects map[string]SubjectFunc
}

// NewOperationCapture creates an OperationCapture encoding payloads with codec.
func NewOperationCapture(codec *Codec, opts ...CaptureOption) *OperationCapture {
	return &OperationCapture{
		factory:  newRecordFactory(codec, opts),
		subjects: make(map[string]SubjectFunc),
	}
}

// Map declares operation name and the function deriving its subject.
// It panics if name is empty, fn is nil or name is already mapped.
func (oc *OperationCapture) Map(name string, fn SubjectFunc) *OperationCapture {
	if name == "" {
		panic("outbox: empty operation name")
	}
	if fn == nil {
		panic(fmt.Sprintf("outbox: nil subject func for operation %q", name))
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	if _, exists := oc.subjects[name]; exists {
		panic(fmt.Sprintf("outbox: operation %q already mapped", name))
	}
	oc.subjects[name] = fn
	return oc
}

// Mapped reports whether name has been declared with Map.
func (oc *OperationCapture) Mapped(name string) bool {
	_, ok := oc.subject(name)
	return ok
}

func (oc *OperationCapture) subject(name string) (SubjectFunc, bool) {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	fn, ok := oc.subjects[name]
	return fn, ok
}

// Capture persists a BUSINESS_OPERATION record for a completed operation in the
// ambient transaction of ctx.
func (oc *OperationCapture) Capture(ctx context.Context, name string, arg, result any) error {
	fail := func(source string, err error) error {
		return &CaptureError{MessageType: MessageTypeBusinessOperation, EventType: name, Source: source, Err: err}
	}

	fn, ok := oc.subject(name)
	if !ok {
		return fail("", fmt.Errorf("operation %q is not mapped", name))
	}
	session, err := RequireSession(ctx, name)
	if err != nil {
		return err
	}

	subject, err := fn(arg, result)
	if err != nil {
		return fail("", fmt.Errorf("deriving subject: %w", err))
	}
	if subject == nil {
		return fail("", fmt.Errorf("deriving subject: nil subject"))
	}

	source := SourceType(subject)
	rec, err := oc.factory.build(MessageTypeBusinessOperation, name, subject)
	if err != nil {
		return fail(source, err)
	}
	if err := session.Persist(ctx, rec); err != nil {
		return fail(source, fmt.Errorf("persisting outbox record: %w", err))
	}

	oc.factory.logger.Debug("captured business operation",
		zap.Int64("record_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("topic", rec.Topic),
		zap.String("key", rec.Key),
	)

	return nil
}

func (oc *OperationCapture) mustBeMapped(name string) {
	if !oc.Mapped(name) {
		panic(fmt.Sprintf("outbox: operation %q is not mapped", name))
	}
}

// Intercept wraps fn so that each successful call records the business operation
// name in the caller's transaction.
//
// The wrapped function joins the ambient transaction of its context and fails with
// *MissingTransactionError, without running fn, if there is none. Errors returned by
// fn are passed through unchanged and nothing is recorded. If the record cannot be
// captured, a *CaptureError is returned and the caller must roll back.
//
// Intercept panics if name has not been mapped.
func Intercept[A, R any](oc *OperationCapture, name string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	oc.mustBeMapped(name)

	return func(ctx context.Context, arg A) (R, error) {
		var zero R
		if _, err := RequireSession(ctx, name); err != nil {
			return zero, err
		}

		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}

		if err := oc.Capture(ctx, name, arg, result); err != nil {
			return zero, err
		}
		return result, nil
	}
}

// InterceptAction is Intercept for operations without a result.
func InterceptAction[A any](oc *OperationCapture, name string, fn func(context.Context, A) error) func(context.Context, A) error {
	wrapped := Intercept(oc, name, func(ctx context.Context, arg A) (struct{}, error) {
		return struct{}{}, fn(ctx, arg)
	})
	return func(ctx context.Context, arg A) error {
		_, err := wrapped(ctx, arg)
		return err
	}
}
