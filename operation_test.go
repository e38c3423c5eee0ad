package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fooOperation(name string) SubjectFunc {
	return func(arg, _ any) (Capturable, error) {
		id, ok := arg.(int64)
		if !ok {
			return nil, errors.New("expected foo id")
		}
		return &FooOperation{FooID: id, Operation: name}, nil
	}
}

func newFooOperations() *OperationCapture {
	return NewOperationCapture(newTestCodec(), testCaptureOptions()...).
		Map("activate", fooOperation("activate")).
		Map("deactivate", fooOperation("deactivate")).
		Map("submit", ResultSubject)
}

func TestInterceptActivate(t *testing.T) {
	oc := newFooOperations()
	session := &memSession{}
	ctx := ContextWithSession(context.Background(), session)

	var calledWith int64
	activate := InterceptAction(oc, "activate", func(_ context.Context, id int64) error {
		calledWith = id
		return nil
	})

	require.NoError(t, activate(ctx, 5))

	assert.Equal(t, int64(5), calledWith)
	require.Len(t, session.records, 1)
	rec := session.records[0]
	assert.Equal(t, MessageTypeBusinessOperation, rec.MessageType)
	assert.Equal(t, "activate", rec.EventType)
	assert.Equal(t, "data.contracts.foooperation", rec.Topic)
	assert.Equal(t, "5", rec.Key)
	assert.Equal(t, map[string]any{"fooId": "5", "operation": "activate"}, decodeStruct(t, oc.factory.codec, rec))
}

func TestInterceptWithResult(t *testing.T) {
	oc := newFooOperations()
	session := &memSession{}
	ctx := ContextWithSession(context.Background(), session)

	submit := Intercept(oc, "submit", func(_ context.Context, name string) (*Foo, error) {
		return &Foo{ID: 3, Name: name}, nil
	})

	foo, err := submit(ctx, "foo3")

	require.NoError(t, err)
	assert.Equal(t, "foo3", foo.Name)
	require.Len(t, session.records, 1)
	assert.Equal(t, "submit", session.records[0].EventType)
	assert.Equal(t, "data.contracts.foo", session.records[0].Topic)
}

func TestInterceptRequiresTransaction(t *testing.T) {
	oc := newFooOperations()

	var called bool
	activate := InterceptAction(oc, "activate", func(context.Context, int64) error {
		called = true
		return nil
	})

	err := activate(context.Background(), 1)

	var missing *MissingTransactionError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "activate", missing.Operation)
	assert.False(t, called)
}

func TestInterceptPassesOperationErrorsThrough(t *testing.T) {
	oc := newFooOperations()
	session := &memSession{}
	ctx := ContextWithSession(context.Background(), session)
	errNotFound := errors.New("foo not found")

	deactivate := InterceptAction(oc, "deactivate", func(context.Context, int64) error {
		return errNotFound
	})

	err := deactivate(ctx, 1)

	assert.Same(t, errNotFound, err)
	assert.Empty(t, session.records)
}

func TestInterceptCaptureFailure(t *testing.T) {
	oc := newFooOperations()
	ctx := ContextWithSession(context.Background(), &memSession{err: errors.New("connection reset")})

	activate := InterceptAction(oc, "activate", func(context.Context, int64) error { return nil })

	err := activate(ctx, 1)

	var captureErr *CaptureError
	require.ErrorAs(t, err, &captureErr)
	assert.Equal(t, MessageTypeBusinessOperation, captureErr.MessageType)
	assert.Equal(t, "activate", captureErr.EventType)
	assert.Equal(t, "FooOperation", captureErr.Source)
}

func TestInterceptSubjectFailure(t *testing.T) {
	oc := newFooOperations()
	session := &memSession{}
	ctx := ContextWithSession(context.Background(), session)

	submit := Intercept(oc, "submit", func(context.Context, string) (*notCapturable, error) {
		return &notCapturable{ID: 1}, nil
	})

	_, err := submit(ctx, "x")

	var captureErr *CaptureError
	require.ErrorAs(t, err, &captureErr)
	assert.ErrorContains(t, err, "is not capturable")
	assert.Empty(t, session.records)
}

func TestInterceptPanicsOnUnmappedOperation(t *testing.T) {
	oc := newFooOperations()

	assert.PanicsWithValue(t, `outbox: operation "archive" is not mapped`, func() {
		InterceptAction(oc, "archive", func(context.Context, int64) error { return nil })
	})
}

func TestOperationCaptureMap(t *testing.T) {
	oc := NewOperationCapture(newTestCodec())

	assert.False(t, oc.Mapped("activate"))
	oc.Map("activate", fooOperation("activate"))
	assert.True(t, oc.Mapped("activate"))

	assert.Panics(t, func() { oc.Map("activate", fooOperation("activate")) })
	assert.Panics(t, func() { oc.Map("", fooOperation("x")) })
	assert.Panics(t, func() { oc.Map("x", nil) })
}

func TestArgSubject(t *testing.T) {
	subject, err := ArgSubject(&Foo{ID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Foo", SourceType(subject))

	_, err = ArgSubject(42, nil)
	assert.Error(t, err)
}
