package outbox

import (
	"context"
	"fmt"
)

// Session persists outbox records inside an already open transaction.
// It never begins, commits or rolls back that transaction.
type Session interface {
	Persist(ctx context.Context, rec *Record) error
}

// SessionFunc adapts a function to a Session.
type SessionFunc func(ctx context.Context, rec *Record) error

// Persist calls f(ctx, rec).
func (f SessionFunc) Persist(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// MissingTransactionError indicates that capture was attempted while no
// transaction was attached to the context. It is a programming error.
type MissingTransactionError struct {
	Operation string
}

func (e *MissingTransactionError) Error() string {
	if e.Operation == "" {
		return "outbox capture requires an open transaction"
	}
	return fmt.Sprintf("operation %q requires an open transaction", e.Operation)
}

type sessionKey struct{}

// ContextWithSession returns a copy of ctx carrying s as the ambient transaction.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the ambient transaction of ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok && s != nil
}

// RequireSession returns the ambient transaction of ctx or a *MissingTransactionError
// naming operation.
func RequireSession(ctx context.Context, operation string) (Session, error) {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return nil, &MissingTransactionError{Operation: operation}
	}
	return s, nil
}
