// Package session defines the network session contract the pool consumes and
// adapters that satisfy it. The pool never inspects a session's internals; it
// drives every session exclusively through the Conn interface.
package session

import "context"

// Result holds the outcome of a query executed on a session.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rowsAffected"`
}

// Conn is one live database session. Implementations must deliver at most one
// fault notification per connection lifetime, and only for fatal faults that
// make the session unusable; recoverable statement errors are returned from
// Query without firing the handler.
type Conn interface {
	// Connect establishes the underlying session.
	Connect(ctx context.Context) error
	// Query executes sql with the given arguments and returns the result.
	Query(ctx context.Context, sql string, args ...any) (*Result, error)
	// Ping probes liveness with a server round-trip.
	Ping(ctx context.Context) error
	// IsValid is a cheap local liveness check without network traffic.
	IsValid() bool
	// Rollback resets transactional state. It must complete before the
	// session is reused.
	Rollback(ctx context.Context) error
	// Close terminates the session gracefully.
	Close(ctx context.Context) error
	// Destroy tears the session down hard. Idempotent.
	Destroy(ctx context.Context) error
	// SetFaultHandler registers the callback fired on a fatal session fault.
	// It must be called before the session is shared.
	SetFaultHandler(fn func(error))
}

// Dialer produces new sessions. The pool creates sessions only through a
// Dialer, never directly.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
