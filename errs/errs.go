// Package errs provides structured error types and helpers for sqlpool.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies a pool-level error category.
type Code string

const (
	// CodePoolClosed indicates an operation was attempted after shutdown.
	CodePoolClosed Code = "pool_closed"
	// CodeAcquireTimeout indicates a queued acquisition exceeded its deadline.
	CodeAcquireTimeout Code = "acquire_timeout"
	// CodeConnectionFault indicates a fatal session-level fault.
	CodeConnectionFault Code = "connection_fault"
	// CodeRollbackUncertain indicates a session's post-use state is unknown.
	CodeRollbackUncertain Code = "rollback_uncertain"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the sqlpool stack.
type E struct {
	Pool      string
	Code      Code
	SessionID string
	Timeout   time.Duration
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the named pool and error code.
func New(pool string, code Code, opts ...Option) *E {
	e := &E{
		Pool:      strings.TrimSpace(pool),
		Code:      code,
		SessionID: "",
		Timeout:   0,
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSessionID records the identifier of the session involved in the failure.
func WithSessionID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.SessionID = trimmed
	}
}

// WithTimeout records the configured wait bound that produced the failure.
func WithTimeout(timeout time.Duration) Option {
	return func(e *E) {
		e.Timeout = timeout
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	pool := strings.TrimSpace(e.Pool)
	if pool == "" {
		pool = "unknown"
	}
	parts = append(parts, "pool="+pool)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.Timeout > 0 {
		parts = append(parts, "timeout="+e.Timeout.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the pool error code from err, walking the wrap chain.
// It returns an empty Code when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsPoolClosed reports whether err indicates the pool has shut down.
func IsPoolClosed(err error) bool { return CodeOf(err) == CodePoolClosed }

// IsAcquireTimeout reports whether err indicates a waiter deadline elapsed.
func IsAcquireTimeout(err error) bool { return CodeOf(err) == CodeAcquireTimeout }
