package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poolside/sqlpool/errs"
	"github.com/poolside/sqlpool/internal/observability"
	"github.com/poolside/sqlpool/session"
)

type membership int

const (
	memberNone membership = iota
	memberIdle
	memberActive
)

// Session is a pooled database session. While lent out it is exclusively
// owned by the caller, who must finish with exactly one Release or Destroy.
// Each session passes through at most one terminal path: rollback-and-recycle,
// rollback-failure-destroy, explicit destroy, or fault eviction.
type Session struct {
	id   string
	conn session.Conn
	pool *Pool

	// Guarded by pool.mu.
	lastUse    time.Time
	membership membership
	terminal   bool
}

// wrap registers the fault handler and assigns the pool-unique identity.
func (p *Pool) wrap(conn session.Conn) *Session {
	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		pool: p,
	}
	conn.SetFaultHandler(func(cause error) { p.onFault(s, cause) })
	return s
}

// ID returns the session's pool-unique identifier.
func (s *Session) ID() string { return s.id }

// Query executes sql on this session.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (*session.Result, error) {
	return s.conn.Query(ctx, sql, args...)
}

// Release returns the session to the pool. Transactional state is rolled back
// first; on success the session is handed to the oldest waiter or returned to
// the idle set. A failed rollback leaves the session state uncertain, so the
// session is destroyed instead of recycled and the growth controller is asked
// to restore capacity.
func (s *Session) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p := s.pool

	p.mu.Lock()
	if s.terminal {
		p.mu.Unlock()
		return nil
	}
	if s.membership != memberActive {
		p.mu.Unlock()
		panic(fmt.Sprintf("pool %s: release of session %s that is not lent out", p.name, s.id))
	}
	p.mu.Unlock()

	if err := s.conn.Rollback(ctx); err != nil {
		p.mu.Lock()
		if s.terminal {
			p.mu.Unlock()
			return nil
		}
		s.terminal = true
		p.removeLocked(s)
		p.mu.Unlock()
		_ = s.conn.Destroy(ctx)
		p.maybeGrow()
		return errs.New(p.name, errs.CodeRollbackUncertain,
			errs.WithSessionID(s.id), errs.WithCause(err))
	}

	p.mu.Lock()
	if s.terminal {
		// A fault handler already evicted the session.
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(s)
	s.lastUse = time.Now()

	if p.closed {
		s.terminal = true
		p.mu.Unlock()
		_ = s.conn.Destroy(ctx)
		return nil
	}

	if w := p.popWaiterLocked(); w != nil {
		// Hand the session straight to the oldest waiter; it never touches
		// the idle set on this path.
		s.membership = memberActive
		p.active[s.id] = s
		w.resolve(s, nil)
		p.armTimerLocked()
		p.mu.Unlock()
		return nil
	}

	s.membership = memberIdle
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	return nil
}

// Destroy evicts the session from the pool and tears down the underlying
// connection, then asks the growth controller to restore capacity. Safe to
// call after a fault has already evicted the session.
func (s *Session) Destroy(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p := s.pool

	p.mu.Lock()
	if s.terminal {
		p.mu.Unlock()
		return nil
	}
	s.terminal = true
	p.removeLocked(s)
	closed := p.closed
	p.mu.Unlock()

	err := s.conn.Destroy(ctx)
	if err != nil {
		observability.Log().Error("destroy session",
			observability.F("pool", p.name),
			observability.F("session", s.id),
			observability.F("error", err))
	}
	if !closed {
		p.maybeGrow()
	}
	return err
}
