// Package pool implements a bounded session pool for a database client. It
// multiplexes a limited number of persistent sessions across concurrent
// callers, validates session health before hand-off, evicts faulty sessions,
// and parks overflow demand in a FIFO waiter queue with a bounded wait.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/poolside/sqlpool/errs"
	"github.com/poolside/sqlpool/internal/observability"
	"github.com/poolside/sqlpool/session"
)

const defaultPoolName = "primary"

// Config carries the pool tunables.
type Config struct {
	// Name labels the pool in errors, logs, and metrics.
	Name string
	// Limit caps the total number of live sessions (idle + active).
	Limit int
	// AcquireTimeout bounds how long an acquisition may stay queued.
	AcquireTimeout time.Duration
	// MinDelayValidation is the staleness threshold below which the active
	// liveness probe is skipped in favour of the cheap local check. Zero
	// means every hand-off from the idle set is probed.
	MinDelayValidation time.Duration
	// KeepSiblingFreshnessOnFault opts out of the default fault cascade: a
	// fault on an idle session normally forces a full probe on every
	// remaining idle session, on the assumption that faults correlate
	// across sessions sharing a network path. Setting this leaves sibling
	// freshness untouched.
	KeepSiblingFreshnessOnFault bool
	// CreateRate throttles session creation to this many dials per second.
	// Zero disables the throttle.
	CreateRate float64
	// CreateBurst is the throttle burst size; defaults to 1 when a rate is
	// set.
	CreateBurst int
}

// Pool is a bounded session pool. All state transitions are serialized by a
// single mutex; every network operation (dial, ping, query, rollback) happens
// outside the lock and re-validates pool state on re-entry.
type Pool struct {
	name               string
	dialer             session.Dialer
	limit              int
	acquireTimeout     time.Duration
	minDelayValidation time.Duration
	staleSiblings      bool
	createLimiter      *rate.Limiter

	mu       sync.Mutex
	closed   bool
	creating bool
	idle     []*Session          // FIFO, front at index 0
	active   map[string]*Session // keyed by session id
	waiters  []*waiter           // FIFO, deadlines monotonic with arrival
	timer    *time.Timer         // armed for the head waiter only
}

// New constructs a pool that creates sessions through dialer. No sessions are
// dialed until the first acquisition demands one.
func New(dialer session.Dialer, cfg Config) (*Pool, error) {
	name := cfg.Name
	if name == "" {
		name = defaultPoolName
	}
	if dialer == nil {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("dialer must not be nil"))
	}
	if cfg.Limit <= 0 {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("connection limit must be >0"))
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("acquire timeout must be >0"))
	}
	if cfg.MinDelayValidation < 0 {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("min delay validation must be >=0"))
	}

	p := new(Pool)
	p.name = name
	p.dialer = dialer
	p.limit = cfg.Limit
	p.acquireTimeout = cfg.AcquireTimeout
	p.minDelayValidation = cfg.MinDelayValidation
	p.staleSiblings = !cfg.KeepSiblingFreshnessOnFault
	p.active = make(map[string]*Session)
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst < 1 {
			burst = 1
		}
		p.createLimiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
	}
	return p, nil
}

// Acquire returns a validated session, creating one or queueing when none is
// idle. It fails with a pool_closed envelope once shutdown has begun and with
// an acquire_timeout envelope when the configured wait elapses.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(p.name, errs.CodePoolClosed)
	}

	// Validate idle candidates front to back. The candidate is moved to the
	// active set speculatively so the probe round-trip, which releases the
	// lock, cannot hand the same session to another caller.
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		s.membership = memberActive
		p.active[s.id] = s

		if p.minDelayValidation > 0 && !s.lastUse.IsZero() && time.Since(s.lastUse) <= p.minDelayValidation {
			if s.conn.IsValid() {
				p.mu.Unlock()
				return s, nil
			}
			p.evictLocked(s)
			continue
		}

		p.mu.Unlock()
		err := s.conn.Ping(ctx)
		p.mu.Lock()
		if p.closed {
			if !s.terminal {
				s.terminal = true
				p.removeLocked(s)
				go func() { _ = s.conn.Destroy(context.Background()) }()
			}
			p.mu.Unlock()
			return nil, errs.New(p.name, errs.CodePoolClosed)
		}
		if s.terminal {
			// A fault handler evicted the candidate mid-probe.
			continue
		}
		if err != nil {
			p.evictLocked(s)
			continue
		}
		p.mu.Unlock()
		return s, nil
	}

	w := newWaiter(time.Now().Add(p.acquireTimeout))
	p.enqueueWaiterLocked(w)
	p.mu.Unlock()

	p.maybeGrow()

	select {
	case r := <-w.ch:
		return r.sess, r.err
	case <-ctx.Done():
		p.mu.Lock()
		if !w.resolved {
			p.removeWaiterLocked(w)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// Fulfillment raced the cancellation: hand the granted session back
		// so it is not leaked, then report the cancellation.
		r := <-w.ch
		if r.sess != nil {
			if err := r.sess.Release(context.Background()); err != nil {
				observability.Log().Error("release after cancelled acquire",
					observability.F("pool", p.name), observability.F("error", err))
			}
		}
		return nil, ctx.Err()
	}
}

// Execute acquires a session, runs the query, and releases the session before
// propagating the query outcome. Query errors are surfaced untouched; they do
// not prevent the release.
func (p *Pool) Execute(ctx context.Context, sql string, args ...any) (*session.Result, error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, qerr := s.Query(ctx, sql, args...)
	if rerr := s.Release(ctx); rerr != nil {
		observability.Log().Error("release after execute",
			observability.F("pool", p.name),
			observability.F("session", s.ID()),
			observability.F("error", rerr))
	}
	if qerr != nil {
		return nil, qerr
	}
	return res, nil
}

// Close shuts the pool down: it fails every queued waiter, cancels the
// deadline timer, and ends all idle sessions concurrently. Sessions still
// lent out are destroyed when their callers release them. A second Close
// fails with a pool_closed envelope without touching any session twice.
func (p *Pool) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New(p.name, errs.CodePoolClosed, errs.WithMessage("pool already closed"))
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	waiters := p.waiters
	p.waiters = nil
	for _, w := range waiters {
		w.resolve(nil, errs.New(p.name, errs.CodePoolClosed, errs.WithMessage("pool closed while waiting")))
	}
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		s.terminal = true
		s.membership = memberNone
	}
	p.mu.Unlock()

	var (
		wg      conc.WaitGroup
		errMu   sync.Mutex
		drained error
	)
	for _, s := range idle {
		s := s
		wg.Go(func() {
			if err := s.conn.Close(ctx); err != nil {
				errMu.Lock()
				if drained == nil {
					drained = err
				}
				errMu.Unlock()
				observability.Log().Error("end idle session",
					observability.F("pool", p.name),
					observability.F("session", s.ID()),
					observability.F("error", err))
			}
		})
	}
	wg.Wait()
	return drained
}

// ActiveCount reports the number of sessions currently lent to callers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// IdleCount reports the number of ready-to-use sessions.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// TotalCount reports all live sessions, idle and active.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.active)
}

// QueuedCount reports the number of parked acquisition requests.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Total  int `json:"total"`
	Queued int `json:"queued"`
}

// Stats returns a consistent snapshot of all counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active: len(p.active),
		Idle:   len(p.idle),
		Total:  len(p.idle) + len(p.active),
		Queued: len(p.waiters),
	}
}

// Name reports the pool's configured label.
func (p *Pool) Name() string { return p.name }

func (p *Pool) totalLocked() int { return len(p.idle) + len(p.active) }

// evictLocked takes an active validation candidate out of the pool and
// destroys it in the background. Capacity restoration is left to the growth
// controller.
func (p *Pool) evictLocked(s *Session) {
	s.terminal = true
	p.removeLocked(s)
	observability.Log().Debug("idle session failed validation",
		observability.F("pool", p.name), observability.F("session", s.id))
	go func() {
		_ = s.conn.Destroy(context.Background())
		p.maybeGrow()
	}()
}

// removeLocked detaches s from whichever set holds it.
func (p *Pool) removeLocked(s *Session) {
	switch s.membership {
	case memberActive:
		delete(p.active, s.id)
	case memberIdle:
		for i, cand := range p.idle {
			if cand == s {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				break
			}
		}
	}
	s.membership = memberNone
}

// onFault handles a fatal session-level fault. The session is removed from
// whichever set holds it; when it was idle, the remaining idle siblings lose
// their skip-probe eligibility because the fault may indicate a shared
// network problem.
func (p *Pool) onFault(s *Session, cause error) {
	p.mu.Lock()
	if s.terminal {
		p.mu.Unlock()
		return
	}
	s.terminal = true
	wasIdle := s.membership == memberIdle
	p.removeLocked(s)
	if wasIdle && p.staleSiblings {
		for _, sib := range p.idle {
			sib.lastUse = time.Time{}
		}
	}
	closed := p.closed
	p.mu.Unlock()

	observability.Log().Error("session fault",
		observability.F("pool", p.name),
		observability.F("session", s.id),
		observability.F("error", cause))

	go func() {
		_ = s.conn.Destroy(context.Background())
		if !closed {
			p.maybeGrow()
		}
	}()
}
