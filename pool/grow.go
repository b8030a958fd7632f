package pool

import (
	"context"
	"time"

	"github.com/poolside/sqlpool/internal/observability"
)

// maybeGrow starts one background session creation when capacity is below the
// limit and no creation is already in flight. Creation is serialized: the
// creating flag guarantees at most one dial at a time, which also bounds the
// transient overshoot of the capacity check.
func (p *Pool) maybeGrow() {
	p.mu.Lock()
	if p.closed || p.creating || p.totalLocked() >= p.limit {
		p.mu.Unlock()
		return
	}
	p.creating = true
	p.mu.Unlock()
	go p.grow(true)
}

// grow dials one session, adds it to the idle set, services the waiter
// queue, and re-invokes maybeGrow since capacity may still be below the
// limit. A failed dial is retried once through the same guarded gate; later
// acquisitions and releases re-trigger growth, so there is no retry storm.
func (p *Pool) grow(canRetry bool) {
	ctx := context.Background()
	if p.createLimiter != nil {
		if err := p.createLimiter.Wait(ctx); err != nil {
			p.mu.Lock()
			p.creating = false
			p.mu.Unlock()
			return
		}
	}

	start := time.Now()
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		observability.Log().Error("session dial failed",
			observability.F("pool", p.name),
			observability.F("elapsed", time.Since(start)),
			observability.F("error", err))
		p.mu.Lock()
		p.creating = false
		retry := canRetry && !p.closed && p.totalLocked() < p.limit
		if retry {
			p.creating = true
		}
		p.mu.Unlock()
		if retry {
			p.grow(false)
		}
		return
	}

	s := p.wrap(conn)

	p.mu.Lock()
	p.creating = false
	if p.closed {
		// The pool shut down while the dial was in flight.
		p.mu.Unlock()
		_ = conn.Destroy(ctx)
		return
	}
	s.membership = memberIdle
	s.lastUse = time.Now()
	p.idle = append(p.idle, s)
	p.serviceWaitersLocked()
	p.mu.Unlock()

	p.maybeGrow()
}
