package pool

import (
	"time"

	"github.com/poolside/sqlpool/errs"
)

// waiter is a parked acquisition request. Resolution happens exactly once,
// always under the pool mutex.
type waiter struct {
	arrived  time.Time
	deadline time.Time
	ch       chan waiterResult

	// Guarded by pool.mu.
	resolved bool
}

type waiterResult struct {
	sess *Session
	err  error
}

func newWaiter(deadline time.Time) *waiter {
	return &waiter{
		arrived:  time.Now(),
		deadline: deadline,
		ch:       make(chan waiterResult, 1),
	}
}

// resolve delivers the outcome. The channel is buffered so the send never
// blocks the pool mutex on a caller that has not selected yet.
func (w *waiter) resolve(s *Session, err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	w.ch <- waiterResult{sess: s, err: err}
}

// enqueueWaiterLocked appends w and arms the deadline timer when w becomes
// the queue head. Deadlines are arrival time plus a constant timeout, so
// front-to-back order is also deadline order; the scheduler tracks only the
// head and this invariant must hold.
func (p *Pool) enqueueWaiterLocked(w *waiter) {
	if n := len(p.waiters); n > 0 && w.deadline.Before(p.waiters[n-1].deadline) {
		panic("pool: waiter deadlines must be monotonic with arrival order")
	}
	p.waiters = append(p.waiters, w)
	if len(p.waiters) == 1 {
		p.armTimerLocked()
	}
}

// popWaiterLocked removes and returns the oldest waiter, or nil.
func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// removeWaiterLocked splices w out of the queue, rearming the timer when the
// head changed.
func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, cand := range p.waiters {
		if cand == w {
			wasHead := i == 0
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			if wasHead {
				p.armTimerLocked()
			}
			return
		}
	}
}

// armTimerLocked schedules the deadline callback for the queue head,
// clearing any previously armed timer first so at most one is ever live.
func (p *Pool) armTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.closed || len(p.waiters) == 0 {
		return
	}
	p.timer = time.AfterFunc(time.Until(p.waiters[0].deadline), p.expireWaiters)
}

// expireWaiters fails every already-expired waiter at the head of the queue
// with an acquire_timeout envelope, then re-arms for the new head.
func (p *Pool) expireWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := time.Now()
	for len(p.waiters) > 0 && !p.waiters[0].deadline.After(now) {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.resolve(nil, errs.New(p.name, errs.CodeAcquireTimeout,
			errs.WithTimeout(p.acquireTimeout),
			errs.WithMessage("no session became available")))
	}
	p.armTimerLocked()
}

// serviceWaitersLocked pairs idle sessions with queued waiters in FIFO order
// and re-arms the deadline timer for whichever waiter now heads the queue.
// Sessions granted here skip validation: they are either freshly created or
// were healthy at release time moments ago.
func (p *Pool) serviceWaitersLocked() {
	for len(p.waiters) > 0 && len(p.idle) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		s := p.idle[0]
		p.idle = p.idle[1:]
		s.membership = memberActive
		p.active[s.id] = s
		w.resolve(s, nil)
	}
	p.armTimerLocked()
}
