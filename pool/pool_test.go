package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poolside/sqlpool/errs"
)

const (
	testAcquireTimeout = 100 * time.Millisecond
	freshForever       = time.Minute
	waitTick           = 2 * time.Millisecond
	waitBound          = 2 * time.Second
)

func newTestPool(t *testing.T, cfg Config, conns ...*fakeConn) (*Pool, *fakeDialer) {
	t.Helper()
	if cfg.Limit == 0 {
		cfg.Limit = len(conns)
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = testAcquireTimeout
	}
	d := newFakeDialer(conns...)
	p, err := New(d, cfg)
	require.NoError(t, err)
	return p, d
}

func TestNewValidatesConfig(t *testing.T) {
	d := newFakeDialer()

	_, err := New(nil, Config{Limit: 1, AcquireTimeout: time.Second})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = New(d, Config{Limit: 0, AcquireTimeout: time.Second})
	require.Error(t, err)

	_, err = New(d, Config{Limit: 1, AcquireTimeout: 0})
	require.Error(t, err)

	_, err = New(d, Config{Limit: 1, AcquireTimeout: time.Second, MinDelayValidation: -1})
	require.Error(t, err)
}

func TestAcquireCreatesUpToLimitThenQueues(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	p, d := newTestPool(t, Config{Limit: 3, MinDelayValidation: freshForever}, conns...)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		s, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.False(t, seen[s.ID()], "acquired the same session twice")
		seen[s.ID()] = true
	}

	require.Equal(t, 3, p.ActiveCount())
	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, 3, p.TotalCount())

	_, created := d.stats()
	require.Equal(t, 3, created)

	start := time.Now()
	_, err := p.Acquire(ctx)
	elapsed := time.Since(start)
	require.Error(t, err)
	require.True(t, errs.IsAcquireTimeout(err), "expected acquire_timeout, got %v", err)
	require.GreaterOrEqual(t, elapsed, testAcquireTimeout-5*time.Millisecond)
	require.Less(t, elapsed, 10*testAcquireTimeout)

	_, created = d.stats()
	require.Equal(t, 3, created, "queued acquisition must not create a session beyond the limit")
}

func TestAcquireTimeoutCarriesConfiguredValue(t *testing.T) {
	conn := newFakeConn()
	p, _ := newTestPool(t, Config{Limit: 1, MinDelayValidation: freshForever}, conn)
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeAcquireTimeout, e.Code)
	require.Equal(t, testAcquireTimeout, e.Timeout)
}

func TestAcquireAfterCloseRejectsImmediately(t *testing.T) {
	p, _ := newTestPool(t, Config{Limit: 1})
	require.NoError(t, p.Close(context.Background()))

	start := time.Now()
	_, err := p.Acquire(context.Background())
	require.True(t, errs.IsPoolClosed(err), "expected pool_closed, got %v", err)
	require.Less(t, time.Since(start), testAcquireTimeout, "closed pool must reject without queueing")
}

func TestAcquireContextCancellationRemovesWaiter(t *testing.T) {
	conn := newFakeConn()
	p, _ := newTestPool(t, Config{Limit: 1, MinDelayValidation: freshForever, AcquireTimeout: time.Minute}, conn)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return p.QueuedCount() == 1 }, waitBound, waitTick)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitBound):
		t.Fatal("cancelled acquire did not return")
	}
	require.Equal(t, 0, p.QueuedCount())
}

func TestReleaseHandsSessionToOldestWaiterDirectly(t *testing.T) {
	conn := newFakeConn()
	p, d := newTestPool(t, Config{Limit: 1, MinDelayValidation: freshForever, AcquireTimeout: time.Second}, conn)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)

	type grant struct {
		s   *Session
		err error
	}
	grants := make(chan grant, 2)

	go func() {
		s, err := p.Acquire(ctx)
		grants <- grant{s, err}
	}()
	require.Eventually(t, func() bool { return p.QueuedCount() == 1 }, waitBound, waitTick)

	go func() {
		s, err := p.Acquire(ctx)
		grants <- grant{s, err}
	}()
	require.Eventually(t, func() bool { return p.QueuedCount() == 2 }, waitBound, waitTick)

	require.NoError(t, first.Release(ctx))

	g1 := <-grants
	require.NoError(t, g1.err)
	require.Equal(t, first.ID(), g1.s.ID(), "released session must go to the oldest waiter")
	require.Equal(t, 0, p.IdleCount(), "direct handoff must not pass through the idle set")
	require.Equal(t, 1, p.QueuedCount())

	require.NoError(t, g1.s.Release(ctx))
	g2 := <-grants
	require.NoError(t, g2.err)
	require.Equal(t, first.ID(), g2.s.ID())

	_, created := d.stats()
	require.Equal(t, 1, created, "handoff must not create new sessions")
}

func TestThreeConcurrentAcquiresLimitTwo(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	p, _ := newTestPool(t, Config{Limit: 2, MinDelayValidation: freshForever}, conns...)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions []*Session
		failures []error
	)
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			sessions = append(sessions, s)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.Len(t, sessions, 2)
	require.Len(t, failures, 1)
	require.NotEqual(t, sessions[0].ID(), sessions[1].ID())
	require.True(t, errs.IsAcquireTimeout(failures[0]), "expected acquire_timeout, got %v", failures[0])
	require.GreaterOrEqual(t, elapsed, testAcquireTimeout-5*time.Millisecond)
	require.Less(t, elapsed, 10*testAcquireTimeout)
	require.Equal(t, 2, p.TotalCount())
}

func TestFailedCreationIsRetriedExactlyOnce(t *testing.T) {
	p, d := newTestPool(t, Config{Limit: 1})
	ctx := context.Background()

	// The dialer script is empty, so the creation triggered by the parked
	// acquisition fails, is retried once, and then gives up until the next
	// trigger.
	_, err := p.Acquire(ctx)
	require.Error(t, err)
	require.True(t, errs.IsAcquireTimeout(err), "expected acquire_timeout, got %v", err)

	attempts, created := d.stats()
	require.Equal(t, 2, attempts, "one dial plus one retry")
	require.Equal(t, 0, created)

	// A later acquisition re-triggers growth through the same gate.
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	attempts, _ = d.stats()
	require.Equal(t, 4, attempts)
}

func TestExecuteOnFreshIdleSessionSkipsProbe(t *testing.T) {
	conn := newFakeConn()
	p, _ := newTestPool(t, Config{Limit: 1, MinDelayValidation: 500 * time.Millisecond}, conn)
	ctx := context.Background()

	// First execute dials the session; freshly created sessions are granted
	// without a probe.
	res, err := p.Execute(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int32(1)}}, res.Rows)
	require.Equal(t, 1, p.IdleCount())

	before := time.Now()
	res, err = p.Execute(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NotNil(t, res)

	ping, rollback, query, _, _ := conn.stats()
	require.Equal(t, 0, ping, "fresh session must skip the liveness probe")
	require.Equal(t, 2, rollback, "every release must roll back first")
	require.Equal(t, 2, query)
	require.Equal(t, 1, p.IdleCount())

	p.mu.Lock()
	lastUse := p.idle[0].lastUse
	p.mu.Unlock()
	require.False(t, lastUse.Before(before), "release must refresh the last-use stamp")
}

func TestExecuteSurfacesQueryErrorAfterRelease(t *testing.T) {
	conn := newFakeConn()
	conn.setQueryErr(errors.New("syntax error"))
	p, _ := newTestPool(t, Config{Limit: 1, MinDelayValidation: freshForever}, conn)

	_, err := p.Execute(context.Background(), "SELEC 1")
	require.EqualError(t, err, "syntax error")
	require.Equal(t, 1, p.IdleCount(), "recoverable query errors must still release the session")
}

func TestStaleIdleSessionsAreProbedFrontToBack(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	// Zero staleness threshold disables the fast path: every idle hand-off
	// is probed.
	p, _ := newTestPool(t, Config{Limit: 2, MinDelayValidation: 0}, conns...)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Release(ctx))
	require.NoError(t, s2.Release(ctx))
	require.Equal(t, 2, p.IdleCount())

	frontConn := connOf(t, p, s1, s2, conns, 0)
	frontConn.setPingErr(errors.New("stale"))

	granted, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s2.ID(), granted.ID(), "validation must retry on the next idle candidate")

	require.Eventually(t, func() bool {
		_, _, _, _, destroyed := frontConn.stats()
		return destroyed == 1
	}, waitBound, waitTick)
	require.Equal(t, 1, p.TotalCount())
}

func TestCheapLivenessFlagDiscardsInvalidFreshSession(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	p, _ := newTestPool(t, Config{Limit: 2, MinDelayValidation: freshForever}, conns...)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Release(ctx))
	require.NoError(t, s2.Release(ctx))

	frontConn := connOf(t, p, s1, s2, conns, 0)
	frontConn.setValid(false)

	granted, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s2.ID(), granted.ID())

	ping, _, _, _, _ := frontConn.stats()
	require.Equal(t, 0, ping, "fresh candidates consult the cheap flag, not the probe")
}

func TestStatsSnapshot(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	p, _ := newTestPool(t, Config{Limit: 2, MinDelayValidation: freshForever}, conns...)
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.TotalCount() == 2 }, waitBound, waitTick)
	require.NoError(t, s1.Release(ctx))

	st := p.Stats()
	require.Equal(t, st.Idle+st.Active, st.Total)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 0, st.Queued)
}

// connOf maps a pooled session back to its scripted fake by dial order.
func connOf(t *testing.T, p *Pool, s1, s2 *Session, conns []*fakeConn, idleIndex int) *fakeConn {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.idle), idleIndex)
	target := p.idle[idleIndex]
	switch target {
	case s1:
		return conns[0]
	case s2:
		return conns[1]
	default:
		t.Fatalf("unexpected idle session %s", target.ID())
		return nil
	}
}
