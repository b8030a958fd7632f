package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/poolside/sqlpool/session"
)

var errDialerExhausted = errors.New("dialer exhausted")

// fakeConn is a scripted session used to drive pool state machines without a
// network.
type fakeConn struct {
	mu          sync.Mutex
	valid       bool
	pingErr     error
	rollbackErr error
	queryErr    error
	queryResult *session.Result

	pingCalls     int
	rollbackCalls int
	queryCalls    int
	closeCalls    int
	destroyCalls  int

	fault func(error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		valid: true,
		queryResult: &session.Result{
			Columns: []string{"?column?"},
			Rows:    [][]any{{int32(1)}},
		},
	}
}

func (c *fakeConn) Connect(context.Context) error { return nil }

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (*session.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryCalls++
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.queryResult, nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingCalls++
	return c.pingErr
}

func (c *fakeConn) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *fakeConn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackCalls++
	return c.rollbackErr
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConn) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCalls++
	return nil
}

func (c *fakeConn) SetFaultHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = fn
}

// fail fires the registered fault handler, as a real session would on a
// fatal connection fault.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	fn := c.fault
	c.valid = false
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConn) setRollbackErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

func (c *fakeConn) setQueryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErr = err
}

func (c *fakeConn) setValid(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = v
}

func (c *fakeConn) stats() (ping, rollback, query, closed, destroyed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingCalls, c.rollbackCalls, c.queryCalls, c.closeCalls, c.destroyCalls
}

// fakeDialer hands out a fixed script of connections; once the script is
// exhausted every dial fails, which keeps the growth controller from
// re-creating capacity underneath assertions.
type fakeDialer struct {
	mu       sync.Mutex
	script   []*fakeConn
	attempts int
	created  int
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{script: conns}
}

func (d *fakeDialer) Dial(context.Context) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.script) == 0 {
		return nil, errDialerExhausted
	}
	c := d.script[0]
	d.script = d.script[1:]
	d.created++
	return c, nil
}

func (d *fakeDialer) stats() (attempts, created int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts, d.created
}
