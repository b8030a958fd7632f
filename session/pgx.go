package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/poolside/sqlpool/errs"
)

const (
	pgxMaxConnectAttempts = 3
	pgxMaxConnectInterval = 5 * time.Second
)

// PgxDialer produces PostgreSQL sessions over pgx.
type PgxDialer struct {
	cfg *pgx.ConnConfig
}

// NewPgxDialer parses the DSN and merges the provided runtime parameters.
func NewPgxDialer(dsn string, params map[string]string) (*PgxDialer, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New("", errs.CodeInvalid,
			errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	for k, v := range params {
		cfg.RuntimeParams[k] = v
	}
	return &PgxDialer{cfg: cfg}, nil
}

// Dial establishes a new connected session.
func (d *PgxDialer) Dial(ctx context.Context) (Conn, error) {
	conn := &PgxConn{cfg: d.cfg.Copy()}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// PgxConn adapts *pgx.Conn to the session contract. A fatal fault is reported
// to the registered handler exactly once, when an operation fails and the
// underlying connection has transitioned to closed.
type PgxConn struct {
	cfg  *pgx.ConnConfig
	conn *pgx.Conn

	fault     func(error)
	faultOnce sync.Once
}

// Connect dials the server, retrying transient failures with exponential
// backoff before giving up.
func (c *PgxConn) Connect(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = pgxMaxConnectInterval

	var lastErr error
	for attempt := 0; attempt < pgxMaxConnectAttempts; attempt++ {
		conn, err := pgx.ConnectConfig(ctx, c.cfg)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err
		if attempt == pgxMaxConnectAttempts-1 {
			break
		}
		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect context: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
	return errs.New("", errs.CodeNetwork,
		errs.WithMessage("connect"), errs.WithCause(lastErr))
}

// Query executes sql and materializes the full result set.
func (c *PgxConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		c.noteFault(err)
		return nil, err
	}
	defer rows.Close()

	res := new(Result)
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			c.noteFault(err)
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		c.noteFault(err)
		return nil, err
	}
	res.RowsAffected = rows.CommandTag().RowsAffected()
	return res, nil
}

// Ping probes the server round-trip.
func (c *PgxConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		c.noteFault(err)
		return err
	}
	return nil
}

// IsValid reports whether the underlying connection is still open locally.
func (c *PgxConn) IsValid() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Rollback issues an unconditional rollback. Outside a transaction the server
// answers with a warning notice, which pgx does not surface as an error.
func (c *PgxConn) Rollback(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, "rollback"); err != nil {
		c.noteFault(err)
		return err
	}
	return nil
}

// Close terminates the session gracefully.
func (c *PgxConn) Close(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close(ctx)
}

// Destroy tears the session down. Safe to call repeatedly.
func (c *PgxConn) Destroy(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	_ = c.conn.Close(ctx)
	return nil
}

// SetFaultHandler registers the fatal-fault callback. Must be called before
// the connection is shared across goroutines.
func (c *PgxConn) SetFaultHandler(fn func(error)) {
	c.fault = fn
}

func (c *PgxConn) noteFault(err error) {
	if err == nil || c.conn == nil || !c.conn.IsClosed() {
		return
	}
	c.faultOnce.Do(func() {
		if c.fault != nil {
			c.fault(err)
		}
	})
}
