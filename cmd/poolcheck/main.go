// Command poolcheck opens a session pool against a live database, runs a
// probe query, and reports pool statistics.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/poolside/sqlpool/config"
	"github.com/poolside/sqlpool/internal/observability"
	"github.com/poolside/sqlpool/internal/telemetry"
	"github.com/poolside/sqlpool/pool"
	"github.com/poolside/sqlpool/session"
)

const (
	defaultConfigPath = "config/pool.yaml"
	defaultProbeQuery = "SELECT 1"
	closeTimeout      = 5 * time.Second
)

type report struct {
	Query   string          `json:"query"`
	Result  *session.Result `json:"result"`
	Stats   pool.Stats      `json:"stats"`
	Elapsed string          `json:"elapsed"`
}

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the pool configuration file")
	query := flag.String("query", defaultProbeQuery, "probe query to execute")
	flag.Parse()

	logger := log.New(os.Stderr, "poolcheck ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, *cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: pool=%s, limit=%d, acquireTimeout=%s",
		cfg.Pool.Name, cfg.Pool.ConnectionLimit, cfg.Pool.AcquireTimeout)

	provider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Printf("shutdown telemetry: %v", err)
		}
	}()

	dialer, err := session.NewPgxDialer(cfg.Connection.DSN, cfg.Connection.Params)
	if err != nil {
		logger.Fatalf("build dialer: %v", err)
	}

	p, err := pool.New(dialer, cfg.PoolConfig())
	if err != nil {
		logger.Fatalf("build pool: %v", err)
	}
	telemetry.ObservePoolMetrics(p, cfg.Pool.Name)

	start := time.Now()
	res, err := p.Execute(ctx, *query)
	if err != nil {
		closePool(logger, p)
		logger.Fatalf("execute %q: %v", *query, err)
	}

	out := report{
		Query:   strings.TrimSpace(*query),
		Result:  res,
		Stats:   p.Stats(),
		Elapsed: time.Since(start).String(),
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		closePool(logger, p)
		logger.Fatalf("encode report: %v", err)
	}
	os.Stdout.Write(encoded)
	os.Stdout.Write([]byte("\n"))

	closePool(logger, p)
}

func closePool(logger *log.Logger, p *pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		logger.Printf("close pool: %v", err)
	}
}
