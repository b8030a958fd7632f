// Package config loads sqlpool configuration with precedence:
// defaults, then YAML, then environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poolside/sqlpool/pool"
)

// PoolSettings carries the pool tunables.
type PoolSettings struct {
	Name                 string
	ConnectionLimit      int
	AcquireTimeout       time.Duration
	MinDelayValidation   time.Duration
	StaleSiblingsOnFault bool
	CreateRate           float64
	CreateBurst          int
}

// ConnectionSettings is the opaque session configuration handed to the
// dialer; the pool never interprets it.
type ConnectionSettings struct {
	DSN    string            `yaml:"dsn"`
	Params map[string]string `yaml:"params"`
}

// Config is the unified sqlpool configuration.
type Config struct {
	Pool       PoolSettings
	Connection ConnectionSettings
}

// configYAML is the YAML representation that maps to Config. Durations are
// strings ("10s", "500ms"); booleans are pointers so absence keeps defaults.
type configYAML struct {
	Pool struct {
		Name                 string  `yaml:"name"`
		ConnectionLimit      int     `yaml:"connectionLimit"`
		AcquireTimeout       string  `yaml:"acquireTimeout"`
		MinDelayValidation   string  `yaml:"minDelayValidation"`
		StaleSiblingsOnFault *bool   `yaml:"staleSiblingsOnFault"`
		CreateRate           float64 `yaml:"createRate"`
		CreateBurst          int     `yaml:"createBurst"`
	} `yaml:"pool"`
	Connection ConnectionSettings `yaml:"connection"`
}

// Load loads the configuration from path, falling back to defaults when the
// file is absent.
func Load(ctx context.Context, configPath string) (Config, error) {
	cfg := defaultConfig()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !isConfigNotFoundError(yamlErr) {
		return Config{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	cfg.loadEnv()

	if err := cfg.Validate(ctx); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// PoolConfig converts the loaded settings into the pool package's form.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		Name:                        c.Pool.Name,
		Limit:                       c.Pool.ConnectionLimit,
		AcquireTimeout:              c.Pool.AcquireTimeout,
		MinDelayValidation:          c.Pool.MinDelayValidation,
		KeepSiblingFreshnessOnFault: !c.Pool.StaleSiblingsOnFault,
		CreateRate:                  c.Pool.CreateRate,
		CreateBurst:                 c.Pool.CreateBurst,
	}
}

// isConfigNotFoundError matches only a genuinely absent file; permission and
// other IO failures must surface so an unreadable config is not silently
// replaced by defaults.
func isConfigNotFoundError(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func defaultConfig() Config {
	return Config{
		Pool: PoolSettings{
			Name:                 "primary",
			ConnectionLimit:      10,
			AcquireTimeout:       10 * time.Second,
			MinDelayValidation:   500 * time.Millisecond,
			StaleSiblingsOnFault: true,
			CreateRate:           0,
			CreateBurst:          0,
		},
		Connection: ConnectionSettings{
			DSN:    "",
			Params: make(map[string]string),
		},
	}
}

func (c *Config) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("SQLPOOL_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/pool.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var yamlCfg configYAML
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if name := strings.TrimSpace(yamlCfg.Pool.Name); name != "" {
		c.Pool.Name = name
	}
	if yamlCfg.Pool.ConnectionLimit != 0 {
		c.Pool.ConnectionLimit = yamlCfg.Pool.ConnectionLimit
	}
	if yamlCfg.Pool.AcquireTimeout != "" {
		dur, err := time.ParseDuration(yamlCfg.Pool.AcquireTimeout)
		if err != nil {
			return fmt.Errorf("parse acquireTimeout: %w", err)
		}
		c.Pool.AcquireTimeout = dur
	}
	if yamlCfg.Pool.MinDelayValidation != "" {
		dur, err := time.ParseDuration(yamlCfg.Pool.MinDelayValidation)
		if err != nil {
			return fmt.Errorf("parse minDelayValidation: %w", err)
		}
		c.Pool.MinDelayValidation = dur
	}
	if yamlCfg.Pool.StaleSiblingsOnFault != nil {
		c.Pool.StaleSiblingsOnFault = *yamlCfg.Pool.StaleSiblingsOnFault
	}
	if yamlCfg.Pool.CreateRate != 0 {
		c.Pool.CreateRate = yamlCfg.Pool.CreateRate
	}
	if yamlCfg.Pool.CreateBurst != 0 {
		c.Pool.CreateBurst = yamlCfg.Pool.CreateBurst
	}
	if dsn := strings.TrimSpace(yamlCfg.Connection.DSN); dsn != "" {
		c.Connection.DSN = dsn
	}
	for k, v := range yamlCfg.Connection.Params {
		if c.Connection.Params == nil {
			c.Connection.Params = make(map[string]string)
		}
		c.Connection.Params[k] = v
	}

	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("SQLPOOL_DSN")); v != "" {
		c.Connection.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLPOOL_NAME")); v != "" {
		c.Pool.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLPOOL_CONNECTION_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.ConnectionLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SQLPOOL_ACQUIRE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Pool.AcquireTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SQLPOOL_MIN_DELAY_VALIDATION")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Pool.MinDelayValidation = dur
		}
	}
}

// Validate checks the final configuration.
func (c *Config) Validate(ctx context.Context) error {
	_ = ctx

	if strings.TrimSpace(c.Pool.Name) == "" {
		c.Pool.Name = "primary"
	}
	if c.Pool.ConnectionLimit <= 0 {
		return fmt.Errorf("pool connectionLimit must be >0")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool acquireTimeout must be >0")
	}
	if c.Pool.MinDelayValidation < 0 {
		return fmt.Errorf("pool minDelayValidation must be >=0")
	}
	if c.Pool.CreateRate < 0 {
		return fmt.Errorf("pool createRate must be >=0")
	}
	if strings.TrimSpace(c.Connection.DSN) == "" {
		return fmt.Errorf("connection dsn required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		closeFn    func()
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	for _, fallback := range []string{
		"config/pool.yaml",
		"config/pool.example.yaml",
	} {
		addCandidate(fallback)
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			closeFn = func() { _ = file.Close() }
			return file, closeFn, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open pool config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open pool config: %w", lastErr)
}
