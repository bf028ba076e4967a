package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcp-memory/authz/storage"
	"github.com/mcp-memory/authz/storage/memory"
	"github.com/mcp-memory/authz/storage/redisstore"
	"github.com/mcp-memory/authz/storage/sqlstore"
)

// Store drivers accepted by --store.driver.
const (
	driverMemory   = "memory"
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverRedis    = "redis"
)

const (
	defaultConnectTimeout = 30 * time.Second
	connectInitialBackoff = 250 * time.Millisecond
	connectMaxBackoff     = 5 * time.Second
)

var errUnknownDriver = errors.New("unknown store driver")

// openStore connects to the configured backend, retrying with exponential
// backoff while it is unreachable. It returns the driver name for metrics.
func (a *app) openStore(ctx context.Context) (storage.Store, string, error) {
	driver := a.v.GetString(storeDriverKey)
	if driver == driverMemory {
		a.logger.Warn("Using the in-memory store; nothing persists after this command exits")
		return memory.New(), driver, nil
	}

	connect, err := a.connector(driver)
	if err != nil {
		return nil, driver, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = connectInitialBackoff
	expBackoff.MaxInterval = connectMaxBackoff

	timeout := a.v.GetDuration(connectTimeKey)
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	store, err := backoff.Retry(ctx, func() (storage.Store, error) {
		return connect(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("Store not reachable, retrying", "driver", driver, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, driver, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	a.logger.Debug("Store opened", "driver", driver)
	return store, driver, nil
}

// connector returns a function that opens one connection attempt for driver.
func (a *app) connector(driver string) (func(context.Context) (storage.Store, error), error) {
	switch driver {
	case driverSQLite, driverPostgres:
		cfg := sqlstore.Config{
			Dialect: sqlstore.Dialect(driver),
			DSN:     a.v.GetString(storeDSNKey),
		}
		if cfg.DSN == "" {
			return nil, errors.New("--store.dsn is required for SQL stores")
		}
		return func(ctx context.Context) (storage.Store, error) {
			s, err := sqlstore.Open(ctx, cfg)
			if err != nil {
				return nil, err
			}
			s.SetLogger(a.logger)
			return s, nil
		}, nil
	case driverRedis:
		cfg := redisstore.Config{
			Addrs:     a.v.GetStringSlice(redisAddrsKey),
			Password:  a.v.GetString(redisPassKey),
			DB:        a.v.GetInt(redisDBKey),
			KeyPrefix: a.v.GetString(redisPrefixKey),
		}
		if len(cfg.Addrs) == 0 {
			return nil, errors.New("at least one redis address is required")
		}
		return func(ctx context.Context) (storage.Store, error) {
			s, err := redisstore.New(ctx, cfg)
			if err != nil {
				return nil, err
			}
			s.SetLogger(a.logger)
			return s, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w %q (want memory, sqlite, postgres or redis)", errUnknownDriver, driver)
	}
}
