package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/capability"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ratelimit"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/sqlitepool"
)

// Storage holds the persistence backends selected by storage.driver.
// The CLI opens the same backends to manage capabilities offline.
type Storage struct {
	Driver       string
	Capabilities capability.Backend
	// Buckets is nil when bucket state is not persisted (memory and
	// postgres drivers).
	Buckets ratelimit.BucketStore
	// Pool is set for the sqlite driver only.
	Pool *sqlitepool.Pool
}

// OpenStorage opens the backends for cfg. The caller must Close the result.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		return &Storage{Driver: "memory", Capabilities: capability.NewMemoryBackend()}, nil

	case "sqlite":
		pool, err := sqlitepool.Open(sqlitepool.Config{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		caps, err := capability.NewSQLiteBackend(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("capability store: %w", err)
		}
		buckets, err := ratelimit.NewSQLiteStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		return &Storage{Driver: "sqlite", Capabilities: caps, Buckets: buckets, Pool: pool}, nil

	case "postgres":
		caps, err := capability.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return &Storage{Driver: "postgres", Capabilities: caps}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Close releases the backends and the pool.
func (s *Storage) Close() error {
	var errs []error
	if s.Capabilities != nil {
		errs = append(errs, s.Capabilities.Close())
	}
	if s.Pool != nil {
		errs = append(errs, s.Pool.Close())
	}
	return errors.Join(errs...)
}
