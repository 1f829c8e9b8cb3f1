package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// New creates the backend selected by cfg, wrapped in an existence cache
// when cfg.Cache.Enabled is set.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (Backend, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case BackendRedis:
		backend, err = NewRedisBackend(ctx, &cfg.Redis, logger)
	case BackendSQLite:
		backend, err = NewSQLiteBackend(&cfg.SQLite, logger)
	case BackendBolt:
		backend, err = NewBoltBackend(&cfg.Bolt, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Rule store opened", "backend", string(cfg.Backend), "address", cfg.Address())

	if cfg.Cache.Enabled && cfg.Cache.Size > 0 {
		logger.Info("Existence cache enabled", "size", cfg.Cache.Size, "ttl", cfg.Cache.TTL)
		return NewCachedBackend(backend, cfg.Cache), nil
	}
	return backend, nil
}
