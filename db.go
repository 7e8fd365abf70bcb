package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/example/authsession/internal/auth"
	"github.com/example/authsession/internal/config"
	"github.com/example/authsession/internal/logger"
	"github.com/example/authsession/internal/store"
)

// storage bundles the account backend with the refresh-token store, which is
// either the backend itself or Redis.
type storage struct {
	backend store.Backend
	tokens  auth.RefreshTokenStore
	redis   *redis.Client
}

func newStorage(backend store.Backend) *storage {
	return &storage{backend: backend, tokens: backend.Tokens()}
}

// openStorage connects the backends selected by DB_ADAPTER and REFRESH_STORE.
func openStorage(ctx context.Context, c *config.Config, log *logger.Logger) (*storage, error) {
	var backend store.Backend
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite init: %w", err)
			}
		}
		s, err := store.NewSQLite(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		backend = s
		log.Info("Storage: using SQLite", "file", c.SQLiteFile)
	case "postgres":
		if c.AutoMigrate {
			log.Info("Storage: applying database migrations", "dir", c.MigrationsDir)
			if err := store.ApplyMigrations(c.MigrationsDir, c.Postgres.DSN, log); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		p, err := store.NewPostgres(ctx, c.Postgres.DSN, store.PoolConfig{
			MaxOpenConns:    c.Postgres.MaxOpenConns,
			MaxIdleConns:    c.Postgres.MaxIdleConns,
			ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		backend = p
		log.Info("Storage: connected to PostgreSQL")
	case "memory":
		log.Warn("Storage: using in-memory database (not recommended for production)")
		backend = store.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}

	st := newStorage(backend)
	if c.RefreshStore == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			backend.Close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
		st.redis = rdb
		st.tokens = store.NewRedisTokens(rdb, c.Redis.KeyPrefix)
		log.Info("Storage: refresh tokens in Redis", "addr", c.Redis.Addr)
	}
	return st, nil
}

func (s *storage) ping(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

func (s *storage) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.backend.Close())
	return errors.Join(errs...)
}
