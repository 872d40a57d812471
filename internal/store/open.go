// internal/store/open.go
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// Backend is an opened sink and, when the backend supports it, a pool store.
type Backend struct {
	Sink  schemas.ResultSink
	Pools schemas.PoolStore
	close func()
}

// Close releases the backend's connections.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects the configured sink. Pool snapshots are only offered by
// persistent backends and only when enabled.
func Open(ctx context.Context, cfg config.SinkConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case "", "memory":
		return &Backend{Sink: NewMemory()}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		b := &Backend{Sink: s, close: pool.Close}
		if cfg.PoolSnapshots {
			b.Pools = s
		}
		logger.Info("Result sink connected", zap.String("type", cfg.Type))
		return b, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		r := NewRedis(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger)
		b := &Backend{Sink: r, close: func() { _ = client.Close() }}
		if cfg.PoolSnapshots {
			b.Pools = r
		}
		logger.Info("Result sink connected", zap.String("type", cfg.Type), zap.String("addr", cfg.Redis.Addr))
		return b, nil
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}
