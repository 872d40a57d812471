// internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// historyLimit is how many results are kept per task.
const historyLimit = 20

// Redis stores each task's results in a sorted set scored by completion
// time, and pool records in two hashes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis wraps a connected client. A zero ttl keeps results forever.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: logger.Named("store")}
}

func (r *Redis) resultsKey(taskID string) string { return r.prefix + "results:" + taskID }
func (r *Redis) identitiesKey() string           { return r.prefix + "pool:identities" }
func (r *Redis) proxiesKey() string              { return r.prefix + "pool:proxies" }

func (r *Redis) Save(ctx context.Context, result schemas.TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	key := r.resultsKey(result.TaskID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(result.CompletedAt.UnixMilli()), Member: payload})
		pipe.ZRemRangeByRank(ctx, key, 0, -historyLimit-1)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (r *Redis) Latest(ctx context.Context, taskID string) ([]schemas.Item, error) {
	members, err := r.client.ZRevRange(ctx, r.resultsKey(taskID), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	if len(members) == 0 {
		return []schemas.Item{}, nil
	}
	var result schemas.TaskResult
	if err := json.Unmarshal([]byte(members[0]), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if result.Items == nil {
		return []schemas.Item{}, nil
	}
	return result.Items, nil
}

func (r *Redis) SaveIdentities(ctx context.Context, identities []schemas.Identity) error {
	fields := make(map[string]any, len(identities))
	for _, ident := range identities {
		data, err := json.Marshal(ident)
		if err != nil {
			return fmt.Errorf("failed to encode identity %s: %w", ident.ID, err)
		}
		fields[ident.ID] = data
	}
	return r.hset(ctx, r.identitiesKey(), fields)
}

func (r *Redis) SaveProxies(ctx context.Context, proxies []schemas.Proxy) error {
	fields := make(map[string]any, len(proxies))
	for _, p := range proxies {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode proxy %s: %w", p.ID, err)
		}
		fields[p.ID] = data
	}
	return r.hset(ctx, r.proxiesKey(), fields)
}

func (r *Redis) hset(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LoadIdentities(ctx context.Context) ([]schemas.Identity, error) {
	return hload[schemas.Identity](ctx, r.client, r.identitiesKey())
}

func (r *Redis) LoadProxies(ctx context.Context) ([]schemas.Proxy, error) {
	return hload[schemas.Proxy](ctx, r.client, r.proxiesKey())
}

func hload[T any](ctx context.Context, client redis.UniversalClient, key string) ([]T, error) {
	values, err := client.HVals(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	out := make([]T, 0, len(values))
	for _, v := range values {
		var rec T
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record in %s: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
