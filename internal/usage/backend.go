package usage

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aiox-platform/quotaengine/internal/config"
)

// NewBackend returns the store selected by cfg.Quota.Store. Redis rows carry
// TTLs matching the reaper's retention.
func NewBackend(cfg *config.Config, pool *pgxpool.Pool, rdb redis.Cmdable) (Backend, error) {
	switch cfg.Quota.Store {
	case config.StorePostgres:
		return NewPostgresStore(pool, cfg.Reaper.BatchSize), nil
	case config.StoreRedis:
		return NewRedisStore(rdb, cfg.Reaper.WindowRetention, cfg.Reaper.DailyRetention, cfg.Reaper.BatchSize), nil
	}
	return nil, fmt.Errorf("unknown usage store %q", cfg.Quota.Store)
}
