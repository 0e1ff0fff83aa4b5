package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"onix_miner/internal/types"
)

const statsKey = "onix:global_stats"

// NewRedisClient разбирает REDIS_URL и проверяет соединение.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Printf("cache: redis connected: %s", opt.Addr)
	return client, nil
}

// StatsCache хранит последний снимок глобальной статистики, чтобы реплики API
// без движка могли отдавать /api/stats.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StatsCache{client: client, ttl: ttl}
}

type snapshot struct {
	Stats   types.StatsMessage `json:"stats"`
	SavedAt time.Time          `json:"saved_at"`
}

func (c *StatsCache) SaveStats(ctx context.Context, stats types.StatsMessage) error {
	data, err := json.Marshal(snapshot{Stats: stats, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return c.client.Set(ctx, statsKey, data, c.ttl).Err()
}

// LoadStats returns ok=false when no fresh snapshot exists.
func (c *StatsCache) LoadStats(ctx context.Context) (types.StatsMessage, bool, error) {
	data, err := c.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.StatsMessage{}, false, nil
	}
	if err != nil {
		return types.StatsMessage{}, false, fmt.Errorf("failed to get stats: %w", err)
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return types.StatsMessage{}, false, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return s.Stats, true, nil
}
