package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gridbot/internal/model"
)

// RedisCache serves closed windows of historical bars from Redis and falls
// back to the wrapped fetcher on a miss. Windows that reach into the future are
// never cached because the venue may still append bars to them.
type RedisCache struct {
	logger *slog.Logger
	client *redis.Client
	next   BarFetcher
	ttl    time.Duration
	now    func() time.Time
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisCache wraps next with a Redis read-through cache.
func NewRedisCache(logger *slog.Logger, client *redis.Client, next BarFetcher, ttl time.Duration) *RedisCache {
	return &RedisCache{
		logger: logger.With("component", "bar_cache"),
		client: client,
		next:   next,
		ttl:    ttl,
		now:    time.Now,
	}
}

func cacheKey(symbol string, tf model.Timeframe, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%d:%d", symbol, tf, start.Unix(), end.Unix())
}

// Bars implements BarFetcher. Redis errors are logged and bypassed.
func (c *RedisCache) Bars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.PriceBar, error) {
	if end.After(c.now()) {
		return c.next.Bars(ctx, symbol, tf, start, end)
	}

	key := cacheKey(symbol, tf, start, end)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var bars []model.PriceBar
		if err := json.Unmarshal(raw, &bars); err == nil {
			c.logger.Debug("cache hit", "key", key, "bars", len(bars))
			return bars, nil
		}
		c.logger.Warn("dropping corrupt cache entry", "key", key)
	case errors.Is(err, redis.Nil):
		c.logger.Debug("cache miss", "key", key)
	default:
		c.logger.Warn("redis GET failed", "key", key, "error", err)
	}

	bars, err := c.next.Bars(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(bars)
	if err != nil {
		return bars, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("redis SET failed", "key", key, "error", err)
	}
	return bars, nil
}
