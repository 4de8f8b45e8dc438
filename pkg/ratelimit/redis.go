package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "assistant:ratelimit:"

// windowScript атомарный шаг sliding window: чистит устаревшие
// отметки, при свободном слоте записывает новую и возвращает число
// занятых слотов. KEYS[1] - ключ клиента; ARGV - лимит, окно в мс,
// текущее время в мс. Результат больше лимита означает отказ.
var windowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)

local used = redis.call('ZCARD', KEYS[1])
if used >= limit then
	return used + 1
end

local seq = redis.call('INCR', KEYS[1] .. ':seq')
redis.call('ZADD', KEYS[1], now, seq)
redis.call('PEXPIRE', KEYS[1], window)
redis.call('PEXPIRE', KEYS[1] .. ':seq', window)
return used + 1
`)

// RedisLimiter sliding-window лимитер поверх Redis: то же окно, что
// у MemoryLimiter, но разделяемое между несколькими gateway
type RedisLimiter struct {
	rdb *redis.Client
	cfg *Config
}

// NewRedisLimiter создаёт Redis rate limiter и проверяет соединение
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cannot reach redis at %s: %w", cfg.RedisAddr, err)
	}

	return &RedisLimiter{rdb: rdb, cfg: cfg}, nil
}

// Allow проверяет, разрешён ли запрос для key
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	used, err := windowScript.Run(ctx, l.rdb,
		[]string{redisKeyPrefix + key},
		l.cfg.Requests,
		l.cfg.Window.Milliseconds(),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit check for %q: %w", key, err)
	}

	return used <= int64(l.cfg.Requests), nil
}

// Close закрывает соединение с Redis
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
