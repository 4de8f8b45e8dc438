package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Стандартные ошибки
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter интерфейс ограничителя запросов
type Limiter interface {
	// Allow проверяет, разрешён ли запрос
	Allow(ctx context.Context, key string) (bool, error)

	// Close закрывает лимитер
	Close() error
}

// Config конфигурация rate limiter
type Config struct {
	// Requests количество запросов в окне
	Requests int `koanf:"requests"`

	// Window временное окно
	Window time.Duration `koanf:"window"`

	// Backend хранилище (memory, redis)
	Backend string `koanf:"backend"`

	// CleanupInterval интервал очистки для in-memory
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// Redis настройки Redis
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Backend:         "memory",
		CleanupInterval: 5 * time.Minute,
		RedisAddr:       "localhost:6379",
	}
}

// New создаёт limiter по конфигурации
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(cfg), nil
	case "redis":
		return NewRedisLimiter(cfg)
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %q", cfg.Backend)
	}
}
