// pkg/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config - главная структура конфигурации gateway
type Config struct {
	App           AppConfig            `koanf:"app"`
	Server        ServerConfig         `koanf:"server"`
	Scheduler     SchedulerConfig      `koanf:"scheduler"`
	Gateway       GatewayConfig        `koanf:"gateway"`
	RemoteServers []RemoteServerConfig `koanf:"remote_servers"`
	LlamaServers  []LlamaServerConfig  `koanf:"llama_servers"`
	Log           LogConfig            `koanf:"log"`
	Metrics       MetricsConfig        `koanf:"metrics"`
	Tracing       TracingConfig        `koanf:"tracing"`
	CORS          CORSConfig           `koanf:"cors"`
	RateLimit     RateLimitConfig      `koanf:"rate_limit"`
}

// AppConfig - общие настройки приложения
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
}

// ServerConfig - адреса слушателей
type ServerConfig struct {
	// GrpcAddr адрес RPC сервера (обязательный)
	GrpcAddr string `koanf:"grpc_addr"`
	// HttpAddr адрес HTTP edge; пустая строка - HTTP адаптер не стартует
	HttpAddr string `koanf:"http_addr"`
}

// SchedulerConfig - настройки пула инстансов
type SchedulerConfig struct {
	ConfigDir    string  `koanf:"config_dir"`
	MaxInstances int     `koanf:"max_instances"`
	MaxLoad      float64 `koanf:"max_load"`
	// WasmPath путь до llama-api-server.wasm
	WasmPath string `koanf:"wasm_path"`
	// WasmURL откуда один раз скачивается wasm, если его нет на диске
	WasmURL string `koanf:"wasm_url"`
	// RuntimePath бинарь wasm-рантайма
	RuntimePath string `koanf:"runtime_path"`
}

// GatewayConfig - настройки пересылки между gateway
type GatewayConfig struct {
	// HopLimit потолок количества хопов между gateway
	HopLimit uint32 `koanf:"hop_limit"`
}

// RemoteServerConfig - peer gateway
type RemoteServerConfig struct {
	Name     string `koanf:"name"`
	GrpcAddr string `koanf:"grpc_addr"`
	// Weight зарезервировано: fan-out идёт в порядке объявления
	Weight  uint32 `koanf:"weight"`
	Enabled bool   `koanf:"enabled"`
}

// LlamaServerConfig - описание одного worker
type LlamaServerConfig struct {
	Name               string `koanf:"name"`
	ChatModelPath      string `koanf:"chat_model_path"`
	EmbeddingModelPath string `koanf:"embedding_model_path"`
	TtsModelPath       string `koanf:"tts_model_path"`
	ConfigPath         string `koanf:"config_path"`
}

// LogConfig - настройки логирования
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"` // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig - настройки Prometheus
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig - настройки OTLP трейсинга
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// CORSConfig - настройки CORS на HTTP edge
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	ExposedHeaders   []string `koanf:"exposed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// RateLimitConfig - ограничение частоты запросов на RPC границе
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Backend         string        `koanf:"backend"` // memory, redis
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db"`
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Server.GrpcAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Scheduler.MaxInstances < 0 {
		return fmt.Errorf("scheduler.max_instances must be >= 0, got %d", c.Scheduler.MaxInstances)
	}
	if c.Scheduler.MaxLoad < 0 || c.Scheduler.MaxLoad > 1 {
		return fmt.Errorf("scheduler.max_load must be in [0, 1], got %v", c.Scheduler.MaxLoad)
	}
	if c.Gateway.HopLimit == 0 {
		return fmt.Errorf("gateway.hop_limit must be > 0")
	}
	for i, s := range c.RemoteServers {
		if s.GrpcAddr == "" {
			return fmt.Errorf("remote_servers[%d]: grpc_addr is required", i)
		}
	}
	for i, s := range c.LlamaServers {
		if s.Name == "" {
			return fmt.Errorf("llama_servers[%d]: name is required", i)
		}
	}
	return nil
}
