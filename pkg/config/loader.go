// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "ASSISTANT_"
	configEnvVar = "CONFIG_PATH"

	defaultWasmPath = "/etc/assistant/bin/llama-api-server.wasm"
	defaultWasmURL  = "https://github.com/LlamaEdge/LlamaEdge/releases/latest/download/llama-api-server.wasm"
)

// DefaultConfigPath - путь, куда пишется example-конфигурация
const DefaultConfigPath = "/etc/assistant/config.toml"

// Loader загружает конфигурацию из разных источников
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader создаёт новый загрузчик конфигурации
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.toml",
			"config/config.toml",
			DefaultConfigPath,
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption - опция для конфигурации загрузчика
type LoaderOption func(*Loader)

// WithConfigPaths устанавливает пути поиска конфигурации
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix устанавливает префикс переменных окружения
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load загружает конфигурацию с приоритетом:
// 1. Defaults (самый низкий)
// 2. Config file (toml)
// 3. Environment variables (самый высокий)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Файл не обязателен: gateway умеет стартовать на дефолтах
	fileFound, err := l.loadConfigFile()
	if err != nil {
		return nil, err
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !fileFound {
		return &cfg, ErrConfigFileNotFound
	}

	return &cfg, nil
}

// ErrConfigFileNotFound возвращается вместе с валидной дефолтной
// конфигурацией, когда файл не найден ни по одному из путей
var ErrConfigFileNotFound = fmt.Errorf("config file not found")

// loadDefaults загружает значения по умолчанию
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "assistant",
		"app.version":     "0.1.0",
		"app.environment": "development",

		// Server
		"server.grpc_addr": "0.0.0.0:50051",
		"server.http_addr": "0.0.0.0:8000",

		// Scheduler
		"scheduler.config_dir":    "/etc/assistant/models",
		"scheduler.max_instances": 10,
		"scheduler.max_load":      0.8,
		"scheduler.wasm_path":     defaultWasmPath,
		"scheduler.wasm_url":      defaultWasmURL,
		"scheduler.runtime_path":  "wasmedge",

		// Gateway
		"gateway.hop_limit": 3,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.path":      "/metrics",
		"metrics.namespace": "assistant",
		"metrics.subsystem": "gateway",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "assistant-gateway",
		"tracing.sample_rate":  0.1,

		// CORS: edge открыт для всех origin
		"cors.enabled":           true,
		"cors.allowed_origins":   []string{"*"},
		"cors.allowed_methods":   []string{"GET", "POST", "OPTIONS"},
		"cors.allowed_headers":   []string{"*"},
		"cors.allow_credentials": false,
		"cors.max_age":           86400,

		// Rate limit
		"rate_limit.enabled":          false,
		"rate_limit.requests":         100,
		"rate_limit.window":           time.Minute,
		"rate_limit.backend":          "memory",
		"rate_limit.cleanup_interval": 5 * time.Minute,
		"rate_limit.redis_addr":       "localhost:6379",
		"rate_limit.redis_db":         0,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile загружает конфигурацию из файла
func (l *Loader) loadConfigFile() (bool, error) {
	// Сначала проверяем переменную окружения
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := l.k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return false, fmt.Errorf("failed to parse %s: %w", configPath, err)
			}
			return true, nil
		}
	}

	// Ищем файл по списку путей
	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := l.k.Load(file.Provider(absPath), toml.Parser()); err != nil {
				return false, fmt.Errorf("failed to parse %s: %w", absPath, err)
			}
			return true, nil
		}
	}

	return false, nil
}

// loadEnv загружает конфигурацию из переменных окружения
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// ASSISTANT_SERVER__GRPC_ADDR -> server.grpc_addr
		// (двойное подчёркивание разделяет секции, одинарное остаётся в ключе)
		s = strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
}

// Load - удобная функция для загрузки с дефолтными настройками
func Load() (*Config, error) {
	return NewLoader().Load()
}

// WriteExample пишет example-конфигурацию в path (best-effort)
func WriteExample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}

const exampleConfig = `# assistant gateway configuration

[app]
name = "assistant"
version = "0.1.0"
environment = "development"

[server]
grpc_addr = "0.0.0.0:50051"
http_addr = "0.0.0.0:8000"

[scheduler]
config_dir = "/etc/assistant/models"
max_instances = 10
max_load = 0.8

[gateway]
hop_limit = 3

[log]
level = "info"
format = "json"
output = "stdout"

# [[remote_servers]]
# name = "peer-1"
# grpc_addr = "10.0.0.2:50051"
# weight = 1
# enabled = true

[[llama_servers]]
name = "default"
chat_model_path = "/etc/assistant/models/chat.gguf"
embedding_model_path = ""
tts_model_path = ""
config_path = "/etc/assistant/models/default.toml"
`
