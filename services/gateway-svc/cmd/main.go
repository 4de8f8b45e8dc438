package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/pkg/logger"
	"github.com/jokemanfire/assistant/pkg/metrics"
	"github.com/jokemanfire/assistant/pkg/telemetry"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/httpapi"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/middleware"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/rpc"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/scheduler"
)

//go:embed default.toml
var defaultModelConfig string

func main() {
	printModelConfig := flag.Bool("model-config", false, "print default model configuration and exit")
	flag.Parse()

	if *printModelConfig {
		fmt.Println(defaultModelConfig)
		return
	}

	// Загружаем конфигурацию; отсутствие файла не фатально
	cfg, err := config.Load()
	if errors.Is(err, config.ErrConfigFileNotFound) {
		logger.Init("info")
		logger.Warn("Config file not found, using defaults", "example", config.DefaultConfigPath)
		// Пишем example по дефолтному пути (best-effort)
		if werr := config.WriteExample(config.DefaultConfigPath); werr != nil {
			logger.Warn("Failed to write example config", "error", werr)
		}
	} else if err != nil {
		logger.Init("error")
		logger.Fatal("Failed to load config", "error", err)
	}

	// Инициализируем логгер
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	logger.Info("Starting assistant gateway",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Метрики
	if cfg.Metrics.Enabled {
		metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		metrics.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	// Трейсинг
	tele, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	// Каталог планировщика
	if err := os.MkdirAll(cfg.Scheduler.ConfigDir, 0o755); err != nil {
		logger.Fatal("Failed to create scheduler config dir", "error", err)
	}

	// Планировщик и объявленные модели
	sched := scheduler.New(cfg.Scheduler)
	sched.LoadAll(ctx, cfg.LlamaServers)

	// RPC сервис
	svc := rpc.NewService(sched, cfg)
	path, handler := rpc.NewAssistantServiceHandler(svc,
		connect.WithInterceptors(
			middleware.NewLoggingInterceptor(),
			middleware.NewRateLimitInterceptor(cfg.RateLimit),
			telemetry.UnaryInterceptor(),
			middleware.NewMetricsInterceptor(),
		),
	)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	mux.HandleFunc("/health", handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	// RPC сервер: HTTP/1.1 + H2C
	rpcServer := &http.Server{
		Addr:    cfg.Server.GrpcAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	// Неподнявшийся listener фатален
	rpcListener, err := net.Listen("tcp", cfg.Server.GrpcAddr)
	if err != nil {
		logger.Fatal("Failed to bind RPC listener", "addr", cfg.Server.GrpcAddr, "error", err)
	}

	go func() {
		logger.Info("RPC server listening", "addr", cfg.Server.GrpcAddr)
		if err := rpcServer.Serve(rpcListener); err != nil && err != http.ErrServerClosed {
			logger.Fatal("RPC server failed", "error", err)
		}
	}()

	// HTTP edge поднимается только при заданном адресе
	var httpServer *http.Server
	if cfg.Server.HttpAddr != "" {
		edge := httpapi.New(cfg.Server.GrpcAddr, cfg.CORS)
		httpServer = &http.Server{
			Addr:    cfg.Server.HttpAddr,
			Handler: edge.Handler(),
		}

		httpListener, err := net.Listen("tcp", cfg.Server.HttpAddr)
		if err != nil {
			logger.Fatal("Failed to bind HTTP listener", "addr", cfg.Server.HttpAddr, "error", err)
		}

		go func() {
			logger.Info("HTTP server listening", "addr", cfg.Server.HttpAddr)
			if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
				logger.Fatal("HTTP server failed", "error", err)
			}
		}()
	}

	logger.Info("Service startup completed")

	// Ждём сигнала
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Starting graceful shutdown")

	// Останавливаем инстансы; выхода процессов не ждём
	sched.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC server shutdown error", "error", err)
	}
	if err := tele.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}

	logger.Info("Shutdown completed")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		return
	}
}
