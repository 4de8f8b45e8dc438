package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/pkg/logger"
	"github.com/jokemanfire/assistant/pkg/metrics"
	"github.com/jokemanfire/assistant/pkg/ratelimit"
)

// NewLoggingInterceptor логирует запросы
func NewLoggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			requestID := GenerateRequestID()
			ctx = WithRequestID(ctx, requestID)

			start := time.Now()
			procedure := req.Spec().Procedure

			resp, err := next(ctx, req)

			duration := time.Since(start)

			if err != nil {
				logger.Log.Error("Request failed",
					"request_id", requestID,
					"method", procedure,
					"duration_ms", duration.Milliseconds(),
					"code", connect.CodeOf(err).String(),
					"error", err,
				)
			} else {
				logger.Log.Info("Request completed",
					"request_id", requestID,
					"method", procedure,
					"duration_ms", duration.Milliseconds(),
				)
			}

			return resp, err
		}
	}
}

// NewMetricsInterceptor учитывает запросы в Prometheus
func NewMetricsInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure

			metrics.RPCInFlight(1)
			resp, err := next(ctx, req)
			metrics.RPCInFlight(-1)

			code := 0
			if err != nil {
				code = int(connect.CodeOf(err))
			}
			metrics.ObserveRPC(procedure, code, time.Since(start))

			return resp, err
		}
	}
}

// NewRateLimitInterceptor ограничивает частоту запросов по адресу
// клиента; при выключенном лимитере пропускает всё
func NewRateLimitInterceptor(cfg config.RateLimitConfig) connect.UnaryInterceptorFunc {
	if !cfg.Enabled {
		return func(next connect.UnaryFunc) connect.UnaryFunc {
			return next
		}
	}

	limiter, err := ratelimit.New(&ratelimit.Config{
		Requests:        cfg.Requests,
		Window:          cfg.Window,
		Backend:         cfg.Backend,
		CleanupInterval: cfg.CleanupInterval,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RedisDB:         cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("Failed to create rate limiter, rate limiting disabled", "error", err)
		return func(next connect.UnaryFunc) connect.UnaryFunc {
			return next
		}
	}

	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			key := clientKey(req)

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				// Недоступный backend не валит трафик
				logger.Warn("Rate limiter error", "error", err)
				return next(ctx, req)
			}
			if !allowed {
				return nil, connect.NewError(connect.CodeResourceExhausted,
					fmt.Errorf("rate limit exceeded"))
			}

			return next(ctx, req)
		}
	}
}

func clientKey(req connect.AnyRequest) string {
	if fwd := req.Header().Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if addr := req.Peer().Addr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}
	return "unknown"
}

// CORS middleware для HTTP edge
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowedMethods := joinOrStar(cfg.AllowedMethods)
	allowedHeaders := joinOrStar(cfg.AllowedHeaders)
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigin := ""
			for _, o := range cfg.AllowedOrigins {
				if o == "*" {
					allowedOrigin = origin
					if allowedOrigin == "" {
						allowedOrigin = "*"
					}
					break
				}
				if o == origin {
					allowedOrigin = origin
					break
				}
			}

			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			}

			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			// Preflight
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func joinOrStar(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	out := values[0]
	for _, v := range values[1:] {
		out += ", " + v
	}
	return out
}
