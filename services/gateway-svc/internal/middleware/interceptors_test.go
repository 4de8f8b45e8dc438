package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokemanfire/assistant/pkg/config"
)

type echoMsg struct {
	Value string `json:"value"`
}

func callThrough(t *testing.T, interceptor connect.UnaryInterceptorFunc) (connect.AnyResponse, error) {
	t.Helper()

	next := connect.UnaryFunc(func(_ context.Context, _ connect.AnyRequest) (connect.AnyResponse, error) {
		return connect.NewResponse(&echoMsg{Value: "ok"}), nil
	})

	req := connect.NewRequest(&echoMsg{Value: "in"})
	return interceptor(next)(context.Background(), req)
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	resp, err := callThrough(t, NewLoggingInterceptor())
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestMetricsInterceptorPassesThrough(t *testing.T) {
	resp, err := callThrough(t, NewMetricsInterceptor())
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestRateLimitInterceptorDisabled(t *testing.T) {
	interceptor := NewRateLimitInterceptor(config.RateLimitConfig{Enabled: false})

	for i := 0; i < 10; i++ {
		_, err := callThrough(t, interceptor)
		require.NoError(t, err)
	}
}

func TestRateLimitInterceptorBlocks(t *testing.T) {
	interceptor := NewRateLimitInterceptor(config.RateLimitConfig{
		Enabled:  true,
		Requests: 2,
		Window:   time.Minute,
		Backend:  "memory",
	})

	_, err := callThrough(t, interceptor)
	require.NoError(t, err)
	_, err = callThrough(t, interceptor)
	require.NoError(t, err)

	_, err = callThrough(t, interceptor)
	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
}

func TestRequestIDContext(t *testing.T) {
	id := GenerateRequestID()
	require.NotEmpty(t, id)
	assert.NotEqual(t, id, GenerateRequestID())

	ctx := WithRequestID(context.Background(), id)
	assert.Equal(t, id, GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name           string
		cfg            config.CORSConfig
		requestOrigin  string
		requestMethod  string
		expectedOrigin string
		expectNoOrigin bool
	}{
		{
			name: "wildcard origin",
			cfg: config.CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST"},
				AllowedHeaders: []string{"*"},
			},
			requestOrigin:  "http://any-origin.com",
			requestMethod:  "GET",
			expectedOrigin: "http://any-origin.com",
		},
		{
			name: "allowed origin",
			cfg: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET"},
				AllowedHeaders: []string{"Content-Type"},
			},
			requestOrigin:  "http://localhost:3000",
			requestMethod:  "GET",
			expectedOrigin: "http://localhost:3000",
		},
		{
			name: "not allowed origin",
			cfg: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET"},
				AllowedHeaders: []string{"Content-Type"},
			},
			requestOrigin:  "http://evil.com",
			requestMethod:  "GET",
			expectNoOrigin: true,
		},
		{
			name: "preflight",
			cfg: config.CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
				MaxAge:         86400,
			},
			requestOrigin:  "http://example.com",
			requestMethod:  "OPTIONS",
			expectedOrigin: "http://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.requestMethod, "/v1/models", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if tt.expectNoOrigin {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Equal(t, tt.expectedOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			}

			if tt.requestMethod == http.MethodOptions {
				assert.Equal(t, http.StatusNoContent, rec.Code)
				assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
			} else {
				assert.Equal(t, http.StatusOK, rec.Code)
			}
		})
	}
}
