package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/scheduler"
)

// Полный round-trip по connect: handler + client поверх httptest

func newGatewayServer(t *testing.T, svc *Service) (*httptest.Server, *AssistantServiceClient) {
	t.Helper()

	path, handler := NewAssistantServiceHandler(svc)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, NewAssistantServiceClient(srv.Client(), srv.URL)
}

func TestForwardOverWire(t *testing.T) {
	pool := &stubPool{
		forwardResp: &scheduler.ProxyResponse{
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte(`{"ok":true}`),
		},
	}
	_, client := newGatewayServer(t, NewService(pool, testConfig()))

	resp, err := client.Forward(context.Background(), connect.NewRequest(&ForwardRequest{
		Path:    "/v1/chat/completions",
		Method:  http.MethodPost,
		Body:    []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`),
		Headers: map[string]string{"Content-Type": "application/json"},
	}))
	require.NoError(t, err)

	assert.Equal(t, int32(http.StatusOK), resp.Msg.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Msg.Body))
	assert.Equal(t, "application/json", resp.Msg.Headers["Content-Type"])
}

func TestForwardStreamOverWire(t *testing.T) {
	pool := &stubPool{streamChunks: []string{"a", "b", "c"}}
	_, client := newGatewayServer(t, NewService(pool, testConfig()))

	stream, err := client.ForwardStream(context.Background(), connect.NewRequest(&ForwardRequest{
		Path:   "/v1/chat/completions",
		Method: http.MethodPost,
		Body:   []byte(`{"model":"m","stream":true}`),
	}))
	require.NoError(t, err)
	defer stream.Close()

	var got strings.Builder
	var chunks int
	for stream.Receive() {
		assert.Equal(t, int32(http.StatusOK), stream.Msg().Status)
		got.Write(stream.Msg().Body)
		chunks++
	}
	require.NoError(t, stream.Err())

	assert.Equal(t, "abc", got.String())
	assert.Equal(t, 3, chunks)
}

func TestForwardStreamBusyRefused(t *testing.T) {
	pool := &stubPool{busy: true}
	_, client := newGatewayServer(t, NewService(pool, testConfig(
		config.RemoteServerConfig{Name: "p", GrpcAddr: "p:1", Enabled: true},
	)))

	stream, err := client.ForwardStream(context.Background(), connect.NewRequest(&ForwardRequest{
		Path:   "/v1/chat/completions",
		Method: http.MethodPost,
		Body:   []byte(`{"stream":true}`),
	}))
	if err == nil {
		require.False(t, stream.Receive())
		err = stream.Err()
		_ = stream.Close()
	}

	// Стриминг через peer'ов не проксируется
	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
}

func TestForwardStreamNoCandidateRefused(t *testing.T) {
	pool := &stubPool{streamErr: apperror.NoCandidate()}
	_, client := newGatewayServer(t, NewService(pool, testConfig()))

	stream, err := client.ForwardStream(context.Background(), connect.NewRequest(&ForwardRequest{
		Path:   "/v1/chat/completions",
		Method: http.MethodPost,
	}))
	if err == nil {
		require.False(t, stream.Receive())
		err = stream.Err()
		_ = stream.Close()
	}

	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
}

// handlerSwitch позволяет смонтировать handler после создания сервера
type handlerSwitch struct {
	mu    sync.RWMutex
	inner http.Handler
	calls atomic.Int32
}

func (h *handlerSwitch) set(inner http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner = inner
}

func (h *handlerSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	inner.ServeHTTP(w, r)
}

// Два gateway, перечисляющие друг друга peer'ами, с пустыми пулами:
// ровно один хоп, пинг-понга нет
func TestTwoGatewaysDoNotPingPong(t *testing.T) {
	sw1, sw2 := &handlerSwitch{}, &handlerSwitch{}

	srv1 := httptest.NewServer(sw1)
	t.Cleanup(srv1.Close)
	srv2 := httptest.NewServer(sw2)
	t.Cleanup(srv2.Close)

	addr1 := strings.TrimPrefix(srv1.URL, "http://")
	addr2 := strings.TrimPrefix(srv2.URL, "http://")

	mkConfig := func(self, peer string) *config.Config {
		return &config.Config{
			App:       config.AppConfig{Version: "0.1.0"},
			Server:    config.ServerConfig{GrpcAddr: self},
			Scheduler: config.SchedulerConfig{MaxInstances: 1, MaxLoad: 0.8},
			Gateway:   config.GatewayConfig{HopLimit: 3},
			RemoteServers: []config.RemoteServerConfig{
				{Name: "other", GrpcAddr: peer, Enabled: true},
			},
		}
	}

	// Оба пула пустые: локальный путь всегда NoCandidate
	svc1 := NewService(&stubPool{forwardErr: apperror.NoCandidate()}, mkConfig(addr1, addr2))
	svc2 := NewService(&stubPool{forwardErr: apperror.NoCandidate()}, mkConfig(addr2, addr1))

	mount := func(svc *Service) http.Handler {
		path, handler := NewAssistantServiceHandler(svc)
		mux := http.NewServeMux()
		mux.Handle(path, handler)
		return mux
	}
	sw1.set(mount(svc1))
	sw2.set(mount(svc2))

	client := NewAssistantServiceClient(srv1.Client(), srv1.URL)
	_, err := client.Forward(context.Background(), connect.NewRequest(&ForwardRequest{
		Path:   "/v1/chat/completions",
		Method: http.MethodPost,
		Body:   []byte(`{"model":"m"}`),
	}))

	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))

	// G1 получил только вызов клиента, G2 - ровно один хоп от G1
	assert.Equal(t, int32(1), sw1.calls.Load())
	assert.Equal(t, int32(1), sw2.calls.Load())
}
