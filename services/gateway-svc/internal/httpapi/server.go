// Package httpapi - тонкий HTTP адаптер над RPC поверхностью:
// публичные chat-completions маршруты, определение стриминга по телу,
// пересылка (path, method, headers, body) без интерпретации.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/pkg/logger"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/middleware"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/rpc"
)

// reservedHeaders заголовки, которыми управляет сам HTTP стек
var reservedHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
}

// Server HTTP edge поверх gateway RPC
type Server struct {
	client *rpc.AssistantServiceClient
	cors   config.CORSConfig
}

// New создаёт адаптер, говорящий с gateway по gatewayAddr (loopback)
func New(gatewayAddr string, cors config.CORSConfig) *Server {
	httpClient := &http.Client{Transport: &http.Transport{}}
	return &Server{
		client: rpc.NewAssistantServiceClient(httpClient, "http://"+gatewayAddr),
		cors:   cors,
	}
}

// NewWithClient создаёт адаптер поверх готового клиента
func NewWithClient(client *rpc.AssistantServiceClient, cors config.CORSConfig) *Server {
	return &Server{client: client, cors: cors}
}

// Handler собирает маршруты адаптера
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handle)
	mux.HandleFunc("POST /v1/completions", s.handle)
	mux.HandleFunc("GET /v1/models", s.handle)
	mux.HandleFunc("POST /v1/embeddings", s.handle)
	mux.HandleFunc("POST /v1/chunks", s.handle)
	mux.HandleFunc("POST /v1/audio/speech", s.handle)
	mux.HandleFunc("GET /v1/info", s.handle)

	var handler http.Handler = mux
	if s.cors.Enabled {
		handler = middleware.CORS(s.cors)(mux)
	}
	return handler
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	req := &rpc.ForwardRequest{
		Path:    r.URL.Path,
		Method:  r.Method,
		Body:    body,
		Headers: flattenHeaders(r.Header),
	}

	if isStreamRequest(body) {
		s.handleStream(w, r, req)
		return
	}
	s.handleUnary(w, r, req)
}

func (s *Server) handleUnary(w http.ResponseWriter, r *http.Request, req *rpc.ForwardRequest) {
	resp, err := s.client.Forward(r.Context(), connect.NewRequest(req))
	if err != nil {
		writeRPCError(w, err)
		return
	}

	for key, value := range resp.Msg.Headers {
		if reservedHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		w.Header().Set(key, value)
	}
	w.WriteHeader(int(resp.Msg.Status))
	if _, err := w.Write(resp.Msg.Body); err != nil {
		logger.Debug("Failed to write response body", "error", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, req *rpc.ForwardRequest) {
	stream, err := s.client.ForwardStream(r.Context(), connect.NewRequest(req))
	if err != nil {
		writeRPCError(w, err)
		return
	}
	defer stream.Close()

	// Первое сообщение ждём до отправки статуса: отказ до первого чанка
	// ещё переводится в HTTP статус
	first := stream.Receive()
	if !first {
		if err := stream.Err(); err != nil {
			writeRPCError(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for received := first; received; received = stream.Receive() {
		if _, err := w.Write(stream.Msg().Body); err != nil {
			return
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		// Статус уже ушёл; ошибка может только оборвать стрим
		logger.Warn("Stream terminated with error", "error", err)
	}
}

// isStreamRequest: стриминг тогда и только тогда, когда тело - JSON
// объект с булевым stream=true; любая ошибка парсинга значит unary
func isStreamRequest(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

// writeRPCError переводит код connect-ошибки в HTTP статус
func writeRPCError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch connect.CodeOf(err) {
	case connect.CodeResourceExhausted:
		status = http.StatusServiceUnavailable
	case connect.CodeUnavailable:
		status = http.StatusBadGateway
	case connect.CodeCanceled:
		status = 499 // client closed request
	}
	http.Error(w, err.Error(), status)
}

// flattenHeaders склеивает многозначные заголовки запятой
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ",")
	}
	return out
}
