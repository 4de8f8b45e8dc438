package rpc

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/services/gateway-svc/internal/scheduler"
)

// Endpoints фиксированный набор HTTP endpoints адаптера
var Endpoints = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/models",
	"/v1/embeddings",
	"/v1/chunks",
	"/v1/audio/speech",
	"/v1/info",
}

// Pool - то, что сервису нужно от планировщика: load gate, снимки
// инстансов и локальный диспетчер
type Pool interface {
	IsBusy(maxLoad float64) bool
	List() []scheduler.Instance
	Forward(ctx context.Context, path, method string, body []byte, headers map[string]string) (*scheduler.ProxyResponse, error)
	ForwardStream(ctx context.Context, path, method string, body []byte, headers map[string]string, out chan<- scheduler.StreamResult) error
}

// streamBuffer ёмкость канала между диспетчером и RPC стримом
const streamBuffer = 4

// Service обрабатывает запрос по одной схеме для unary и stream:
// admission -> локальный путь -> peer путь
type Service struct {
	pool     Pool
	peers    []config.RemoteServerConfig
	maxLoad  float64
	selfID   string
	hopLimit uint32
	version  string

	// dial подменяется в тестах
	dial func(addr string) PeerClient
}

// NewService создаёт сервис gateway
func NewService(pool Pool, cfg *config.Config) *Service {
	s := &Service{
		pool:     pool,
		peers:    cfg.RemoteServers,
		maxLoad:  cfg.Scheduler.MaxLoad,
		selfID:   cfg.Server.GrpcAddr,
		hopLimit: cfg.Gateway.HopLimit,
		version:  cfg.App.Version,
	}
	s.dial = s.dialPeer
	return s
}

// NewAssistantServiceHandler регистрирует процедуры сервиса и
// возвращает путь монтирования с handler'ом
func NewAssistantServiceHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(ForwardProcedure, connect.NewUnaryHandler(ForwardProcedure, svc.Forward, opts...))
	mux.Handle(ForwardStreamProcedure, connect.NewServerStreamHandler(ForwardStreamProcedure, svc.ForwardStream, opts...))
	mux.Handle(GetInfoProcedure, connect.NewUnaryHandler(GetInfoProcedure, svc.GetInfo, opts...))
	return ServicePath, mux
}

// Forward - unary путь. Цикл отбрасывается на входе; Upstream ошибка
// локального worker'а не ретраится через peer'ов: принятый worker'ом
// запрос не идемпотентен.
func (s *Service) Forward(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.Response[ForwardResponse], error) {
	r := req.Msg

	if containsHop(r.RouteHops, s.selfID) {
		return nil, apperror.ToConnect(apperror.CycleDetected(s.selfID))
	}

	if s.pool.IsBusy(s.maxLoad) {
		return s.tryPeers(ctx, r)
	}

	resp, err := s.pool.Forward(ctx, r.Path, r.Method, r.Body, r.Headers)
	if err != nil {
		if apperror.Is(err, apperror.CodeNoCandidate) {
			return s.tryPeers(ctx, r)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&ForwardResponse{
		Status:  int32(resp.Status),
		Body:    resp.Body,
		Headers: resp.Headers,
	}), nil
}

// ForwardStream - стриминговый путь. Через peer'ов SSE не
// проксируется: занятый или пустой пул сразу даёт resource-exhausted.
func (s *Service) ForwardStream(ctx context.Context, req *connect.Request[ForwardRequest], stream *connect.ServerStream[ForwardResponse]) error {
	r := req.Msg

	if containsHop(r.RouteHops, s.selfID) {
		return apperror.ToConnect(apperror.CycleDetected(s.selfID))
	}

	if s.pool.IsBusy(s.maxLoad) {
		return apperror.ToConnect(apperror.AllPeersBusy())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan scheduler.StreamResult, streamBuffer)
	if err := s.pool.ForwardStream(ctx, r.Path, r.Method, r.Body, r.Headers, out); err != nil {
		if apperror.Is(err, apperror.CodeNoCandidate) {
			return apperror.ToConnect(apperror.AllPeersBusy())
		}
		return connect.NewError(connect.CodeInternal, err)
	}

	for res := range out {
		if res.Err != nil {
			// Ошибка после первого чанка терминальна для стрима
			return connect.NewError(connect.CodeInternal, res.Err)
		}
		if err := stream.Send(&ForwardResponse{
			Status:  int32(res.Resp.Status),
			Body:    res.Resp.Body,
			Headers: res.Resp.Headers,
		}); err != nil {
			// Потребитель отвалился; cancel остановит producer
			return err
		}
	}

	return nil
}

// GetInfo возвращает версию, модели живых инстансов и endpoints
func (s *Service) GetInfo(_ context.Context, _ *connect.Request[InfoRequest]) (*connect.Response[InfoResponse], error) {
	instances := s.pool.List()

	models := make([]string, 0, len(instances))
	for _, inst := range instances {
		models = append(models, inst.Config.ChatModelPath)
	}

	return connect.NewResponse(&InfoResponse{
		Version:   s.version,
		Models:    models,
		Endpoints: append([]string(nil), Endpoints...),
	}), nil
}

func containsHop(hops []string, id string) bool {
	for _, h := range hops {
		if h == id {
			return true
		}
	}
	return false
}
