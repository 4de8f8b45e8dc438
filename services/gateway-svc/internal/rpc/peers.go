package rpc

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/logger"
	"github.com/jokemanfire/assistant/pkg/metrics"
)

// PeerClient - unary Forward у peer gateway; тот же контракт, что
// gateway отдаёт собственным клиентам
type PeerClient interface {
	Forward(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.Response[ForwardResponse], error)
}

// peerHTTPClient разделяется всеми peer-клиентами; без ambient proxy
var peerHTTPClient = &http.Client{Transport: &http.Transport{}}

func (s *Service) dialPeer(addr string) PeerClient {
	return NewAssistantServiceClient(peerHTTPClient, "http://"+addr)
}

// tryPeers обходит peer'ов в порядке объявления. Потолок хопов
// проверяется до первого исходящего вызова; кандидат, уже
// присутствующий в hop set, отбрасывается как цикл.
func (s *Service) tryPeers(ctx context.Context, r *ForwardRequest) (*connect.Response[ForwardResponse], error) {
	limit := r.HopLimit
	if limit == 0 || limit > s.hopLimit {
		limit = s.hopLimit
	}

	if uint32(len(r.RouteHops)) >= limit {
		return nil, apperror.ToConnect(apperror.HopLimitExceeded(limit))
	}

	forwarded := r.Clone()
	forwarded.RouteHops = append(forwarded.RouteHops, s.selfID)
	forwarded.HopLimit = limit

	attempted := false
	cycle := false

	for _, peer := range s.peers {
		if !peer.Enabled {
			continue
		}

		if containsHop(forwarded.RouteHops, peer.GrpcAddr) {
			cycle = true
			continue
		}

		attempted = true
		client := s.dial(peer.GrpcAddr)

		resp, err := client.Forward(ctx, connect.NewRequest(forwarded))
		if err == nil {
			metrics.IncPeerForward(peer.Name, "ok")
			logger.Debug("Request served by peer", "peer", peer.Name)
			return resp, nil
		}

		metrics.IncPeerForward(peer.Name, "error")
		logger.Warn("Failed to forward to peer", "peer", peer.Name, "error", err)

		// Отмена вызывающего прерывает обход
		if ctx.Err() != nil {
			return nil, connect.NewError(connect.CodeCanceled, ctx.Err())
		}
	}

	if !attempted && cycle {
		return nil, apperror.ToConnect(apperror.CycleDetected(s.selfID))
	}
	return nil, apperror.ToConnect(apperror.AllPeersBusy())
}
