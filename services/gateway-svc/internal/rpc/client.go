package rpc

import (
	"context"

	"connectrpc.com/connect"
)

// AssistantServiceClient клиент RPC поверхности gateway; им же
// пользуются peer'ы и HTTP адаптер
type AssistantServiceClient struct {
	forward       *connect.Client[ForwardRequest, ForwardResponse]
	forwardStream *connect.Client[ForwardRequest, ForwardResponse]
	getInfo       *connect.Client[InfoRequest, InfoResponse]
}

// NewAssistantServiceClient создаёт клиент к gateway по baseURL
func NewAssistantServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AssistantServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)

	return &AssistantServiceClient{
		forward: connect.NewClient[ForwardRequest, ForwardResponse](
			httpClient, baseURL+ForwardProcedure, opts...),
		forwardStream: connect.NewClient[ForwardRequest, ForwardResponse](
			httpClient, baseURL+ForwardStreamProcedure, opts...),
		getInfo: connect.NewClient[InfoRequest, InfoResponse](
			httpClient, baseURL+GetInfoProcedure, opts...),
	}
}

// Forward - unary пересылка
func (c *AssistantServiceClient) Forward(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.Response[ForwardResponse], error) {
	return c.forward.CallUnary(ctx, req)
}

// ForwardStream - стриминговая пересылка
func (c *AssistantServiceClient) ForwardStream(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.ServerStreamForClient[ForwardResponse], error) {
	return c.forwardStream.CallServerStream(ctx, req)
}

// GetInfo - информация о gateway
func (c *AssistantServiceClient) GetInfo(ctx context.Context, req *connect.Request[InfoRequest]) (*connect.Response[InfoResponse], error) {
	return c.getInfo.CallUnary(ctx, req)
}
