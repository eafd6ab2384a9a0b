package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fundpool.v1.InvestmentService"

const (
	methodCreateInvestment  = "CreateInvestment"
	methodGetInvestment     = "GetInvestment"
	methodConfirmInvestment = "ConfirmInvestment"
	methodCancelInvestment  = "CancelInvestment"
	methodGetFunding        = "GetFunding"
)

// InvestmentServiceServer is the server API for fundpool.v1.InvestmentService.
type InvestmentServiceServer interface {
	CreateInvestment(ctx context.Context, request *CreateInvestmentRequest) (*InvestmentResponse, error)
	GetInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error)
	ConfirmInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error)
	CancelInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error)
	GetFunding(ctx context.Context, request *FundingRequest) (*FundingResponse, error)
}

// InvestmentServiceDesc describes the service for grpc.Server.RegisterService.
var InvestmentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InvestmentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodCreateInvestment, Handler: unaryHandler(methodCreateInvestment, InvestmentServiceServer.CreateInvestment)},
		{MethodName: methodGetInvestment, Handler: unaryHandler(methodGetInvestment, InvestmentServiceServer.GetInvestment)},
		{MethodName: methodConfirmInvestment, Handler: unaryHandler(methodConfirmInvestment, InvestmentServiceServer.ConfirmInvestment)},
		{MethodName: methodCancelInvestment, Handler: unaryHandler(methodCancelInvestment, InvestmentServiceServer.CancelInvestment)},
		{MethodName: methodGetFunding, Handler: unaryHandler(methodGetFunding, InvestmentServiceServer.GetFunding)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fundpool/v1/investment",
}

func unaryHandler[Request any, Response any](method string, call func(InvestmentServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		server := srv.(InvestmentServiceServer)
		if interceptor == nil {
			return call(server, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Request))
		})
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Client calls fundpool.v1.InvestmentService using the JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) CreateInvestment(ctx context.Context, request *CreateInvestmentRequest) (*InvestmentResponse, error) {
	response := &InvestmentResponse{}
	if err := client.invoke(ctx, methodCreateInvestment, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	response := &InvestmentResponse{}
	if err := client.invoke(ctx, methodGetInvestment, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) ConfirmInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	response := &InvestmentResponse{}
	if err := client.invoke(ctx, methodConfirmInvestment, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) CancelInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	response := &InvestmentResponse{}
	if err := client.invoke(ctx, methodCancelInvestment, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetFunding(ctx context.Context, request *FundingRequest) (*FundingResponse, error) {
	response := &FundingResponse{}
	if err := client.invoke(ctx, methodGetFunding, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) invoke(ctx context.Context, method string, request any, response any) error {
	return client.conn.Invoke(ctx, fullMethod(method), request, response, grpc.CallContentSubtype(CodecName))
}
