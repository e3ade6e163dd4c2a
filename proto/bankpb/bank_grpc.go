package bankpb

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "bankpb.Bank"

// BankClient is the client API for the Bank service.
type BankClient interface {
	Start(ctx context.Context, in *StartRequest, opts ...grpc.CallOption) (*empty.Empty, error)
	Adjust(ctx context.Context, in *AdjustRequest, opts ...grpc.CallOption) (*AdjustResponse, error)
	End(ctx context.Context, in *EndRequest, opts ...grpc.CallOption) (*empty.Empty, error)
	Prepare(ctx context.Context, in *PrepareRequest, opts ...grpc.CallOption) (*PrepareResponse, error)
	Commit(ctx context.Context, in *CommitRequest, opts ...grpc.CallOption) (*empty.Empty, error)
	Rollback(ctx context.Context, in *RollbackRequest, opts ...grpc.CallOption) (*empty.Empty, error)
	Balance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error)
	Recover(ctx context.Context, in *RecoverRequest, opts ...grpc.CallOption) (*RecoverResponse, error)
}

type bankClient struct {
	cc grpc.ClientConnInterface
}

func NewBankClient(cc grpc.ClientConnInterface) BankClient {
	return &bankClient{cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bankClient) Start(ctx context.Context, in *StartRequest, opts ...grpc.CallOption) (*empty.Empty, error) {
	return invoke[empty.Empty](ctx, c.cc, "Start", in, opts)
}

func (c *bankClient) Adjust(ctx context.Context, in *AdjustRequest, opts ...grpc.CallOption) (*AdjustResponse, error) {
	return invoke[AdjustResponse](ctx, c.cc, "Adjust", in, opts)
}

func (c *bankClient) End(ctx context.Context, in *EndRequest, opts ...grpc.CallOption) (*empty.Empty, error) {
	return invoke[empty.Empty](ctx, c.cc, "End", in, opts)
}

func (c *bankClient) Prepare(ctx context.Context, in *PrepareRequest, opts ...grpc.CallOption) (*PrepareResponse, error) {
	return invoke[PrepareResponse](ctx, c.cc, "Prepare", in, opts)
}

func (c *bankClient) Commit(ctx context.Context, in *CommitRequest, opts ...grpc.CallOption) (*empty.Empty, error) {
	return invoke[empty.Empty](ctx, c.cc, "Commit", in, opts)
}

func (c *bankClient) Rollback(ctx context.Context, in *RollbackRequest, opts ...grpc.CallOption) (*empty.Empty, error) {
	return invoke[empty.Empty](ctx, c.cc, "Rollback", in, opts)
}

func (c *bankClient) Balance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c.cc, "Balance", in, opts)
}

func (c *bankClient) Recover(ctx context.Context, in *RecoverRequest, opts ...grpc.CallOption) (*RecoverResponse, error) {
	return invoke[RecoverResponse](ctx, c.cc, "Recover", in, opts)
}

// BankServer is the server API for the Bank service.
type BankServer interface {
	Start(context.Context, *StartRequest) (*empty.Empty, error)
	Adjust(context.Context, *AdjustRequest) (*AdjustResponse, error)
	End(context.Context, *EndRequest) (*empty.Empty, error)
	Prepare(context.Context, *PrepareRequest) (*PrepareResponse, error)
	Commit(context.Context, *CommitRequest) (*empty.Empty, error)
	Rollback(context.Context, *RollbackRequest) (*empty.Empty, error)
	Balance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	Recover(context.Context, *RecoverRequest) (*RecoverResponse, error)
}

// UnimplementedBankServer can be embedded to have forward compatible implementations.
type UnimplementedBankServer struct{}

func (UnimplementedBankServer) Start(context.Context, *StartRequest) (*empty.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Start not implemented")
}
func (UnimplementedBankServer) Adjust(context.Context, *AdjustRequest) (*AdjustResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Adjust not implemented")
}
func (UnimplementedBankServer) End(context.Context, *EndRequest) (*empty.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method End not implemented")
}
func (UnimplementedBankServer) Prepare(context.Context, *PrepareRequest) (*PrepareResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Prepare not implemented")
}
func (UnimplementedBankServer) Commit(context.Context, *CommitRequest) (*empty.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Commit not implemented")
}
func (UnimplementedBankServer) Rollback(context.Context, *RollbackRequest) (*empty.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Rollback not implemented")
}
func (UnimplementedBankServer) Balance(context.Context, *BalanceRequest) (*BalanceResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Balance not implemented")
}
func (UnimplementedBankServer) Recover(context.Context, *RecoverRequest) (*RecoverResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Recover not implemented")
}

func RegisterBankServer(s grpc.ServiceRegistrar, srv BankServer) {
	s.RegisterService(&Bank_ServiceDesc, srv)
}

// unary adapts a typed server method to a grpc.MethodDesc.
func unary[Req any, Resp any](method string, call func(BankServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BankServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(BankServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Bank_ServiceDesc is the grpc.ServiceDesc for the Bank service.
var Bank_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BankServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", BankServer.Start),
		unary("Adjust", BankServer.Adjust),
		unary("End", BankServer.End),
		unary("Prepare", BankServer.Prepare),
		unary("Commit", BankServer.Commit),
		unary("Rollback", BankServer.Rollback),
		unary("Balance", BankServer.Balance),
		unary("Recover", BankServer.Recover),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bankpb/bank.proto",
}
