package bank

import (
	"context"
	"errors"

	"github.com/acid_bank/proto/bankpb"
	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/golang/protobuf/ptypes/empty"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GrpcServer serves a ResourceManager as the bankpb.Bank service.
type GrpcServer struct {
	bankpb.UnimplementedBankServer
	rm *ResourceManager
}

func NewGrpcServer(rm *ResourceManager) *GrpcServer {
	rm.lg.Info("bank gRPC server created")
	return &GrpcServer{rm: rm}
}

func parseXid(s string) (xa.Xid, error) {
	xid, err := xa.ParseXid(s)
	if err != nil {
		return xa.Xid{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return xid, nil
}

func (s *GrpcServer) Start(ctx context.Context, in *bankpb.StartRequest) (*empty.Empty, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	if err := s.rm.Start(ctx, xid); err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &empty.Empty{}, nil
}

func (s *GrpcServer) Adjust(ctx context.Context, in *bankpb.AdjustRequest) (*bankpb.AdjustResponse, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	adjust := s.rm.Credit
	if in.Debit {
		adjust = s.rm.Debit
	}
	res, err := adjust(ctx, xid, in.Iban, utils.Amount(in.Amount))
	if err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &bankpb.AdjustResponse{Result: int32(res)}, nil
}

func (s *GrpcServer) End(ctx context.Context, in *bankpb.EndRequest) (*empty.Empty, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	if err := s.rm.End(ctx, xid, in.Failed); err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &empty.Empty{}, nil
}

func (s *GrpcServer) Prepare(ctx context.Context, in *bankpb.PrepareRequest) (*bankpb.PrepareResponse, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	vote, err := s.rm.Prepare(ctx, xid)
	if err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &bankpb.PrepareResponse{Ok: vote.OK, Reason: vote.Reason}, nil
}

func (s *GrpcServer) Commit(ctx context.Context, in *bankpb.CommitRequest) (*empty.Empty, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	if err := s.rm.Commit(ctx, xid, in.OnePhase); err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &empty.Empty{}, nil
}

func (s *GrpcServer) Rollback(ctx context.Context, in *bankpb.RollbackRequest) (*empty.Empty, error) {
	xid, err := parseXid(in.Xid)
	if err != nil {
		return nil, err
	}
	if err := s.rm.Rollback(ctx, xid); err != nil {
		return nil, bankpb.ToStatus(err)
	}
	return &empty.Empty{}, nil
}

func (s *GrpcServer) Balance(ctx context.Context, in *bankpb.BalanceRequest) (*bankpb.BalanceResponse, error) {
	bal, err := s.rm.Balance(ctx, in.Iban)
	if errors.Is(err, accountstore.ErrAccountNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		s.rm.lg.Error("balance failed", zap.String("iban", in.Iban), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &bankpb.BalanceResponse{Balance: int64(bal)}, nil
}

func (s *GrpcServer) Recover(ctx context.Context, _ *bankpb.RecoverRequest) (*bankpb.RecoverResponse, error) {
	xids, err := s.rm.Recover(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &bankpb.RecoverResponse{Xids: make([]string, 0, len(xids))}
	for _, xid := range xids {
		out.Xids = append(out.Xids, xid.String())
	}
	return out, nil
}
