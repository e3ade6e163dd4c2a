package bankpb

import (
	"context"
	"errors"

	"github.com/acid_bank/xa"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeToStatus = map[xa.ErrorCode]codes.Code{
	xa.ErrCodeAlreadyActive: codes.AlreadyExists,
	xa.ErrCodeUnknownBranch: codes.NotFound,
	xa.ErrCodeProtocol:      codes.FailedPrecondition,
	xa.ErrCodeFault:         codes.Aborted,
	xa.ErrCodeStore:         codes.Internal,
	xa.ErrCodeTransport:     codes.Unavailable,
}

var statusToCode = map[codes.Code]xa.ErrorCode{
	codes.AlreadyExists:      xa.ErrCodeAlreadyActive,
	codes.NotFound:           xa.ErrCodeUnknownBranch,
	codes.FailedPrecondition: xa.ErrCodeProtocol,
	codes.Aborted:            xa.ErrCodeFault,
	codes.Internal:           xa.ErrCodeStore,
	codes.Unavailable:        xa.ErrCodeTransport,
	codes.DeadlineExceeded:   xa.ErrCodeTransport,
	codes.Canceled:           xa.ErrCodeTransport,
}

// ToStatus converts a branch error into a gRPC status error. Other errors
// become codes.Unknown.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	if c, ok := codeToStatus[xa.CodeOf(err)]; ok {
		return status.Error(c, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus turns a status error returned for op on xid back into an
// *xa.BranchError carrying the status message.
func FromStatus(op xa.Op, xid xa.Xid, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return xa.NewBranchError(op, xid, xa.ErrCodeTransport, err)
	}
	code, ok := statusToCode[st.Code()]
	if !ok {
		code = xa.ErrCodeUnknown
	}
	return xa.NewBranchError(op, xid, code, errors.New(st.Message()))
}

// IsTransport reports whether err means the bank could not be reached or
// did not answer in time.
func IsTransport(err error) bool {
	return xa.CodeOf(err) == xa.ErrCodeTransport
}
