package xa

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a branch operation failure so the coordinator can
// route it to the right recovery action.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeAlreadyActive: a branch with this xid is already open (XAER_DUPID).
	ErrCodeAlreadyActive
	// ErrCodeUnknownBranch: no such branch (XAER_NOTA).
	ErrCodeUnknownBranch
	// ErrCodeProtocol: directive not valid in the branch's state (XAER_PROTO).
	ErrCodeProtocol
	// ErrCodeFault: injected failure.
	ErrCodeFault
	// ErrCodeStore: the account store failed (XAER_RMERR).
	ErrCodeStore
	// ErrCodeTransport: the participant could not be reached (XAER_RMFAIL).
	ErrCodeTransport
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeUnknown:       "unknown",
	ErrCodeAlreadyActive: "already active",
	ErrCodeUnknownBranch: "unknown branch",
	ErrCodeProtocol:      "protocol error",
	ErrCodeFault:         "fault",
	ErrCodeStore:         "store error",
	ErrCodeTransport:     "transport error",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// BranchError is the failure result of a branch operation.
type BranchError struct {
	Op   Op
	Xid  Xid
	Code ErrorCode
	Err  error
}

func (e *BranchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Xid, e.Code)
	}
	return e.Err.Error()
}

func (e *BranchError) Unwrap() error { return e.Err }

func NewBranchError(op Op, xid Xid, code ErrorCode, err error) *BranchError {
	return &BranchError{Op: op, Xid: xid, Code: code, Err: err}
}

// CodeOf extracts the ErrorCode of err, ErrCodeUnknown if it is not a BranchError.
func CodeOf(err error) ErrorCode {
	var be *BranchError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeUnknown
}

// Op names a branch operation.
type Op string

const (
	OpStart    Op = "start"
	OpDebit    Op = "debit"
	OpCredit   Op = "credit"
	OpEnd      Op = "end"
	OpPrepare  Op = "prepare"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
)
