package txmanager

import (
	"errors"
	"fmt"

	bankmgr "github.com/acid_bank/bankMgr"
	"github.com/acid_bank/store/accountstore"
)

var (
	ErrInvalidAmount     = errors.New("negative or zero transfer value")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidIBAN       = errors.New("invalid IBAN")
	ErrCeilingExceeded   = errors.New("balance ceiling exceeded")
	ErrPrepareFailed     = errors.New("prepare phase failed")
	ErrInDoubt           = errors.New("transaction outcome in doubt")

	ErrUnknownBank     = bankmgr.ErrUnknownBank
	ErrAccountNotFound = accountstore.ErrAccountNotFound
)

// Kind says at which point of the protocol a transfer failed.
type Kind int

const (
	// KindValidation: rejected before any branch was opened.
	KindValidation Kind = iota + 1
	// KindLocalOperation: a debit or credit did not apply.
	KindLocalOperation
	// KindVote: at least one participant voted NotOK.
	KindVote
	// KindParticipant: a branch operation failed (fault, store, transport).
	KindParticipant
	// KindInDoubt: commit was decided but not acknowledged everywhere.
	KindInDoubt
)

var kindNames = map[Kind]string{
	KindValidation:     "validation",
	KindLocalOperation: "local operation",
	KindVote:           "vote",
	KindParticipant:    "participant",
	KindInDoubt:        "in doubt",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// TransferError is the single failure type returned by Transfer.
type TransferError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	return "transfer failed: " + e.Reason
}

func (e *TransferError) Unwrap() error { return e.Err }

func failure(kind Kind, err error, reason string, args ...interface{}) *TransferError {
	return &TransferError{Kind: kind, Reason: fmt.Sprintf(reason, args...), Err: err}
}

// KindOf returns the Kind of a TransferError in err's chain, 0 otherwise.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
