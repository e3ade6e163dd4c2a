// Package xa holds the protocol vocabulary shared by the coordinator and the
// participants: branch identifiers, states, votes, update results and the
// ResourceManager contract.
package xa

import (
	"context"
	"errors"

	"github.com/acid_bank/utils"
)

//go:generate mockgen -destination=mock_xa/rm_mock.go -package=mock_xa . ResourceManager

// ResourceManager is one bank's branch-transaction surface. All branch
// operations are addressed by Xid.
type ResourceManager interface {
	// Bank returns the BIC of the bank behind this handle.
	Bank() string
	Start(ctx context.Context, xid Xid) error
	Debit(ctx context.Context, xid Xid, iban string, amount utils.Amount) (UpdateResult, error)
	Credit(ctx context.Context, xid Xid, iban string, amount utils.Amount) (UpdateResult, error)
	End(ctx context.Context, xid Xid, failed bool) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Balance(ctx context.Context, iban string) (utils.Amount, error)
}

// UpdateResult is the outcome of a conditional local update.
type UpdateResult int

const (
	UpdateApplied UpdateResult = iota
	// UpdatePredicateFailed: the account exists but the predicate (sufficient funds) did not hold.
	UpdatePredicateFailed
	UpdateNotFound
	UpdateCeilingExceeded
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdatePredicateFailed:
		return "predicate failed"
	case UpdateNotFound:
		return "not found"
	case UpdateCeilingExceeded:
		return "ceiling exceeded"
	}
	return "unknown"
}

// Vote is a participant's answer to prepare. An OK vote is binding: the
// branch can still commit after it is cast.
type Vote struct {
	OK     bool
	Reason string
}

var VoteOK = Vote{OK: true}

func VoteNotOK(reason string) Vote {
	return Vote{Reason: reason}
}

// Err returns nil for an OK vote and the NotOK reason as an error otherwise.
func (v Vote) Err() error {
	if v.OK {
		return nil
	}
	if v.Reason == "" {
		return errors.New("participant voted not ok")
	}
	return errors.New(v.Reason)
}

func (v Vote) String() string {
	if v.OK {
		return "OK"
	}
	return "NotOK"
}
