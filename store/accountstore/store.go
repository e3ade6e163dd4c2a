// Package accountstore defines the per-bank account store and its in-memory
// implementation.
//
// Every store uses the same write-intent model. Adjust records the branch's
// delta as an intent and reserves it against the account in one atomic step:
// held debits reduce the funds available to other branches, held credits use
// up ceiling headroom. Committed balances only move on Commit, so readers
// never observe uncommitted work, and Rollback just drops the reservation.
package accountstore

import (
	"context"
	"errors"
	"math"

	"github.com/acid_bank/utils"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrPredicateFailed = errors.New("predicate failed")
	ErrCeilingExceeded = errors.New("balance ceiling exceeded")
	ErrFloorViolated   = errors.New("balance would become negative")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrBranchPrepared  = errors.New("branch already prepared")
)

// Predicate is the condition Adjust checks atomically with the update.
type Predicate int

const (
	// PredicateExists only requires the account to exist (credit).
	PredicateExists Predicate = iota
	// PredicateSufficientFunds requires balance + delta >= 0 (debit).
	PredicateSufficientFunds
)

func (p Predicate) String() string {
	if p == PredicateSufficientFunds {
		return "sufficient funds"
	}
	return "exists"
}

type Account struct {
	IBAN    string       `json:"iban"`
	Balance utils.Amount `json:"balance"`
}

// Store is one bank's durable IBAN -> balance map. Branch names are opaque
// strings chosen by the resource manager (the xid).
type Store interface {
	// Balance returns the committed balance.
	Balance(ctx context.Context, iban string) (utils.Amount, error)
	// Adjust reserves delta on iban for branch if pred holds and the floor and
	// ceiling invariants stay satisfied. Returns nil, ErrPredicateFailed,
	// ErrAccountNotFound, ErrCeilingExceeded or ErrFloorViolated.
	Adjust(ctx context.Context, branch, iban string, delta utils.Amount, pred Predicate) error
	// Prepare durably marks branch prepared. A prepared branch can always commit.
	Prepare(ctx context.Context, branch string) error
	Commit(ctx context.Context, branch string) error
	// Rollback releases every reservation of branch. Unknown branches are a no-op.
	Rollback(ctx context.Context, branch string) error
	// PreparedBranches lists branches that are prepared but not yet resolved.
	PreparedBranches(ctx context.Context) ([]string, error)
	// PutAccount creates or resets an account.
	PutAccount(ctx context.Context, acct Account) error
	Close() error
}

// Options are the bank-defined integrity constraints.
type Options struct {
	// Ceiling is the maximum balance of any account; zero means unlimited.
	Ceiling utils.Amount
}

// Limit is the largest balance an account may reach: the ceiling, or the
// largest representable amount when the ceiling is unlimited.
func (o Options) Limit() utils.Amount {
	if o.Ceiling > 0 {
		return o.Ceiling
	}
	return math.MaxInt64
}

// Check applies the predicate and the floor/ceiling invariants to an
// account whose committed balance is balance, with heldDebit and heldCredit
// already reserved by other intents. Stores that evaluate in Go share it.
func (o Options) Check(balance, heldDebit, heldCredit, delta utils.Amount, pred Predicate) error {
	if delta < 0 && balance-heldDebit+delta < 0 {
		if pred == PredicateSufficientFunds {
			return ErrPredicateFailed
		}
		return ErrFloorViolated
	}
	// balance+heldCredit never exceeds Limit, so neither side can overflow.
	if delta > 0 && balance+heldCredit > o.Limit()-delta {
		return ErrCeilingExceeded
	}
	return nil
}
