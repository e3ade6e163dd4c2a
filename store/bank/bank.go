// Package bank is one bank's resource manager: it runs branch transactions
// addressed by Xid on top of an account store and serves them over gRPC and
// an admin HTTP API.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"go.uber.org/zap"
)

type branch struct {
	mu           sync.Mutex
	xid          xa.Xid
	state        xa.BranchState
	rollbackOnly bool
}

// ResourceManager implements xa.ResourceManager over an accountstore.Store.
// The branch table is the only in-process state; account consistency is the
// store's business.
type ResourceManager struct {
	bic    string
	store  accountstore.Store
	faults FaultInjector
	lg     *zap.Logger

	mu       sync.Mutex
	branches map[string]*branch
}

var _ xa.ResourceManager = (*ResourceManager)(nil)

type Option func(*ResourceManager)

func WithFaults(f FaultInjector) Option {
	return func(rm *ResourceManager) {
		if f != nil {
			rm.faults = f
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(rm *ResourceManager) {
		if lg != nil {
			rm.lg = lg
		}
	}
}

func New(bic string, store accountstore.Store, opts ...Option) *ResourceManager {
	rm := &ResourceManager{
		bic:      bic,
		store:    store,
		faults:   NoFaults,
		lg:       zap.NewNop(),
		branches: make(map[string]*branch),
	}
	for _, o := range opts {
		o(rm)
	}
	rm.lg = rm.lg.With(zap.String("bank", bic))
	return rm
}

func (rm *ResourceManager) Bank() string { return rm.bic }

// Store exposes the underlying account store for fixtures and admin reads.
func (rm *ResourceManager) Store() accountstore.Store { return rm.store }

// lookup returns the branch for xid locked, or an UnknownBranch error.
func (rm *ResourceManager) lookup(op xa.Op, xid xa.Xid) (*branch, error) {
	rm.mu.Lock()
	b, ok := rm.branches[xid.String()]
	rm.mu.Unlock()
	if !ok {
		return nil, xa.NewBranchError(op, xid, xa.ErrCodeUnknownBranch,
			fmt.Errorf("%s: no branch %s on %s", op, xid, rm.bic))
	}
	b.mu.Lock()
	return b, nil
}

func (rm *ResourceManager) forget(xid xa.Xid) {
	rm.mu.Lock()
	delete(rm.branches, xid.String())
	rm.mu.Unlock()
}

func (rm *ResourceManager) transition(op xa.Op, b *branch, to xa.BranchState) error {
	if !b.state.CanTransition(to) {
		return xa.NewBranchError(op, b.xid, xa.ErrCodeProtocol,
			fmt.Errorf("%s: branch %s is %s, cannot move to %s", op, b.xid, b.state, to))
	}
	rm.lg.Debug("branch state", zap.Stringer("xid", b.xid), zap.Stringer("from", b.state), zap.Stringer("to", to))
	b.state = to
	return nil
}

func (rm *ResourceManager) fault(op xa.Op, xid xa.Xid) error {
	if err := rm.faults.Fault(op, xid); err != nil {
		rm.lg.Warn("injected fault", zap.String("op", string(op)), zap.Stringer("xid", xid), zap.Error(err))
		return xa.NewBranchError(op, xid, xa.ErrCodeFault, err)
	}
	return nil
}

func (rm *ResourceManager) Start(_ context.Context, xid xa.Xid) error {
	if err := xid.Validate(); err != nil {
		return xa.NewBranchError(xa.OpStart, xid, xa.ErrCodeProtocol, err)
	}
	if err := rm.fault(xa.OpStart, xid); err != nil {
		return err
	}
	b := &branch{xid: xid, state: xa.BranchCreated}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.branches[xid.String()]; ok {
		return xa.NewBranchError(xa.OpStart, xid, xa.ErrCodeAlreadyActive,
			fmt.Errorf("branch %s already active on %s", xid, rm.bic))
	}
	if err := rm.transition(xa.OpStart, b, xa.BranchActive); err != nil {
		return err
	}
	rm.branches[xid.String()] = b
	return nil
}

func (rm *ResourceManager) Debit(ctx context.Context, xid xa.Xid, iban string, amount utils.Amount) (xa.UpdateResult, error) {
	return rm.adjust(ctx, xa.OpDebit, xid, iban, -amount, accountstore.PredicateSufficientFunds)
}

func (rm *ResourceManager) Credit(ctx context.Context, xid xa.Xid, iban string, amount utils.Amount) (xa.UpdateResult, error) {
	return rm.adjust(ctx, xa.OpCredit, xid, iban, amount, accountstore.PredicateExists)
}

func (rm *ResourceManager) adjust(ctx context.Context, op xa.Op, xid xa.Xid, iban string, delta utils.Amount, pred accountstore.Predicate) (xa.UpdateResult, error) {
	if err := rm.fault(op, xid); err != nil {
		return 0, err
	}
	if delta == 0 || (op == xa.OpDebit) != (delta < 0) {
		return 0, xa.NewBranchError(op, xid, xa.ErrCodeProtocol, fmt.Errorf("%s: amount must be positive", op))
	}
	b, err := rm.lookup(op, xid)
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	if b.state != xa.BranchActive {
		return 0, xa.NewBranchError(op, xid, xa.ErrCodeProtocol,
			fmt.Errorf("%s: branch %s is %s", op, xid, b.state))
	}

	err = rm.store.Adjust(ctx, xid.String(), iban, delta, pred)
	switch {
	case err == nil:
		return xa.UpdateApplied, nil
	case errors.Is(err, accountstore.ErrPredicateFailed), errors.Is(err, accountstore.ErrFloorViolated):
		return xa.UpdatePredicateFailed, nil
	case errors.Is(err, accountstore.ErrAccountNotFound):
		return xa.UpdateNotFound, nil
	case errors.Is(err, accountstore.ErrCeilingExceeded):
		return xa.UpdateCeilingExceeded, nil
	}
	return 0, xa.NewBranchError(op, xid, xa.ErrCodeStore, err)
}

func (rm *ResourceManager) End(_ context.Context, xid xa.Xid, failed bool) error {
	if err := rm.fault(xa.OpEnd, xid); err != nil {
		return err
	}
	b, err := rm.lookup(xa.OpEnd, xid)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if err := rm.transition(xa.OpEnd, b, xa.BranchEnded); err != nil {
		return err
	}
	b.rollbackOnly = failed
	return nil
}

// Prepare votes on xid. Any NotOK vote has already rolled the branch back.
func (rm *ResourceManager) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	b, err := rm.lookup(xa.OpPrepare, xid)
	if err != nil {
		return xa.Vote{}, err
	}
	defer b.mu.Unlock()
	if b.state != xa.BranchEnded {
		return xa.Vote{}, xa.NewBranchError(xa.OpPrepare, xid, xa.ErrCodeProtocol,
			fmt.Errorf("prepare: branch %s is %s", xid, b.state))
	}

	var reason string
	if err := rm.faults.Fault(xa.OpPrepare, xid); err != nil {
		reason = err.Error()
	} else if b.rollbackOnly {
		reason = "branch is rollback-only"
	} else if err := rm.store.Prepare(ctx, xid.String()); err != nil {
		reason = err.Error()
	}
	if reason == "" {
		return xa.VoteOK, rm.transition(xa.OpPrepare, b, xa.BranchPrepared)
	}

	rm.lg.Info("voting not ok", zap.Stringer("xid", xid), zap.String("reason", reason))
	if err := rm.rollbackLocked(ctx, b); err != nil {
		rm.lg.Error("rollback after not ok vote failed", zap.Stringer("xid", xid), zap.Error(err))
	}
	return xa.VoteNotOK(reason), nil
}

// Commit applies xid. Without onePhase the branch must have voted OK;
// with it, an ended branch commits directly.
func (rm *ResourceManager) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	if err := rm.fault(xa.OpCommit, xid); err != nil {
		return err
	}
	b, err := rm.lookup(xa.OpCommit, xid)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	want := xa.BranchPrepared
	if onePhase {
		want = xa.BranchEnded
	}
	if b.state != want || b.rollbackOnly {
		return xa.NewBranchError(xa.OpCommit, xid, xa.ErrCodeProtocol,
			fmt.Errorf("commit: branch %s is %s", xid, b.state))
	}
	if err := rm.store.Commit(ctx, xid.String()); err != nil {
		return xa.NewBranchError(xa.OpCommit, xid, xa.ErrCodeStore, err)
	}
	if err := rm.transition(xa.OpCommit, b, xa.BranchCommitted); err != nil {
		return err
	}
	rm.forget(xid)
	return nil
}

// Rollback undoes xid. A branch this bank does not know is presumed
// aborted and rolling it back succeeds.
func (rm *ResourceManager) Rollback(ctx context.Context, xid xa.Xid) error {
	if err := rm.fault(xa.OpRollback, xid); err != nil {
		return err
	}
	b, err := rm.lookup(xa.OpRollback, xid)
	if xa.CodeOf(err) == xa.ErrCodeUnknownBranch {
		return nil
	}
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	return rm.rollbackLocked(ctx, b)
}

func (rm *ResourceManager) rollbackLocked(ctx context.Context, b *branch) error {
	if b.state == xa.BranchAborted {
		return nil
	}
	if b.state != xa.BranchAborting {
		if err := rm.transition(xa.OpRollback, b, xa.BranchAborting); err != nil {
			return err
		}
	}
	if err := rm.store.Rollback(ctx, b.xid.String()); err != nil {
		return xa.NewBranchError(xa.OpRollback, b.xid, xa.ErrCodeStore, err)
	}
	if err := rm.transition(xa.OpRollback, b, xa.BranchAborted); err != nil {
		return err
	}
	rm.forget(b.xid)
	return nil
}

func (rm *ResourceManager) Balance(ctx context.Context, iban string) (utils.Amount, error) {
	return rm.store.Balance(ctx, iban)
}

// Recover returns the prepared branches the store still holds and
// re-registers them so Commit and Rollback can resolve them.
func (rm *ResourceManager) Recover(ctx context.Context) ([]xa.Xid, error) {
	names, err := rm.store.PreparedBranches(ctx)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]xa.Xid, 0, len(names))
	for _, name := range names {
		xid, err := xa.ParseXid(name)
		if err != nil {
			rm.lg.Warn("skipping foreign prepared branch", zap.String("branch", name))
			continue
		}
		if _, ok := rm.branches[name]; !ok {
			rm.branches[name] = &branch{xid: xid, state: xa.BranchPrepared}
		}
		out = append(out, xid)
	}
	return out, nil
}

// BranchInfo is a point-in-time view of one open branch.
type BranchInfo struct {
	Xid          string `json:"xid"`
	State        string `json:"state"`
	RollbackOnly bool   `json:"rollback_only,omitempty"`
}

// Branches lists the branches currently open on this bank.
func (rm *ResourceManager) Branches() []BranchInfo {
	rm.mu.Lock()
	bs := make([]*branch, 0, len(rm.branches))
	for _, b := range rm.branches {
		bs = append(bs, b)
	}
	rm.mu.Unlock()

	out := make([]BranchInfo, 0, len(bs))
	for _, b := range bs {
		b.mu.Lock()
		out = append(out, BranchInfo{Xid: b.xid.String(), State: b.state.String(), RollbackOnly: b.rollbackOnly})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Xid < out[j].Xid })
	return out
}
