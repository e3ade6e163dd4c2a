package accountstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/acid_bank/utils"
	"go.uber.org/zap"
)

// Persister receives a full snapshot of a MemoryStore after every change that
// must survive a restart (prepare, commit, account writes).
type Persister interface {
	Persist(data []byte) error
}

type account struct {
	balance    utils.Amount
	heldDebit  utils.Amount // sum of reserved debits, positive
	heldCredit utils.Amount // sum of reserved credits
}

type intent struct {
	IBAN  string       `json:"iban"`
	Delta utils.Amount `json:"delta"`
}

type branch struct {
	Intents  []intent `json:"intents"`
	Prepared bool     `json:"prepared"`
}

// MemoryStore is a mutex-guarded map of accounts with per-branch write
// intents. It is durable only when a Persister is attached.
type MemoryStore struct {
	mu       sync.Mutex
	opts     Options
	accounts map[string]*account
	branches map[string]*branch
	persist  Persister
	lg       *zap.Logger
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts Options, lg *zap.Logger) *MemoryStore {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &MemoryStore{
		opts:     opts,
		accounts: make(map[string]*account),
		branches: make(map[string]*branch),
		lg:       lg,
	}
}

// SetPersister attaches p; subsequent durable changes are snapshotted to it.
func (s *MemoryStore) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
}

func (s *MemoryStore) Balance(_ context.Context, iban string) (utils.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[iban]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, iban)
	}
	return a.balance, nil
}

func (s *MemoryStore) Adjust(_ context.Context, name, iban string, delta utils.Amount, pred Predicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[name]
	if ok && b.Prepared {
		return fmt.Errorf("%w: %s", ErrBranchPrepared, name)
	}
	a, found := s.accounts[iban]
	if !found {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, iban)
	}
	if err := s.opts.Check(a.balance, a.heldDebit, a.heldCredit, delta, pred); err != nil {
		return fmt.Errorf("%w: %s", err, iban)
	}

	if !ok {
		b = &branch{}
		s.branches[name] = b
	}
	b.Intents = append(b.Intents, intent{IBAN: iban, Delta: delta})
	a.hold(delta)
	s.lg.Debug("write intent",
		zap.String("branch", name), zap.String("iban", iban), zap.Stringer("delta", delta))
	return nil
}

func (a *account) hold(delta utils.Amount) {
	if delta < 0 {
		a.heldDebit -= delta
	} else {
		a.heldCredit += delta
	}
}

func (a *account) release(delta utils.Amount) {
	if delta < 0 {
		a.heldDebit += delta
	} else {
		a.heldCredit -= delta
	}
}

func (s *MemoryStore) Prepare(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[name]
	if !ok {
		// A branch that wrote nothing still gets a record so commit finds it.
		b = &branch{}
		s.branches[name] = b
	}
	b.Prepared = true
	if err := s.persistLocked(); err != nil {
		b.Prepared = false
		return fmt.Errorf("prepare %s: %w", name, err)
	}
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	for _, in := range b.Intents {
		a, found := s.accounts[in.IBAN]
		if !found {
			// Accounts are never deleted while intents reference them.
			return fmt.Errorf("commit %s: %w: %s", name, ErrAccountNotFound, in.IBAN)
		}
		a.release(in.Delta)
		a.balance += in.Delta
	}
	delete(s.branches, name)
	s.lg.Debug("branch committed", zap.String("branch", name), zap.Int("intents", len(b.Intents)))
	return s.persistLocked()
}

func (s *MemoryStore) Rollback(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[name]
	if !ok {
		return nil
	}
	for _, in := range b.Intents {
		if a, found := s.accounts[in.IBAN]; found {
			a.release(in.Delta)
		}
	}
	delete(s.branches, name)
	s.lg.Debug("branch rolled back", zap.String("branch", name), zap.Int("intents", len(b.Intents)))
	if b.Prepared {
		return s.persistLocked()
	}
	return nil
}

func (s *MemoryStore) PreparedBranches(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, b := range s.branches {
		if b.Prepared {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, acct Account) error {
	if acct.Balance < 0 {
		return fmt.Errorf("%w: %s", ErrFloorViolated, acct.IBAN)
	}
	if acct.Balance > s.opts.Limit() {
		return fmt.Errorf("%w: %s", ErrCeilingExceeded, acct.IBAN)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[acct.IBAN]; ok {
		// reservations of open branches must stay satisfiable
		if acct.Balance < a.heldDebit {
			return fmt.Errorf("%w: %s", ErrFloorViolated, acct.IBAN)
		}
		if a.heldCredit > s.opts.Limit()-acct.Balance {
			return fmt.Errorf("%w: %s", ErrCeilingExceeded, acct.IBAN)
		}
		a.balance = acct.Balance
	} else {
		s.accounts[acct.IBAN] = &account{balance: acct.Balance}
	}
	return s.persistLocked()
}

// Checkpoint writes a snapshot through the persister, if one is set.
func (s *MemoryStore) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *MemoryStore) Close() error { return nil }

type snapshot struct {
	Accounts map[string]utils.Amount `json:"accounts"`
	Branches map[string]*branch      `json:"branches"`
}

// GetSnapshot serializes committed balances and prepared branches. Branches
// that never prepared are left out: after a restart they are presumed aborted.
func (s *MemoryStore) GetSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *MemoryStore) snapshotLocked() ([]byte, error) {
	snap := snapshot{
		Accounts: make(map[string]utils.Amount, len(s.accounts)),
		Branches: make(map[string]*branch),
	}
	for iban, a := range s.accounts {
		snap.Accounts[iban] = a.balance
	}
	for name, b := range s.branches {
		if b.Prepared {
			snap.Branches[name] = b
		}
	}
	return json.Marshal(snap)
}

func (s *MemoryStore) persistLocked() error {
	if s.persist == nil {
		return nil
	}
	data, err := s.snapshotLocked()
	if err != nil {
		return err
	}
	return s.persist.Persist(data)
}

// RecoverFromSnapshot replaces the store contents with data and rebuilds the
// reservations held by prepared branches.
func (s *MemoryStore) RecoverFromSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*account, len(snap.Accounts))
	for iban, bal := range snap.Accounts {
		s.accounts[iban] = &account{balance: bal}
	}
	s.branches = make(map[string]*branch, len(snap.Branches))
	for name, b := range snap.Branches {
		for _, in := range b.Intents {
			if a, ok := s.accounts[in.IBAN]; ok {
				a.hold(in.Delta)
			}
		}
		s.branches[name] = b
	}
	s.lg.Info("recovered from snapshot",
		zap.Int("accounts", len(s.accounts)), zap.Int("prepared", len(s.branches)))
	return nil
}
