// Package bankmgr is the bank directory: it turns configuration into
// resource-manager handles, local (store in-process) or remote (bankd over
// gRPC), and hands them out for the duration of a transfer.
package bankmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/bank"
	"github.com/acid_bank/store/redisstore"
	"github.com/acid_bank/store/sqlstore"
	"github.com/acid_bank/xa"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrUnknownBank = errors.New("unknown bank")
	ErrClosed      = errors.New("bank directory closed")
)

type entry struct {
	rm     xa.ResourceManager
	closer io.Closer
}

// Directory maps BICs to resource managers. Handles are long-lived and
// shared; Acquire only leases them so Close can wait for transfers in
// flight.
type Directory struct {
	mu     sync.RWMutex
	banks  map[string]entry
	leases sync.WaitGroup
	closed bool
	lg     *zap.Logger
}

func NewDirectory(lg *zap.Logger) *Directory {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Directory{banks: make(map[string]entry), lg: lg}
}

// Open builds a directory with every bank of cfg.
func Open(ctx context.Context, cfg *Config, lg *zap.Logger) (*Directory, error) {
	d := NewDirectory(lg)
	for _, bc := range cfg.Banks {
		var (
			rm     xa.ResourceManager
			closer io.Closer
			err    error
		)
		if bc.Backend == BackendRemote {
			var r *RemoteRM
			r, err = DialRemote(bc.BIC, bc.Address, bc.Pool, cfg.Timeout(), d.lg)
			rm, closer = r, r
		} else {
			var l *bank.ResourceManager
			l, closer, err = OpenLocal(ctx, bc, d.lg)
			rm = l
		}
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("bank %s: %w", bc.BIC, err)
		}
		d.Register(rm, closer)
	}
	return d, nil
}

// Register adds rm; closer, if not nil, is closed with the directory.
func (d *Directory) Register(rm xa.ResourceManager, closer io.Closer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banks[rm.Bank()] = entry{rm: rm, closer: closer}
	d.lg.Info("bank registered", zap.String("bank", rm.Bank()))
}

// Acquire returns the handle of bic and a release func that must be called
// when the caller is done with it.
func (d *Directory) Acquire(_ context.Context, bic string) (xa.ResourceManager, func(), error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, nil, ErrClosed
	}
	e, ok := d.banks[bic]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBank, bic)
	}
	d.leases.Add(1)
	var once sync.Once
	return e.rm, func() { once.Do(d.leases.Done) }, nil
}

func (d *Directory) Banks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.banks))
	for bic := range d.banks {
		out = append(out, bic)
	}
	sort.Strings(out)
	return out
}

// Close waits for outstanding leases and closes every bank.
func (d *Directory) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.leases.Wait()

	var errs []error
	for bic, e := range d.banks {
		if e.closer == nil {
			continue
		}
		if err := e.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", bic, err))
		}
	}
	return errors.Join(errs...)
}

// OpenStore opens the account store bc describes and seeds accounts that do
// not exist yet.
func OpenStore(ctx context.Context, bc BankConfig, lg *zap.Logger) (accountstore.Store, error) {
	opts := accountstore.Options{Ceiling: bc.Ceiling}
	var (
		store accountstore.Store
		err   error
	)
	switch bc.Backend {
	case BackendMemory:
		store, err = openMemory(bc, opts, lg)
	case BackendSQLite:
		store, err = sqlstore.Open(ctx, sqlstore.SQLite, bc.DSN, opts, lg)
	case BackendPostgres:
		store, err = sqlstore.Open(ctx, sqlstore.Postgres, bc.DSN, opts, lg)
	case BackendRedis:
		var ro *redis.Options
		ro, err = redis.ParseURL(bc.DSN)
		if err == nil {
			store, err = redisstore.New(ctx, redis.NewClient(ro), bc.BIC, opts, lg)
		}
	default:
		return nil, fmt.Errorf("backend %q has no local store", bc.Backend)
	}
	if err != nil {
		return nil, err
	}

	for _, acct := range bc.Accounts {
		_, err := store.Balance(ctx, acct.IBAN)
		if err == nil {
			continue
		}
		if !errors.Is(err, accountstore.ErrAccountNotFound) {
			store.Close()
			return nil, err
		}
		if err := store.PutAccount(ctx, acct); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed %s: %w", acct.IBAN, err)
		}
	}
	return store, nil
}

func openMemory(bc BankConfig, opts accountstore.Options, lg *zap.Logger) (*accountstore.MemoryStore, error) {
	m := accountstore.NewMemoryStore(opts, lg)
	if bc.SnapDir == "" {
		return m, nil
	}
	ss, err := accountstore.NewSnapshotter(bc.SnapDir, lg)
	if err != nil {
		return nil, err
	}
	if err := accountstore.Restore(m, ss); err != nil {
		return nil, err
	}
	m.SetPersister(ss)
	return m, nil
}

// OpenLocal opens the store of bc and wraps it in a resource manager that
// already knows about branches left prepared by a previous run.
func OpenLocal(ctx context.Context, bc BankConfig, lg *zap.Logger) (*bank.ResourceManager, io.Closer, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	store, err := OpenStore(ctx, bc, lg)
	if err != nil {
		return nil, nil, err
	}
	ops, err := bank.ParseOps(bc.Fault)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	rm := bank.New(bc.BIC, store, bank.WithFaults(bank.FailOn(ops...)), bank.WithLogger(lg))
	xids, err := rm.Recover(ctx)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if len(xids) > 0 {
		lg.Warn("bank has in-doubt branches", zap.String("bank", bc.BIC), zap.Int("count", len(xids)))
	}
	return rm, store, nil
}
