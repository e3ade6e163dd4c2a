package bankmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acid_bank/proto/bankpb"
	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RemoteRM is an xa.ResourceManager backed by a pool of gRPC connections
// to a bankd. All calls of one global transaction use the same connection.
type RemoteRM struct {
	bic     string
	conns   []*grpc.ClientConn
	clients []bankpb.BankClient
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	lg      *zap.Logger
}

var _ xa.ResourceManager = (*RemoteRM)(nil)

// transportFailure reports whether a raw gRPC error means the bank was not
// reached. Only those count against the breaker; domain errors do not.
func transportFailure(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// DialRemote opens pool connections to address.
func DialRemote(bic, address string, pool int, timeout time.Duration, lg *zap.Logger, opts ...grpc.DialOption) (*RemoteRM, error) {
	if pool <= 0 {
		pool = DefaultPool
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	lg = lg.With(zap.String("bank", bic))
	r := &RemoteRM{bic: bic, timeout: timeout, lg: lg}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bank-" + bic,
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transportFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			lg.Warn("circuit breaker state changed", zap.String("breaker", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	for i := 0; i < pool; i++ {
		conn, err := grpc.Dial(address, opts...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("grpc connection to %s failed: %w", address, err)
		}
		r.conns = append(r.conns, conn)
		r.clients = append(r.clients, bankpb.NewBankClient(conn))
	}
	lg.Info("remote bank connected", zap.String("address", address), zap.Int("pool", pool))
	return r, nil
}

func (r *RemoteRM) Bank() string { return r.bic }

// State is the breaker state, for observability.
func (r *RemoteRM) State() gobreaker.State { return r.cb.State() }

func (r *RemoteRM) Close() error {
	var errs []error
	for _, c := range r.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// call runs fn on the connection owned by key behind the breaker.
func (r *RemoteRM) call(ctx context.Context, key string, fn func(context.Context, bankpb.BankClient) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c := r.clients[utils.KeyToSlot(key, len(r.clients))]
	return r.cb.Execute(func() (interface{}, error) {
		return fn(ctx, c)
	})
}

// branchErr converts a call failure into an *xa.BranchError.
func (r *RemoteRM) branchErr(op xa.Op, xid xa.Xid, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return xa.NewBranchError(op, xid, xa.ErrCodeTransport,
			fmt.Errorf("bank %s is currently unavailable: %w", r.bic, err))
	}
	return bankpb.FromStatus(op, xid, err)
}

func (r *RemoteRM) Start(ctx context.Context, xid xa.Xid) error {
	_, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Start(ctx, &bankpb.StartRequest{Xid: xid.String()})
	})
	if err != nil {
		return r.branchErr(xa.OpStart, xid, err)
	}
	return nil
}

func (r *RemoteRM) adjust(ctx context.Context, op xa.Op, xid xa.Xid, iban string, amount utils.Amount) (xa.UpdateResult, error) {
	out, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Adjust(ctx, &bankpb.AdjustRequest{
			Xid:    xid.String(),
			Iban:   iban,
			Amount: int64(amount),
			Debit:  op == xa.OpDebit,
		})
	})
	if err != nil {
		return 0, r.branchErr(op, xid, err)
	}
	return xa.UpdateResult(out.(*bankpb.AdjustResponse).Result), nil
}

func (r *RemoteRM) Debit(ctx context.Context, xid xa.Xid, iban string, amount utils.Amount) (xa.UpdateResult, error) {
	return r.adjust(ctx, xa.OpDebit, xid, iban, amount)
}

func (r *RemoteRM) Credit(ctx context.Context, xid xa.Xid, iban string, amount utils.Amount) (xa.UpdateResult, error) {
	return r.adjust(ctx, xa.OpCredit, xid, iban, amount)
}

func (r *RemoteRM) End(ctx context.Context, xid xa.Xid, failed bool) error {
	_, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.End(ctx, &bankpb.EndRequest{Xid: xid.String(), Failed: failed})
	})
	if err != nil {
		return r.branchErr(xa.OpEnd, xid, err)
	}
	return nil
}

func (r *RemoteRM) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	out, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Prepare(ctx, &bankpb.PrepareRequest{Xid: xid.String()})
	})
	if err != nil {
		return xa.Vote{}, r.branchErr(xa.OpPrepare, xid, err)
	}
	resp := out.(*bankpb.PrepareResponse)
	return xa.Vote{OK: resp.Ok, Reason: resp.Reason}, nil
}

func (r *RemoteRM) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	_, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Commit(ctx, &bankpb.CommitRequest{Xid: xid.String(), OnePhase: onePhase})
	})
	if err != nil {
		return r.branchErr(xa.OpCommit, xid, err)
	}
	return nil
}

func (r *RemoteRM) Rollback(ctx context.Context, xid xa.Xid) error {
	_, err := r.call(ctx, xid.Global(), func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Rollback(ctx, &bankpb.RollbackRequest{Xid: xid.String()})
	})
	if err != nil {
		return r.branchErr(xa.OpRollback, xid, err)
	}
	return nil
}

func (r *RemoteRM) Balance(ctx context.Context, iban string) (utils.Amount, error) {
	out, err := r.call(ctx, iban, func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Balance(ctx, &bankpb.BalanceRequest{Iban: iban})
	})
	if status.Code(err) == codes.NotFound {
		return 0, fmt.Errorf("%w: %s", accountstore.ErrAccountNotFound, iban)
	}
	if err != nil {
		return 0, fmt.Errorf("balance of %s at %s: %w", iban, r.bic, err)
	}
	return utils.Amount(out.(*bankpb.BalanceResponse).Balance), nil
}

// Recover lists the remote bank's prepared branches.
func (r *RemoteRM) Recover(ctx context.Context) ([]xa.Xid, error) {
	out, err := r.call(ctx, r.bic, func(ctx context.Context, c bankpb.BankClient) (interface{}, error) {
		return c.Recover(ctx, &bankpb.RecoverRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("recover at %s: %w", r.bic, err)
	}
	var xids []xa.Xid
	for _, s := range out.(*bankpb.RecoverResponse).Xids {
		xid, err := xa.ParseXid(s)
		if err != nil {
			return nil, err
		}
		xids = append(xids, xid)
	}
	return xids, nil
}
