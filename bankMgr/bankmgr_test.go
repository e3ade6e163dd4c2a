package bankmgr_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	bankmgr "github.com/acid_bank/bankMgr"
	"github.com/acid_bank/proto/bankpb"
	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/bank"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const sampleConfig = `{
	"call_timeout": "500ms",
	"banks": [
		{"bic": "BANKXX", "backend": "memory", "ceiling": "20000",
		 "accounts": [{"iban": "A1", "balance": "8000"}]},
		{"bic": "BANKYY", "backend": "sqlite", "dsn": ":memory:", "ceiling": "20000",
		 "accounts": [{"iban": "A2", "balance": "15000"}]}
	]
}`

func Test_config_parse(t *testing.T) {
	cfg, err := bankmgr.ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout())
	y, ok := cfg.Find("BANKYY")
	require.True(t, ok)
	assert.Equal(t, utils.MustParseAmount("20000"), y.Ceiling)
	assert.Equal(t, utils.MustParseAmount("15000"), y.Accounts[0].Balance)
}

func Test_config_invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"no banks":       `{"banks": []}`,
		"bad backend":    `{"banks": [{"bic": "BANKXX", "backend": "mongo"}]}`,
		"sqlite no dsn":  `{"banks": [{"bic": "BANKXX", "backend": "sqlite"}]}`,
		"remote no addr": `{"banks": [{"bic": "BANKXX", "backend": "remote"}]}`,
		"duplicate bic":  `{"banks": [{"bic": "BANKXX", "backend": "memory"}, {"bic": "BANKXX", "backend": "memory"}]}`,
		"bad timeout":    `{"call_timeout": "soon", "banks": [{"bic": "BANKXX", "backend": "memory"}]}`,
	} {
		_, err := bankmgr.ParseConfig([]byte(doc))
		assert.Error(t, err, name)
	}
}

func Test_directory_open_and_acquire(t *testing.T) {
	ctx := context.Background()
	cfg, err := bankmgr.ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	d, err := bankmgr.Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"BANKXX", "BANKYY"}, d.Banks())

	rm, release, err := d.Acquire(ctx, "BANKYY")
	require.NoError(t, err)
	bal, err := rm.Balance(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("15000"), bal)
	release()
	release()

	_, _, err = d.Acquire(ctx, "NOPE")
	assert.True(t, errors.Is(err, bankmgr.ErrUnknownBank))

	require.NoError(t, d.Close())
	_, _, err = d.Acquire(ctx, "BANKXX")
	assert.True(t, errors.Is(err, bankmgr.ErrClosed))
}

func Test_open_local_with_snapshots(t *testing.T) {
	ctx := context.Background()
	bc := bankmgr.BankConfig{
		BIC:      "BANKXX",
		Backend:  bankmgr.BackendMemory,
		SnapDir:  t.TempDir(),
		Accounts: []accountstore.Account{{IBAN: "A1", Balance: utils.MustParseAmount("10")}},
	}
	rm, closer, err := bankmgr.OpenLocal(ctx, bc, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, rm.Store().PutAccount(ctx, accountstore.Account{IBAN: "A1", Balance: utils.MustParseAmount("7")}))
	require.NoError(t, closer.Close())

	// seeding does not overwrite what the snapshot restored
	rm, _, err = bankmgr.OpenLocal(ctx, bc, zaptest.NewLogger(t))
	require.NoError(t, err)
	bal, err := rm.Balance(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("7"), bal)
}

// serveBank runs a bankd over an in-memory listener and returns a remote
// handle connected to it.
func serveBank(t *testing.T, faults bank.FaultInjector) (*bankmgr.RemoteRM, *bank.ResourceManager) {
	t.Helper()
	lg := zaptest.NewLogger(t)
	store := accountstore.NewMemoryStore(accountstore.Options{Ceiling: utils.MustParseAmount("20000")}, lg)
	require.NoError(t, store.PutAccount(context.Background(), accountstore.Account{IBAN: "A2", Balance: utils.MustParseAmount("15000")}))
	rm := bank.New("BANKYY", store, bank.WithFaults(faults), bank.WithLogger(lg))

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	bankpb.RegisterBankServer(s, bank.NewGrpcServer(rm))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	remote, err := bankmgr.DialRemote("BANKYY", "bufnet", 3, time.Second, lg,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	return remote, rm
}

func Test_remote_branch_lifecycle(t *testing.T) {
	ctx := context.Background()
	remote, local := serveBank(t, nil)
	_, xid := xa.NewGenerator().NewPair()

	require.NoError(t, remote.Start(ctx, xid))
	err := remote.Start(ctx, xid)
	assert.Equal(t, xa.ErrCodeAlreadyActive, xa.CodeOf(err))

	res, err := remote.Credit(ctx, xid, "A2", utils.MustParseAmount("100.50"))
	require.NoError(t, err)
	assert.Equal(t, xa.UpdateApplied, res)
	res, err = remote.Credit(ctx, xid, "NOPE", utils.MustParseAmount("1"))
	require.NoError(t, err)
	assert.Equal(t, xa.UpdateNotFound, res)
	res, err = remote.Debit(ctx, xid, "A2", utils.MustParseAmount("15000.01"))
	require.NoError(t, err)
	assert.Equal(t, xa.UpdatePredicateFailed, res)

	require.NoError(t, remote.End(ctx, xid, false))
	vote, err := remote.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.True(t, vote.OK)

	xids, err := remote.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, xids, 1)
	assert.True(t, xid.Equal(xids[0]))

	require.NoError(t, remote.Commit(ctx, xid, false))
	bal, err := remote.Balance(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("15100.50"), bal)
	bal, err = local.Balance(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("15100.50"), bal)

	_, err = remote.Balance(ctx, "NOPE")
	assert.True(t, errors.Is(err, accountstore.ErrAccountNotFound))

	err = remote.Commit(ctx, xid, false)
	assert.Equal(t, xa.ErrCodeUnknownBranch, xa.CodeOf(err))
	assert.Equal(t, gobreaker.StateClosed, remote.State())
}

func Test_remote_fault_and_vote(t *testing.T) {
	ctx := context.Background()
	remote, _ := serveBank(t, bank.FailOn(xa.OpCredit, xa.OpPrepare))
	_, xid := xa.NewGenerator().NewPair()

	require.NoError(t, remote.Start(ctx, xid))
	_, err := remote.Credit(ctx, xid, "A2", 1)
	assert.Equal(t, xa.ErrCodeFault, xa.CodeOf(err))
	assert.EqualError(t, err, "simulated error in XA connection")

	require.NoError(t, remote.End(ctx, xid, false))
	vote, err := remote.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.False(t, vote.OK)
	assert.Equal(t, "simulated error in XA connection", vote.Reason)
	require.NoError(t, remote.Rollback(ctx, xid))

	// domain failures do not trip the breaker
	assert.Equal(t, gobreaker.StateClosed, remote.State())
}

func Test_remote_unreachable_trips_breaker(t *testing.T) {
	ctx := context.Background()
	lis := bufconn.Listen(1 << 10)
	lis.Close()
	remote, err := bankmgr.DialRemote("BANKZZ", "bufnet", 1, 50*time.Millisecond, zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer remote.Close()

	xid := xa.NewGenerator().New().Branch(1)
	for i := 0; i < 5; i++ {
		err = remote.Start(ctx, xid)
		assert.Equal(t, xa.ErrCodeTransport, xa.CodeOf(err))
	}
	assert.Equal(t, gobreaker.StateOpen, remote.State())
	err = remote.Start(ctx, xid)
	assert.Equal(t, xa.ErrCodeTransport, xa.CodeOf(err))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}
