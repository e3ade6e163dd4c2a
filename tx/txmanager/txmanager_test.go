package txmanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acid_bank/tx/txmanager"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/acid_bank/xa/mock_xa"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	x, y    *mock_xa.MockResourceManager
	c       *txmanager.Coordinator
	logs    *observer.ObservedLogs
	metrics *txmanager.Metrics
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	x := mock_xa.NewMockResourceManager(ctrl)
	x.EXPECT().Bank().Return("BANKXX").AnyTimes()
	y := mock_xa.NewMockResourceManager(ctrl)
	y.EXPECT().Bank().Return("BANKYY").AnyTimes()

	core, logs := observer.New(zap.DebugLevel)
	m := txmanager.NewMetrics(prometheus.NewRegistry())
	c := txmanager.New(txmanager.NewStaticBanks(x, y),
		txmanager.WithLogger(zap.New(core)),
		txmanager.WithMetrics(m),
		txmanager.WithCallTimeout(time.Second))
	return &fixture{x: x, y: y, c: c, logs: logs, metrics: m}
}

var request = txmanager.TransferRequest{
	FromBank: "BANKXX",
	FromIBAN: "A1",
	ToBank:   "BANKYY",
	ToIBAN:   "A2",
	Amount:   utils.MustParseAmount("100.50"),
}

// started expects both starts and the debit, returning the debit call so
// the test can chain its result.
func (f *fixture) started() *gomock.Call {
	return f.x.EXPECT().Debit(gomock.Any(), gomock.Any(), "A1", request.Amount).After(
		f.y.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil).After(
			f.x.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil)))
}

func (f *fixture) ended() {
	f.started().Return(xa.UpdateApplied, nil)
	gomock.InOrder(
		f.y.EXPECT().Credit(gomock.Any(), gomock.Any(), "A2", request.Amount).Return(xa.UpdateApplied, nil),
		f.x.EXPECT().End(gomock.Any(), gomock.Any(), false).Return(nil),
		f.y.EXPECT().End(gomock.Any(), gomock.Any(), false).Return(nil),
	)
}

func Test_transfer_protocol_order(t *testing.T) {
	f := newFixture(t)
	var fx, tx xa.Xid
	gomock.InOrder(
		f.x.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, xid xa.Xid) error {
			fx = xid
			return nil
		}),
		f.y.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, xid xa.Xid) error {
			tx = xid
			return nil
		}),
		f.x.EXPECT().Debit(gomock.Any(), gomock.Any(), "A1", request.Amount).Return(xa.UpdateApplied, nil),
		f.y.EXPECT().Credit(gomock.Any(), gomock.Any(), "A2", request.Amount).Return(xa.UpdateApplied, nil),
		f.x.EXPECT().End(gomock.Any(), gomock.Any(), false).Return(nil),
		f.y.EXPECT().End(gomock.Any(), gomock.Any(), false).Return(nil),
		f.x.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.y.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.x.EXPECT().Commit(gomock.Any(), gomock.Any(), false).Return(nil),
		f.y.EXPECT().Commit(gomock.Any(), gomock.Any(), false).Return(nil),
	)

	rcpt, err := f.c.Transfer(context.Background(), request)
	require.NoError(t, err)

	assert.True(t, fx.SameGlobal(tx))
	assert.False(t, fx.Equal(tx))
	assert.Equal(t, []byte{1}, fx.BranchQual)
	assert.Equal(t, []byte{2}, tx.BranchQual)
	assert.Equal(t, fx.Global(), rcpt.Xid)
	assert.Equal(t, "one hundred and 50/100", rcpt.AmountWords)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transfers.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Votes.WithLabelValues("BANKYY", "OK")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.InFlight))
	assert.Empty(t, f.c.InFlight())
}

func Test_transfer_rejects_non_positive_amount(t *testing.T) {
	f := newFixture(t)
	for _, amt := range []utils.Amount{0, -1, utils.MustParseAmount("-100")} {
		req := request
		req.Amount = amt
		_, err := f.c.Transfer(context.Background(), req)
		require.Error(t, err)
		assert.EqualError(t, err, "transfer failed: negative or zero transfer value")
		assert.True(t, errors.Is(err, txmanager.ErrInvalidAmount))
		assert.Equal(t, txmanager.KindValidation, txmanager.KindOf(err))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Transfers.WithLabelValues("rejected")))
}

func Test_transfer_unknown_bank(t *testing.T) {
	f := newFixture(t)
	req := request
	req.ToBank = "NOPE"
	_, err := f.c.Transfer(context.Background(), req)
	assert.True(t, errors.Is(err, txmanager.ErrUnknownBank))
	assert.Equal(t, txmanager.KindValidation, txmanager.KindOf(err))
}

func Test_transfer_debit_failure_skips_credit(t *testing.T) {
	for name, res := range map[string]xa.UpdateResult{
		"insufficient": xa.UpdatePredicateFailed,
		"missing":      xa.UpdateNotFound,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			debit := f.started().Return(res, nil)
			gomock.InOrder(
				f.x.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil).After(debit),
				f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
				f.y.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil),
				f.y.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
			)

			_, err := f.c.Transfer(context.Background(), request)
			assert.EqualError(t, err, "transfer failed: insufficient funds or invalid IBAN: A1")
			assert.True(t, errors.Is(err, txmanager.ErrInsufficientFunds))
			assert.Equal(t, txmanager.KindLocalOperation, txmanager.KindOf(err))
		})
	}
}

func Test_transfer_credit_results(t *testing.T) {
	for res, msg := range map[xa.UpdateResult]string{
		xa.UpdateNotFound:        "transfer failed: invalid IBAN: A2",
		xa.UpdateCeilingExceeded: "transfer failed: check constraint violated: balance ceiling exceeded for A2",
	} {
		t.Run(res.String(), func(t *testing.T) {
			f := newFixture(t)
			f.started().Return(xa.UpdateApplied, nil)
			f.y.EXPECT().Credit(gomock.Any(), gomock.Any(), "A2", request.Amount).Return(res, nil)
			f.x.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil)
			f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil)
			f.y.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil)
			f.y.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil)

			_, err := f.c.Transfer(context.Background(), request)
			assert.EqualError(t, err, msg)
		})
	}
}

func Test_transfer_start_failure_aborts_started_branches_only(t *testing.T) {
	f := newFixture(t)
	dup := xa.NewBranchError(xa.OpStart, xa.Xid{}, xa.ErrCodeAlreadyActive, errors.New("branch already active"))
	gomock.InOrder(
		f.x.EXPECT().Start(gomock.Any(), gomock.Any()).Return(nil),
		f.y.EXPECT().Start(gomock.Any(), gomock.Any()).Return(dup),
		f.x.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil),
		f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
	)

	_, err := f.c.Transfer(context.Background(), request)
	assert.EqualError(t, err, "transfer failed: start at BANKYY: branch already active")
	assert.Equal(t, xa.ErrCodeAlreadyActive, xa.CodeOf(err))
	assert.Equal(t, txmanager.KindParticipant, txmanager.KindOf(err))
}

func Test_transfer_collects_both_votes(t *testing.T) {
	f := newFixture(t)
	f.ended()
	gomock.InOrder(
		f.x.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteNotOK("branch is rollback-only"), nil),
		f.y.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
		f.y.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
	)

	_, err := f.c.Transfer(context.Background(), request)
	assert.EqualError(t, err, "transfer failed: prepare phase failed")
	assert.True(t, errors.Is(err, txmanager.ErrPrepareFailed))
	assert.Contains(t, errors.Unwrap(err).Error(), "BANKXX: branch is rollback-only")
	assert.Equal(t, txmanager.KindVote, txmanager.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Votes.WithLabelValues("BANKXX", "NotOK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transfers.WithLabelValues("aborted")))
}

func Test_transfer_prepare_error_counts_as_not_ok(t *testing.T) {
	f := newFixture(t)
	f.ended()
	gomock.InOrder(
		f.x.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.y.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.Vote{}, context.DeadlineExceeded),
		f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
		f.y.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil),
	)

	_, err := f.c.Transfer(context.Background(), request)
	assert.True(t, errors.Is(err, txmanager.ErrPrepareFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, f.logs.FilterMessage("prepare failed, counted as not ok").Len())
}

func Test_transfer_rollback_failure_does_not_mask_cause(t *testing.T) {
	f := newFixture(t)
	fault := xa.NewBranchError(xa.OpCredit, xa.Xid{}, xa.ErrCodeFault, errors.New("simulated error in XA connection"))
	f.started().Return(xa.UpdateApplied, nil)
	f.y.EXPECT().Credit(gomock.Any(), gomock.Any(), "A2", request.Amount).Return(xa.UpdateResult(0), fault)
	f.x.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(nil)
	f.x.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))
	f.y.EXPECT().End(gomock.Any(), gomock.Any(), true).Return(errors.New("connection reset"))
	f.y.EXPECT().Rollback(gomock.Any(), gomock.Any()).Return(nil)

	_, err := f.c.Transfer(context.Background(), request)
	assert.EqualError(t, err, "transfer failed: credit at BANKYY: simulated error in XA connection")
	assert.Equal(t, xa.ErrCodeFault, xa.CodeOf(err))

	failed := f.logs.FilterMessage("rollback failed")
	require.Equal(t, 1, failed.Len())
	assert.Equal(t, zap.ErrorLevel, failed.All()[0].Level)
	assert.Equal(t, "BANKXX", failed.All()[0].ContextMap()["bank"])
	assert.Equal(t, 1, f.logs.FilterMessage("end failed during abort").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RollbackFailures))
}

func Test_transfer_commit_failure_is_in_doubt(t *testing.T) {
	f := newFixture(t)
	f.ended()
	gomock.InOrder(
		f.x.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.y.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(xa.VoteOK, nil),
		f.x.EXPECT().Commit(gomock.Any(), gomock.Any(), false).Return(
			xa.NewBranchError(xa.OpCommit, xa.Xid{}, xa.ErrCodeTransport, errors.New("unavailable"))),
		// the decision stands: the second branch is still committed, once
		f.y.EXPECT().Commit(gomock.Any(), gomock.Any(), false).Return(nil),
	)

	_, err := f.c.Transfer(context.Background(), request)
	assert.EqualError(t, err, "transfer failed: commit not acknowledged by BANKXX, outcome in doubt")
	assert.True(t, errors.Is(err, txmanager.ErrInDoubt))
	assert.Equal(t, txmanager.KindInDoubt, txmanager.KindOf(err))
	assert.Equal(t, xa.ErrCodeTransport, xa.CodeOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transfers.WithLabelValues("in_doubt")))
}

func Test_balance(t *testing.T) {
	f := newFixture(t)
	f.y.EXPECT().Balance(gomock.Any(), "A2").Return(utils.MustParseAmount("15000"), nil)

	bal, err := f.c.Balance(context.Background(), "BANKYY", "A2")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("15000"), bal)

	_, err = f.c.Balance(context.Background(), "NOPE", "A2")
	assert.True(t, errors.Is(err, txmanager.ErrUnknownBank))
}
