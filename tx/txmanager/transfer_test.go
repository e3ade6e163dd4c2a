package txmanager_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/bank"
	"github.com/acid_bank/tx/txmanager"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type banks struct {
	x, y *bank.ResourceManager
	c    *txmanager.Coordinator
}

// newBanks sets up BANKXX holding A1=8000 and BANKYY holding A2=15000,
// both with the given ceiling.
func newBanks(t *testing.T, ceiling string, yFaults bank.FaultInjector, opts ...txmanager.Option) *banks {
	t.Helper()
	ctx := context.Background()
	lg := zaptest.NewLogger(t)
	open := func(bic, iban, balance string, faults bank.FaultInjector) *bank.ResourceManager {
		s := accountstore.NewMemoryStore(accountstore.Options{Ceiling: utils.MustParseAmount(ceiling)}, lg)
		require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: iban, Balance: utils.MustParseAmount(balance)}))
		return bank.New(bic, s, bank.WithFaults(faults), bank.WithLogger(lg))
	}
	b := &banks{
		x: open("BANKXX", "A1", "8000", nil),
		y: open("BANKYY", "A2", "15000", yFaults),
	}
	b.c = txmanager.New(txmanager.NewStaticBanks(b.x, b.y), append([]txmanager.Option{txmanager.WithLogger(lg)}, opts...)...)
	return b
}

func (b *banks) balances(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()
	a1, err := b.c.Balance(ctx, "BANKXX", "A1")
	require.NoError(t, err)
	a2, err := b.c.Balance(ctx, "BANKYY", "A2")
	require.NoError(t, err)
	return a1.String(), a2.String()
}

func (b *banks) assertNoOpenBranches(t *testing.T) {
	t.Helper()
	assert.Empty(t, b.x.Branches())
	assert.Empty(t, b.y.Branches())
}

func transfer(amount string) txmanager.TransferRequest {
	return txmanager.TransferRequest{
		FromBank: "BANKXX", FromIBAN: "A1",
		ToBank: "BANKYY", ToIBAN: "A2",
		Amount: utils.MustParseAmount(amount),
	}
}

func Test_scenario_between_two_banks(t *testing.T) {
	ctx := context.Background()
	b := newBanks(t, "20000", nil)

	rcpt, err := b.c.Transfer(ctx, transfer("100.50"))
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("100.50"), rcpt.Amount)
	a1, a2 := b.balances(t)
	assert.Equal(t, "7899.50", a1)
	assert.Equal(t, "15100.50", a2)

	_, err = b.c.Transfer(ctx, transfer("8000.50"))
	assert.EqualError(t, err, "transfer failed: insufficient funds or invalid IBAN: A1")
	a1, a2 = b.balances(t)
	assert.Equal(t, "7899.50", a1)
	assert.Equal(t, "15100.50", a2)
	b.assertNoOpenBranches(t)
}

func Test_transfer_to_unknown_iban_leaves_balances(t *testing.T) {
	b := newBanks(t, "20000", nil)
	req := transfer("8000")
	req.ToIBAN = "NOPE"

	_, err := b.c.Transfer(context.Background(), req)
	assert.EqualError(t, err, "transfer failed: invalid IBAN: NOPE")
	assert.True(t, errors.Is(err, txmanager.ErrInvalidIBAN))
	a1, a2 := b.balances(t)
	assert.Equal(t, "8000.00", a1)
	assert.Equal(t, "15000.00", a2)
	b.assertNoOpenBranches(t)

	// the hold on the whole balance was released, and the credit stays
	// within the 20000 ceiling
	_, err = b.c.Transfer(context.Background(), transfer("5000"))
	require.NoError(t, err)
	a1, a2 = b.balances(t)
	assert.Equal(t, "3000.00", a1)
	assert.Equal(t, "20000.00", a2)
}

func Test_transfer_over_ceiling(t *testing.T) {
	b := newBanks(t, "20000", nil)
	_, err := b.c.Transfer(context.Background(), transfer("5000.01"))
	assert.EqualError(t, err, "transfer failed: check constraint violated: balance ceiling exceeded for A2")
	assert.True(t, errors.Is(err, txmanager.ErrCeilingExceeded))
	a1, a2 := b.balances(t)
	assert.Equal(t, "8000.00", a1)
	assert.Equal(t, "15000.00", a2)
}

func Test_transfer_with_injected_faults(t *testing.T) {
	t.Run("credit", func(t *testing.T) {
		b := newBanks(t, "20000", bank.FailOn(xa.OpCredit))
		_, err := b.c.Transfer(context.Background(), transfer("100"))
		assert.EqualError(t, err, "transfer failed: credit at BANKYY: simulated error in XA connection")
		assert.True(t, errors.Is(err, bank.ErrSimulated))
		assert.Equal(t, txmanager.KindParticipant, txmanager.KindOf(err))
		a1, a2 := b.balances(t)
		assert.Equal(t, "8000.00", a1)
		assert.Equal(t, "15000.00", a2)
		b.assertNoOpenBranches(t)
	})

	t.Run("prepare", func(t *testing.T) {
		b := newBanks(t, "20000", bank.FailOn(xa.OpPrepare))
		_, err := b.c.Transfer(context.Background(), transfer("100"))
		assert.EqualError(t, err, "transfer failed: prepare phase failed")
		assert.True(t, errors.Is(err, txmanager.ErrPrepareFailed))
		assert.Contains(t, err.(*txmanager.TransferError).Err.Error(), "BANKYY: simulated error in XA connection")
		a1, a2 := b.balances(t)
		assert.Equal(t, "8000.00", a1)
		assert.Equal(t, "15000.00", a2)
		b.assertNoOpenBranches(t)
	})
}

func Test_concurrent_transfers_from_one_account(t *testing.T) {
	b := newBanks(t, "100000", nil)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.c.Transfer(context.Background(), transfer("1000"))
			if err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, txmanager.ErrInsufficientFunds), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, committed)
	a1, a2 := b.balances(t)
	assert.Equal(t, "0.00", a1)
	assert.Equal(t, "23000.00", a2)
	b.assertNoOpenBranches(t)
}

func Test_transfer_spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	b := newBanks(t, "20000", nil, txmanager.WithTracerProvider(tp))

	_, err := b.c.Transfer(context.Background(), transfer("1"))
	require.NoError(t, err)
	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{
		"txmanager.start", "txmanager.work", "txmanager.prepare", "txmanager.commit", "txmanager.Transfer",
	}, names)

	_, err = b.c.Transfer(context.Background(), transfer("9000"))
	require.Error(t, err)
	spans := rec.Ended()
	root := spans[len(spans)-1]
	assert.Equal(t, "txmanager.Transfer", root.Name())
	assert.Equal(t, codes.Error, root.Status().Code)
	assert.Equal(t, "txmanager.rollback", spans[len(spans)-2].Name())
}
