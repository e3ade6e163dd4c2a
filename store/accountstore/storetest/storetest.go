// Package storetest runs the behaviour every accountstore.Store backend
// must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	IBANRich = "DE89370400440532013000"
	IBANPoor = "FR1420041010050500013M02606"
)

// Ceiling is the Options.Ceiling most cases run with.
var Ceiling = utils.MustParseAmount("10000")

// Factory returns an empty store configured with opts.
type Factory func(t *testing.T, opts accountstore.Options) accountstore.Store

// limiter is implemented by stores whose numeric range is narrower than
// utils.Amount.
type limiter interface {
	Limit() utils.Amount
}

func Run(t *testing.T, newStore Factory) {
	store := func(t *testing.T) accountstore.Store {
		return newStore(t, accountstore.Options{Ceiling: Ceiling})
	}
	t.Run("adjust_commit", func(t *testing.T) { testAdjustCommit(t, store(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, store(t)) })
	t.Run("errors", func(t *testing.T) { testErrors(t, store(t)) })
	t.Run("ceiling", func(t *testing.T) { testCeiling(t, store(t)) })
	t.Run("put_keeps_holds", func(t *testing.T) { testPutKeepsHolds(t, store(t)) })
	t.Run("prepared", func(t *testing.T) { testPrepared(t, store(t)) })
	t.Run("concurrent_debits", func(t *testing.T) { testConcurrentDebits(t, store(t)) })
	t.Run("unlimited_credit_overflow", func(t *testing.T) {
		testUnlimitedCreditOverflow(t, newStore(t, accountstore.Options{}))
	})
}

func seed(t *testing.T, s accountstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: IBANRich, Balance: utils.MustParseAmount("5000")}))
	require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: IBANPoor, Balance: utils.MustParseAmount("10.50")}))
}

func balance(t *testing.T, s accountstore.Store, iban string) utils.Amount {
	t.Helper()
	b, err := s.Balance(context.Background(), iban)
	require.NoError(t, err)
	return b
}

func testAdjustCommit(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	require.NoError(t, s.Adjust(ctx, "from", IBANRich, -utils.MustParseAmount("100.25"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Adjust(ctx, "to", IBANPoor, utils.MustParseAmount("100.25"), accountstore.PredicateExists))
	assert.Equal(t, utils.MustParseAmount("5000"), balance(t, s, IBANRich))
	assert.Equal(t, utils.MustParseAmount("10.50"), balance(t, s, IBANPoor))

	require.NoError(t, s.Prepare(ctx, "from"))
	require.NoError(t, s.Prepare(ctx, "to"))
	prepared, err := s.PreparedBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"from", "to"}, prepared)

	require.NoError(t, s.Commit(ctx, "from"))
	require.NoError(t, s.Commit(ctx, "to"))
	assert.Equal(t, utils.MustParseAmount("4899.75"), balance(t, s, IBANRich))
	assert.Equal(t, utils.MustParseAmount("110.75"), balance(t, s, IBANPoor))

	prepared, err = s.PreparedBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, prepared)
	assert.True(t, errors.Is(s.Commit(ctx, "from"), accountstore.ErrBranchNotFound))
}

func testRollback(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	require.NoError(t, s.Adjust(ctx, "b1", IBANPoor, -utils.MustParseAmount("10.50"), accountstore.PredicateSufficientFunds))
	err := s.Adjust(ctx, "b2", IBANPoor, -utils.MustParseAmount("0.01"), accountstore.PredicateSufficientFunds)
	assert.True(t, errors.Is(err, accountstore.ErrPredicateFailed), "%v", err)

	require.NoError(t, s.Prepare(ctx, "b1"))
	require.NoError(t, s.Rollback(ctx, "b1"))
	assert.Equal(t, utils.MustParseAmount("10.50"), balance(t, s, IBANPoor))
	require.NoError(t, s.Adjust(ctx, "b2", IBANPoor, -utils.MustParseAmount("0.01"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Rollback(ctx, "b2"))

	assert.NoError(t, s.Rollback(ctx, "never-started"))
}

func testErrors(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	_, err := s.Balance(ctx, "XX00MISSING")
	assert.True(t, errors.Is(err, accountstore.ErrAccountNotFound), "%v", err)

	err = s.Adjust(ctx, "b1", "XX00MISSING", utils.MustParseAmount("1"), accountstore.PredicateExists)
	assert.True(t, errors.Is(err, accountstore.ErrAccountNotFound), "%v", err)
	err = s.Adjust(ctx, "b1", "XX00MISSING", -utils.MustParseAmount("1"), accountstore.PredicateSufficientFunds)
	assert.True(t, errors.Is(err, accountstore.ErrAccountNotFound), "%v", err)

	err = s.Adjust(ctx, "b1", IBANPoor, -utils.MustParseAmount("11"), accountstore.PredicateExists)
	assert.True(t, errors.Is(err, accountstore.ErrFloorViolated), "%v", err)

	err = s.PutAccount(ctx, accountstore.Account{IBAN: "XX00NEG", Balance: -1})
	assert.True(t, errors.Is(err, accountstore.ErrFloorViolated), "%v", err)
	require.NoError(t, s.Rollback(ctx, "b1"))
}

func testCeiling(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	room := Ceiling - utils.MustParseAmount("5000")
	require.NoError(t, s.Adjust(ctx, "b1", IBANRich, room-1, accountstore.PredicateExists))
	err := s.Adjust(ctx, "b2", IBANRich, 2, accountstore.PredicateExists)
	assert.True(t, errors.Is(err, accountstore.ErrCeilingExceeded), "%v", err)
	require.NoError(t, s.Adjust(ctx, "b2", IBANRich, 1, accountstore.PredicateExists))

	require.NoError(t, s.Prepare(ctx, "b1"))
	require.NoError(t, s.Prepare(ctx, "b2"))
	require.NoError(t, s.Commit(ctx, "b1"))
	require.NoError(t, s.Commit(ctx, "b2"))
	assert.Equal(t, Ceiling, balance(t, s, IBANRich))

	err = s.PutAccount(ctx, accountstore.Account{IBAN: "XX00BIG", Balance: Ceiling + 1})
	assert.True(t, errors.Is(err, accountstore.ErrCeilingExceeded), "%v", err)
}

func testPutKeepsHolds(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	require.NoError(t, s.Adjust(ctx, "b1", IBANRich, -utils.MustParseAmount("3000"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Adjust(ctx, "b2", IBANRich, utils.MustParseAmount("4000"), accountstore.PredicateExists))

	err := s.PutAccount(ctx, accountstore.Account{IBAN: IBANRich, Balance: utils.MustParseAmount("2999.99")})
	assert.True(t, errors.Is(err, accountstore.ErrFloorViolated), "%v", err)
	err = s.PutAccount(ctx, accountstore.Account{IBAN: IBANRich, Balance: utils.MustParseAmount("6000.01")})
	assert.True(t, errors.Is(err, accountstore.ErrCeilingExceeded), "%v", err)
	assert.Equal(t, utils.MustParseAmount("5000"), balance(t, s, IBANRich))

	require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: IBANRich, Balance: utils.MustParseAmount("3000")}))
	require.NoError(t, s.Prepare(ctx, "b1"))
	require.NoError(t, s.Prepare(ctx, "b2"))
	require.NoError(t, s.Commit(ctx, "b1"))
	require.NoError(t, s.Commit(ctx, "b2"))
	assert.Equal(t, utils.MustParseAmount("4000"), balance(t, s, IBANRich))
}

func testUnlimitedCreditOverflow(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	top := utils.Amount(math.MaxInt64)
	if l, ok := s.(limiter); ok {
		top = l.Limit()
	}
	require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: IBANRich, Balance: top - 10}))

	for _, delta := range []utils.Amount{11, 100, math.MaxInt64} {
		err := s.Adjust(ctx, "big", IBANRich, delta, accountstore.PredicateExists)
		assert.True(t, errors.Is(err, accountstore.ErrCeilingExceeded), "delta %d: %v", delta, err)
	}
	require.NoError(t, s.Adjust(ctx, "b1", IBANRich, 6, accountstore.PredicateExists))
	err := s.Adjust(ctx, "b2", IBANRich, 5, accountstore.PredicateExists)
	assert.True(t, errors.Is(err, accountstore.ErrCeilingExceeded), "%v", err)
	require.NoError(t, s.Adjust(ctx, "b2", IBANRich, 4, accountstore.PredicateExists))

	require.NoError(t, s.Prepare(ctx, "b1"))
	require.NoError(t, s.Prepare(ctx, "b2"))
	require.NoError(t, s.Commit(ctx, "b1"))
	require.NoError(t, s.Commit(ctx, "b2"))
	assert.Equal(t, top, balance(t, s, IBANRich))
	assert.NoError(t, s.Rollback(ctx, "big"))
}

func testPrepared(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	require.NoError(t, s.Adjust(ctx, "b1", IBANRich, -1, accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Prepare(ctx, "b1"))
	err := s.Adjust(ctx, "b1", IBANRich, -1, accountstore.PredicateSufficientFunds)
	assert.True(t, errors.Is(err, accountstore.ErrBranchPrepared), "%v", err)

	// a branch with no writes can still prepare and commit
	require.NoError(t, s.Prepare(ctx, "empty"))
	require.NoError(t, s.Commit(ctx, "empty"))
	require.NoError(t, s.Commit(ctx, "b1"))
	assert.Equal(t, utils.MustParseAmount("4999.99"), balance(t, s, IBANRich))
}

func testConcurrentDebits(t *testing.T, s accountstore.Store) {
	ctx := context.Background()
	seed(t, s)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := s.Adjust(ctx, name, IBANRich, -utils.MustParseAmount("1000"), accountstore.PredicateSufficientFunds)
			if err == nil {
				mu.Lock()
				wins = append(wins, name)
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, accountstore.ErrPredicateFailed), "%v", err)
		}(fmt.Sprintf("c%02d", i))
	}
	wg.Wait()
	require.Len(t, wins, 5)

	for _, name := range wins {
		require.NoError(t, s.Prepare(ctx, name))
		require.NoError(t, s.Commit(ctx, name))
	}
	assert.Equal(t, utils.Amount(0), balance(t, s, IBANRich))
}
