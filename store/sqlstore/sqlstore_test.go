package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/accountstore/storetest"
	"github.com/acid_bank/store/sqlstore"
	"github.com/acid_bank/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func Test_sqlite_store_contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts accountstore.Options) accountstore.Store {
		s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, ":memory:",
			opts, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func Test_sqlite_reopen_aborts_unprepared(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "bank.db")
	lg := zaptest.NewLogger(t)

	s, err := sqlstore.Open(ctx, sqlstore.SQLite, dsn, accountstore.Options{}, lg)
	require.NoError(t, err)
	require.NoError(t, s.PutAccount(ctx, accountstore.Account{IBAN: "A", Balance: utils.MustParseAmount("100")}))
	require.NoError(t, s.Adjust(ctx, "prepared", "A", -utils.MustParseAmount("60"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Adjust(ctx, "active", "A", -utils.MustParseAmount("40"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Prepare(ctx, "prepared"))
	require.NoError(t, s.Close())

	s, err = sqlstore.Open(ctx, sqlstore.SQLite, dsn, accountstore.Options{}, lg)
	require.NoError(t, err)
	defer s.Close()

	prepared, err := s.PreparedBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"prepared"}, prepared)

	// the 40 reserved by the lost branch is available again
	require.NoError(t, s.Adjust(ctx, "next", "A", -utils.MustParseAmount("40"), accountstore.PredicateSufficientFunds))
	require.NoError(t, s.Commit(ctx, "prepared"))
	b, err := s.Balance(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, utils.MustParseAmount("40"), b)
}

func Test_unsupported_dialect(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "oracle", "", accountstore.Options{}, nil)
	assert.Error(t, err)
}
