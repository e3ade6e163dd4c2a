//go:build integration

package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/accountstore/storetest"
	"github.com/acid_bank/store/sqlstore"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// setupPostgresContainer starts a disposable PostgreSQL container and returns
// its connection string.
func setupPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bank"),
		tcpostgres.WithUsername("bank"),
		tcpostgres.WithPassword("bank"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestIntegration_postgres_store_contract(t *testing.T) {
	dsn := setupPostgresContainer(t)
	storetest.Run(t, func(t *testing.T, opts accountstore.Options) accountstore.Store {
		ctx := context.Background()
		s, err := sqlstore.Open(ctx, sqlstore.Postgres, dsn,
			opts, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		require.NoError(t, s.Truncate(ctx))
		return s
	})
}
