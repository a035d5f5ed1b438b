package budget

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupBudgetTestContainer brings up a disposable Postgres instance and
// the budget_rows schema, mirroring the teacher's compliance/storage test
// container helper.
func setupBudgetTestContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("budget_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS budget_rows (
			budget_key TEXT NOT NULL,
			time_bucket_nanos BIGINT NOT NULL,
			tokens_remaining INTEGER NOT NULL,
			tokens_held INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (budget_key, time_bucket_nanos)
		)`)
	require.NoError(t, err)

	return pool
}

func TestPostgresLedgerPrepareCommitRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in -short mode")
	}
	ctx := context.Background()
	pool := setupBudgetTestContainer(t, ctx)
	l := NewPostgresLedger(pool, 10)

	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 4}}))
	require.NoError(t, l.Commit(ctx, []Claim{{Key: key, TokenCount: 4}}))

	var remaining, held uint32
	err := pool.QueryRow(ctx, `SELECT tokens_remaining, tokens_held FROM budget_rows WHERE budget_key=$1 AND time_bucket_nanos=$2`,
		key.BudgetKey, key.TimeBucketNanos).Scan(&remaining, &held)
	require.NoError(t, err)
	require.EqualValues(t, 6, remaining)
	require.EqualValues(t, 0, held)

	err = l.Prepare(ctx, []Claim{{Key: key, TokenCount: 7}})
	require.Error(t, err)
}

func TestPostgresLedgerReleaseRestoresHold(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in -short mode")
	}
	ctx := context.Background()
	pool := setupBudgetTestContainer(t, ctx)
	l := NewPostgresLedger(pool, 5)

	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 5}}))
	require.NoError(t, l.Release(ctx, []Claim{{Key: key, TokenCount: 5}}))
	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 5}}))
}
