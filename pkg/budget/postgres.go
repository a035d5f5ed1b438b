package budget

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger is a Ledger backed by a Postgres table, for multi-process
// PBS deployments where more than one coordinator instance may touch the
// same budget key. Each mutation runs in one transaction with
// parameterized SQL: missing rows are first created at the per-bucket
// cap (INSERT ... ON CONFLICT DO NOTHING), then locked with SELECT ...
// FOR UPDATE, checked, and updated.
type PostgresLedger struct {
	pool               *pgxpool.Pool
	maxTokensPerBucket uint32
}

func NewPostgresLedger(pool *pgxpool.Pool, maxTokensPerBucket uint32) *PostgresLedger {
	return &PostgresLedger{pool: pool, maxTokensPerBucket: maxTokensPerBucket}
}

// ensureRow lazily inserts a row at full budget the first time a key is
// claimed against, mirroring MemoryLedger's lazy-row semantics.
func (l *PostgresLedger) ensureRow(ctx context.Context, tx pgx.Tx, k Key) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO budget_rows (budget_key, time_bucket_nanos, tokens_remaining, tokens_held)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (budget_key, time_bucket_nanos) DO NOTHING`,
		k.BudgetKey, k.TimeBucketNanos, l.maxTokensPerBucket)
	if err != nil {
		return fmt.Errorf("ensure budget row: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Prepare(ctx context.Context, claims []Claim) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin prepare tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range claims {
		if err := l.ensureRow(ctx, tx, c.Key); err != nil {
			return err
		}
		var remaining, held uint32
		err := tx.QueryRow(ctx, `
			SELECT tokens_remaining, tokens_held FROM budget_rows
			WHERE budget_key = $1 AND time_bucket_nanos = $2
			FOR UPDATE`,
			c.Key.BudgetKey, c.Key.TimeBucketNanos).Scan(&remaining, &held)
		if err != nil {
			return fmt.Errorf("lock budget row: %w", err)
		}
		if remaining-held < c.TokenCount {
			return newInsufficientBudgetResult(c.Key, c.TokenCount, remaining-held)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE budget_rows SET tokens_held = tokens_held + $3
			WHERE budget_key = $1 AND time_bucket_nanos = $2`,
			c.Key.BudgetKey, c.Key.TimeBucketNanos, c.TokenCount); err != nil {
			return fmt.Errorf("hold budget: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) Commit(ctx context.Context, claims []Claim) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range claims {
		if err := l.ensureRow(ctx, tx, c.Key); err != nil {
			return err
		}
		var remaining uint32
		err := tx.QueryRow(ctx, `
			SELECT tokens_remaining FROM budget_rows
			WHERE budget_key = $1 AND time_bucket_nanos = $2
			FOR UPDATE`,
			c.Key.BudgetKey, c.Key.TimeBucketNanos).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("lock budget row: %w", err)
		}
		if remaining < c.TokenCount {
			return newInsufficientBudgetResult(c.Key, c.TokenCount, remaining)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE budget_rows
			SET tokens_remaining = tokens_remaining - $3,
			    tokens_held = GREATEST(tokens_held - $3, 0)
			WHERE budget_key = $1 AND time_bucket_nanos = $2`,
			c.Key.BudgetKey, c.Key.TimeBucketNanos, c.TokenCount); err != nil {
			return fmt.Errorf("commit budget decrement: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) Release(ctx context.Context, claims []Claim) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range claims {
		if _, err := tx.Exec(ctx, `
			UPDATE budget_rows
			SET tokens_held = GREATEST(tokens_held - $3, 0)
			WHERE budget_key = $1 AND time_bucket_nanos = $2`,
			c.Key.BudgetKey, c.Key.TimeBucketNanos, c.TokenCount); err != nil {
			return fmt.Errorf("release held budget: %w", err)
		}
	}
	return tx.Commit(ctx)
}
