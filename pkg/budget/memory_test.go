package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerPrepareAndCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(10)
	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 4}}))
	require.NoError(t, l.Commit(ctx, []Claim{{Key: key, TokenCount: 4}}))

	r := l.rowFor(key)
	assert.EqualValues(t, 6, r.remaining)
	assert.EqualValues(t, 0, r.held)
}

func TestMemoryLedgerPrepareRejectsInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(3)
	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	err := l.Prepare(ctx, []Claim{{Key: key, TokenCount: 4}})
	require.Error(t, err)
	var insufficient *InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, key, insufficient.Key)
}

func TestMemoryLedgerPrepareHoldsAcrossTwoConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(5)
	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 3}}))
	err := l.Prepare(ctx, []Claim{{Key: key, TokenCount: 3}})
	require.Error(t, err)
}

func TestMemoryLedgerReleaseRestoresPreparedHold(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(5)
	key := Key{BudgetKey: "origin/ad-1", TimeBucketNanos: 1000}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 3}}))
	require.NoError(t, l.Release(ctx, []Claim{{Key: key, TokenCount: 3}}))

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: key, TokenCount: 5}}))
}

func TestMemoryLedgerBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(5)
	good := Key{BudgetKey: "origin/a", TimeBucketNanos: 1}
	bad := Key{BudgetKey: "origin/b", TimeBucketNanos: 1}

	require.NoError(t, l.Prepare(ctx, []Claim{{Key: bad, TokenCount: 5}}))

	err := l.Prepare(ctx, []Claim{
		{Key: good, TokenCount: 1},
		{Key: bad, TokenCount: 1},
	})
	require.Error(t, err)

	// good's hold must not have been taken even though good comes first in
	// this claim order, since Prepare checks every claim before mutating
	// any row.
	assert.EqualValues(t, 0, l.rowFor(good).held)
}
