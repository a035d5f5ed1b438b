package transaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/journal"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

func newTestCoordinator(t *testing.T) (*Coordinator, budget.Ledger) {
	t.Helper()

	executor, err := asyncexec.New(asyncexec.Config{
		ThreadCount:   2,
		QueueCap:      64,
		LoadBalancing: asyncexec.RoundRobinPerThread,
	})
	require.NoError(t, err)
	executor.Run()
	t.Cleanup(func() { _ = executor.Stop() })

	d := dispatcher.New(executor, dispatcher.RetryStrategy{
		Policy:     dispatcher.Exponential,
		DelayMS:    1,
		MaxRetries: 5,
	})

	store, err := journal.OpenBoltStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	j, err := journal.New(context.Background(), store)
	require.NoError(t, err)

	ledger := budget.NewMemoryLedger(100)
	log := pbslog.New(pbslog.DefaultConfig())

	c := NewCoordinator(Config{MaxConcurrentTransactions: 10}, d, j, ledger, log)
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, ledger
}

func beginTestTransaction(t *testing.T, c *Coordinator, key string) (uuid.UUID, string, uint64) {
	t.Helper()
	id := uuid.New()
	secret := "secret-" + id.String()
	req := BeginRequest{
		ID:              id,
		Secret:          secret,
		ReportingOrigin: "https://reporter.example",
		Claims: []budget.Claim{
			{Key: budget.Key{BudgetKey: key, TimeBucketNanos: 1}, TokenCount: 1},
		},
		ExpirationTime: time.Now().Add(time.Minute),
	}
	result, ts := c.Begin(context.Background(), req)
	require.True(t, result.Successful())
	return id, secret, ts
}

func TestCoordinatorDrivesHappyPathToEnd(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, secret, ts := beginTestTransaction(t, c, "happy-path")

	for _, phase := range []Phase{Prepare, Commit, Notify, End} {
		result, newTs := c.ExecutePhase(context.Background(), id, secret, phase, ts)
		require.True(t, result.Successful(), "phase %s", phase)
		require.Greater(t, newTs, ts)
		ts = newTs
	}

	phase, _, statusResult := c.Status(id, secret)
	require.False(t, statusResult.Successful())
	require.Equal(t, Unknown, phase)
}

func TestCoordinatorRejectsStaleTimestamp(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, secret, ts := beginTestTransaction(t, c, "stale-timestamp")

	result, newTs := c.ExecutePhase(context.Background(), id, secret, Prepare, ts)
	require.True(t, result.Successful())

	staleResult, _ := c.ExecutePhase(context.Background(), id, secret, Commit, ts)
	require.False(t, staleResult.Successful())

	result, _ = c.ExecutePhase(context.Background(), id, secret, Commit, newTs)
	require.True(t, result.Successful())
}

func TestCoordinatorRejectsWrongSecret(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, _, ts := beginTestTransaction(t, c, "wrong-secret")

	result, _ := c.ExecutePhase(context.Background(), id, "not-the-secret", Prepare, ts)
	require.False(t, result.Successful())
}

func TestCoordinatorStatusDistinguishesNotFoundFromWrongSecret(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, secret, _ := beginTestTransaction(t, c, "status-secret")

	_, _, result := c.Status(id, "not-the-secret")
	require.False(t, result.Successful())
	require.Equal(t, pbserrors.SCTransactionManagerWrongSecret, result.Code)

	_, _, result = c.Status(uuid.New(), secret)
	require.False(t, result.Successful())
	require.Equal(t, pbserrors.SCTransactionManagerTransactionNotFound, result.Code)

	phase, _, result := c.Status(id, secret)
	require.True(t, result.Successful())
	require.Equal(t, Begin, phase)
}

func TestCoordinatorAbortReleasesHold(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	id, secret, ts := beginTestTransaction(t, c, "abort-path")

	result, ts := c.ExecutePhase(context.Background(), id, secret, Prepare, ts)
	require.True(t, result.Successful())

	result, ts = c.ExecutePhase(context.Background(), id, secret, Abort, ts)
	require.True(t, result.Successful())

	result, _ = c.ExecutePhase(context.Background(), id, secret, End, ts)
	require.True(t, result.Successful())

	claims := []budget.Claim{{Key: budget.Key{BudgetKey: "abort-path", TimeBucketNanos: 1}, TokenCount: 100}}
	require.NoError(t, ledger.Prepare(context.Background(), claims))
}

func TestCoordinatorBackpressureWhenStopped(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	result, _ := c.Begin(context.Background(), BeginRequest{
		ID:             uuid.New(),
		Secret:         "s",
		ExpirationTime: time.Now().Add(time.Minute),
	})
	require.False(t, result.Successful())
	require.True(t, result.Retryable())
}

func TestCoordinatorReplayReconstructsInflightTransaction(t *testing.T) {
	store, err := journal.OpenBoltStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()

	j, err := journal.New(context.Background(), store)
	require.NoError(t, err)

	executor, err := asyncexec.New(asyncexec.Config{ThreadCount: 1, QueueCap: 8, LoadBalancing: asyncexec.RoundRobinPerThread})
	require.NoError(t, err)
	executor.Run()
	defer executor.Stop()
	d := dispatcher.New(executor, dispatcher.RetryStrategy{Policy: dispatcher.Exponential, DelayMS: 1, MaxRetries: 3})
	ledger := budget.NewMemoryLedger(50)
	log := pbslog.New(pbslog.DefaultConfig())

	c1 := NewCoordinator(Config{MaxConcurrentTransactions: 10}, d, j, ledger, log)
	c1.Start()
	id, secret, ts := beginTestTransaction(t, c1, "replay-case")
	result, _ := c1.ExecutePhase(context.Background(), id, secret, Prepare, ts)
	require.True(t, result.Successful())

	c2 := NewCoordinator(Config{MaxConcurrentTransactions: 10}, d, j, ledger, log)
	require.NoError(t, c2.Replay(context.Background()))
	c2.Start()

	phase, replayedTs, statusResult := c2.Status(id, secret)
	require.True(t, statusResult.Successful())
	require.Equal(t, Prepare, phase)

	result, _ = c2.ExecutePhase(context.Background(), id, secret, Commit, replayedTs)
	require.True(t, result.Successful())
}
