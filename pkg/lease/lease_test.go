package lease

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/pbslog"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "lease.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []TransitionType
}

func (r *transitionRecorder) handle(lockID string, t TransitionType, info Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *transitionRecorder) snapshot() []TransitionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransitionType, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func TestManagerAcquiresUncontestedLease(t *testing.T) {
	store := newTestStore(t)
	rec := &transitionRecorder{}
	m := NewManager(Config{
		LockID:        "partition-0",
		OwnerID:       "node-a",
		LeaseDuration: 200 * time.Millisecond,
		RenewInterval: 20 * time.Millisecond,
	}, store, rec.handle, pbslog.New(pbslog.DefaultConfig()))

	m.Run()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.State() == Acquired
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, rec.snapshot(), TransitionAcquired)
}

func TestManagerVoluntaryReleaseTransitionsThroughIntentToRelease(t *testing.T) {
	store := newTestStore(t)
	rec := &transitionRecorder{}
	m := NewManager(Config{
		LockID:        "partition-0",
		OwnerID:       "node-a",
		LeaseDuration: 500 * time.Millisecond,
		RenewInterval: 20 * time.Millisecond,
	}, store, rec.handle, pbslog.New(pbslog.DefaultConfig()))

	m.Run()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == Acquired }, time.Second, 10*time.Millisecond)

	m.RequestRelease()

	require.Eventually(t, func() bool { return m.State() == Released }, time.Second, 10*time.Millisecond)

	transitions := rec.snapshot()
	assert.Contains(t, transitions, TransitionRenewedWithIntentToRelease)
	assert.Contains(t, transitions, TransitionReleased)
}

func TestManagerLosesExpiredLeaseToAnotherOwner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	expired := Record{
		LockID:                   "partition-0",
		LeaseOwnerID:             "node-stale",
		LeaseExpirationTimestamp: time.Now().Add(-time.Second),
	}
	ok, err := store.CompareAndSwap(ctx, "partition-0", true, Record{}, expired)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &transitionRecorder{}
	m := NewManager(Config{
		LockID:        "partition-0",
		OwnerID:       "node-b",
		LeaseDuration: 200 * time.Millisecond,
		RenewInterval: 20 * time.Millisecond,
	}, store, rec.handle, pbslog.New(pbslog.DefaultConfig()))

	m.Run()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == Acquired }, time.Second, 10*time.Millisecond)
}

func TestBoltStoreCompareAndSwapRejectsStaleExpected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := Record{LockID: "p0", LeaseOwnerID: "a", LeaseExpirationTimestamp: time.Now().Add(time.Minute)}
	ok, err := store.CompareAndSwap(ctx, "p0", true, Record{}, first)
	require.NoError(t, err)
	require.True(t, ok)

	stale := Record{LockID: "p0", LeaseOwnerID: "a", LeaseExpirationTimestamp: time.Now()}
	second := Record{LockID: "p0", LeaseOwnerID: "b", LeaseExpirationTimestamp: time.Now().Add(time.Minute)}
	ok, err = store.CompareAndSwap(ctx, "p0", false, stale, second)
	require.NoError(t, err)
	assert.False(t, ok)
}
