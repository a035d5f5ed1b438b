package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

type fakeSnapshotter struct {
	started   bool
	serialize func() ([]byte, error)
}

func (f *fakeSnapshotter) Started() bool { return f.started }
func (f *fakeSnapshotter) Serialize(ctx context.Context) ([]byte, error) {
	if f.serialize != nil {
		return f.serialize()
	}
	return []byte("state"), nil
}

func newTestJournalAndCheckpointStore(t *testing.T) (*Journal, CheckpointStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	jstore, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { jstore.Close() })

	j, err := New(context.Background(), jstore)
	require.NoError(t, err)

	cstore, err := OpenBoltCheckpointStore(jstore.db)
	require.NoError(t, err)
	return j, cstore
}

func TestCheckpointRefusesWhileStarted(t *testing.T) {
	j, cstore := newTestJournalAndCheckpointStore(t)
	snap := &fakeSnapshotter{started: true}
	svc := NewCheckpointService(CheckpointConfig{}, j, cstore, snap, pbslog.New(pbslog.DefaultConfig()))

	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, pbserrors.SCTransactionManagerCannotCreateCheckpointWhenStarted, pbserrors.CodeOf(err))
}

func TestCheckpointAdvancesAndGCs(t *testing.T) {
	ctx := context.Background()
	j, cstore := newTestJournalAndCheckpointStore(t)
	snap := &fakeSnapshotter{}
	svc := NewCheckpointService(CheckpointConfig{}, j, cstore, snap, pbslog.New(pbslog.DefaultConfig()))

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, EntryPhaseTransition, map[string]int{"i": i})
		require.NoError(t, err)
	}

	require.NoError(t, svc.RunOnce(ctx))
	assert.EqualValues(t, 5, svc.GetLastPersistedCheckpointID())

	id, found, err := cstore.ReadLastCheckpointPointer(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 5, id)

	last, err := j.LastJournalID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, last)

	require.NoError(t, j.ReplayFrom(ctx, 0, func(Entry) error { return nil }))
}

func TestCheckpointSerializeFailurePropagates(t *testing.T) {
	ctx := context.Background()
	j, cstore := newTestJournalAndCheckpointStore(t)
	snap := &fakeSnapshotter{serialize: func() ([]byte, error) {
		return nil, fmt.Errorf("boom")
	}}
	svc := NewCheckpointService(CheckpointConfig{}, j, cstore, snap, pbslog.New(pbslog.DefaultConfig()))

	_, err := j.Append(ctx, EntryPhaseTransition, map[string]int{"i": 1})
	require.NoError(t, err)

	err = svc.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, pbserrors.SCJournalAppendFailed, pbserrors.CodeOf(err))
}

func TestCheckpointRunLoopStopsCleanly(t *testing.T) {
	j, cstore := newTestJournalAndCheckpointStore(t)
	snap := &fakeSnapshotter{}
	svc := NewCheckpointService(CheckpointConfig{Interval: 10 * time.Millisecond}, j, cstore, snap, pbslog.New(pbslog.DefaultConfig()))

	svc.Run()
	time.Sleep(30 * time.Millisecond)
	svc.Stop()
}
