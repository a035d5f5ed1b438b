package lease

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/pbslog"
)

type fakeLoader struct {
	loadCalls   atomic.Int32
	unloadCalls atomic.Int32
	unloadErr   error
	mu          sync.Mutex
	loadedAt    time.Time
}

func (f *fakeLoader) Load() error {
	f.loadCalls.Add(1)
	f.mu.Lock()
	f.loadedAt = time.Now()
	f.mu.Unlock()
	return nil
}

func (f *fakeLoader) Unload() error {
	f.unloadCalls.Add(1)
	return f.unloadErr
}

func newTestExecutor(t *testing.T) *asyncexec.Executor {
	t.Helper()
	e, err := asyncexec.New(asyncexec.Config{ThreadCount: 2, QueueCap: 100})
	require.NoError(t, err)
	require.NoError(t, e.Run())
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestEventSinkLoadsAfterBootupWait(t *testing.T) {
	loader := &fakeLoader{}
	executor := newTestExecutor(t)
	sink := NewEventSink(loader, executor, 30*time.Millisecond, func() { t.Fatal("unexpected abort") }, pbslog.New(pbslog.DefaultConfig()))

	sink.Handle("p0", TransitionAcquired, Record{})

	assert.EqualValues(t, 0, loader.loadCalls.Load())
	require.Eventually(t, func() bool { return loader.loadCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventSinkCancelsPendingLoadOnLost(t *testing.T) {
	loader := &fakeLoader{}
	executor := newTestExecutor(t)
	sink := NewEventSink(loader, executor, 100*time.Millisecond, func() { t.Fatal("unexpected abort") }, pbslog.New(pbslog.DefaultConfig()))

	sink.Handle("p0", TransitionAcquired, Record{})
	sink.Handle("p0", TransitionLost, Record{})

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 0, loader.loadCalls.Load())
	assert.EqualValues(t, 1, loader.unloadCalls.Load())
}

func TestEventSinkAbortsOnUnloadFailureAfterRelease(t *testing.T) {
	loader := &fakeLoader{unloadErr: assertError{}}
	executor := newTestExecutor(t)
	var aborted atomic.Bool
	sink := NewEventSink(loader, executor, time.Millisecond, func() { aborted.Store(true) }, pbslog.New(pbslog.DefaultConfig()))

	sink.Handle("p0", TransitionReleased, Record{})

	assert.True(t, aborted.Load())
}

func TestEventSinkDoesNotAbortOnUnloadFailureAfterLost(t *testing.T) {
	loader := &fakeLoader{unloadErr: assertError{}}
	executor := newTestExecutor(t)
	sink := NewEventSink(loader, executor, time.Millisecond, func() { t.Fatal("must not abort on lost-lease unload failure") }, pbslog.New(pbslog.DefaultConfig()))

	sink.Handle("p0", TransitionLost, Record{})
}

type assertError struct{}

func (assertError) Error() string { return "unload failed" }
