package asyncexec

import (
	"sync"
	"sync/atomic"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// singleThreadExecutor owns one bounded FIFO and runs it on a single
// goroutine, one task at a time, in enqueue order. High priority inserts
// at the front of the queue; the executor itself never runs two tasks
// concurrently, so High only affects ordering against other queued work,
// never against a task already executing.
type singleThreadExecutor struct {
	queueCap        int
	dropTasksOnStop bool

	mu       sync.Mutex
	cond     *sync.Cond
	q        []Work
	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

func newSingleThreadExecutor(queueCap int, dropTasksOnStop bool) *singleThreadExecutor {
	e := &singleThreadExecutor{
		queueCap:        queueCap,
		dropTasksOnStop: dropTasksOnStop,
		done:            make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *singleThreadExecutor) run() {
	e.running.Store(true)
	go e.loop()
}

func (e *singleThreadExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.q) == 0 && !e.stopping.Load() {
			e.cond.Wait()
		}
		if len(e.q) == 0 {
			e.mu.Unlock()
			return
		}
		w := e.q[0]
		e.q = e.q[1:]
		e.mu.Unlock()

		w()
	}
}

func (e *singleThreadExecutor) stop() {
	e.mu.Lock()
	e.stopping.Store(true)
	if e.dropTasksOnStop {
		e.q = nil
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	<-e.done
	e.running.Store(false)
}

func (e *singleThreadExecutor) schedule(work Work, priority Priority) pbserrors.ExecutionResult {
	if !e.running.Load() {
		return pbserrors.ResultFailure(pbserrors.SCAsyncExecutorNotRunning)
	}

	e.mu.Lock()
	if e.queueCap > 0 && len(e.q) >= e.queueCap {
		e.mu.Unlock()
		return pbserrors.ResultRetry(pbserrors.SCAsyncExecutorExceedingQueueCap)
	}
	if priority == High {
		e.q = append([]Work{work}, e.q...)
	} else {
		e.q = append(e.q, work)
	}
	e.mu.Unlock()
	e.cond.Signal()
	return pbserrors.ResultSuccess()
}

func (e *singleThreadExecutor) queueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.q)
}
