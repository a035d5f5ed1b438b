package asyncexec

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// singleThreadPriorityExecutor owns one min-heap of tasks ordered by
// execution timestamp and runs them, one at a time, on a single goroutine.
// It is the Go analogue of SingleThreadPriorityAsyncExecutor.
type singleThreadPriorityExecutor struct {
	queueCap         int
	dropTasksOnStop  bool

	mu       sync.Mutex
	cond     *sync.Cond
	q        taskHeap
	nextSeq  uint64
	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

func newSingleThreadPriorityExecutor(queueCap int, dropTasksOnStop bool) *singleThreadPriorityExecutor {
	e := &singleThreadPriorityExecutor{
		queueCap:        queueCap,
		dropTasksOnStop: dropTasksOnStop,
		done:            make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *singleThreadPriorityExecutor) run() {
	e.running.Store(true)
	go e.loop()
}

func (e *singleThreadPriorityExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.q) == 0 && !e.stopping.Load() {
			e.cond.Wait()
		}
		if len(e.q) == 0 && e.stopping.Load() {
			e.mu.Unlock()
			return
		}
		next := e.q[0]
		wait := time.Until(next.execAt)
		if wait > 0 {
			e.mu.Unlock()
			timer := time.NewTimer(wait)
			<-timer.C
			timer.Stop()
			e.mu.Lock()
		}
		if len(e.q) == 0 {
			e.mu.Unlock()
			continue
		}
		t := heap.Pop(&e.q).(*task)
		e.mu.Unlock()

		if t.cancelled != nil && *t.cancelled {
			continue
		}
		t.work()

		if e.stopping.Load() && e.dropTasksOnStop {
			e.mu.Lock()
			if len(e.q) == 0 {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
		}
	}
}

func (e *singleThreadPriorityExecutor) stop() {
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

// scheduleFor enqueues work to run at timestamp, returning a cancellation
// callback that atomically marks the task cancelled; a cancelled task is
// skipped when the worker pops it.
func (e *singleThreadPriorityExecutor) scheduleFor(work Work, timestamp time.Time) (pbserrors.ExecutionResult, func() bool) {
	if !e.running.Load() {
		return pbserrors.ResultFailure(pbserrors.SCAsyncExecutorNotRunning), nil
	}

	e.mu.Lock()
	if e.queueCap > 0 && len(e.q) >= e.queueCap {
		e.mu.Unlock()
		return pbserrors.ResultRetry(pbserrors.SCAsyncExecutorExceedingQueueCap), nil
	}
	cancelled := false
	t := &task{work: work, execAt: timestamp, seq: e.nextSeq, cancelled: &cancelled}
	e.nextSeq++
	heap.Push(&e.q, t)
	e.mu.Unlock()
	e.cond.Signal()

	cancel := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cancelled {
			return false
		}
		cancelled = true
		return true
	}
	return pbserrors.ResultSuccess(), cancel
}

func (e *singleThreadPriorityExecutor) queueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.q)
}
