package asyncexec

import (
	"sync/atomic"
	"time"

	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

const (
	// MaxThreadCount bounds Config.ThreadCount.
	MaxThreadCount = 1024
	// MaxQueueCap bounds Config.QueueCap.
	MaxQueueCap = 1_000_000
)

// Config configures an Executor.
type Config struct {
	ThreadCount     int
	QueueCap        int
	LoadBalancing   LoadBalancing
	DropTasksOnStop bool
}

// Executor is the multi-queue thread-pool scheduling core described in
// spec §4.1: a pool of urgent (priority-heap) single-thread executors and
// a pool of normal (FIFO) single-thread executors, both sized
// Config.ThreadCount, fed through a pluggable load-balancing strategy.
type Executor struct {
	cfg Config

	urgent []*singleThreadPriorityExecutor
	normal []*singleThreadExecutor

	urgentPicker *poolPicker
	normalPicker *poolPicker
	globalUrgent uint64
	globalNormal uint64

	running atomic.Bool
}

// New validates cfg and allocates (but does not start) every executor in
// both pools.
func New(cfg Config) (*Executor, error) {
	if cfg.ThreadCount <= 0 || cfg.ThreadCount > MaxThreadCount {
		return nil, pbserrors.New(pbserrors.SCAsyncExecutorInvalidPriority, "thread_count out of range")
	}
	if cfg.QueueCap <= 0 || cfg.QueueCap > MaxQueueCap {
		return nil, pbserrors.New(pbserrors.SCAsyncExecutorInvalidPriority, "queue_cap out of range")
	}
	if !cfg.LoadBalancing.Valid() {
		return nil, pbserrors.New(pbserrors.SCAsyncExecutorInvalidLoadBalancing, "unknown load balancing scheme")
	}

	e := &Executor{cfg: cfg}
	for i := 0; i < cfg.ThreadCount; i++ {
		e.urgent = append(e.urgent, newSingleThreadPriorityExecutor(cfg.QueueCap, cfg.DropTasksOnStop))
		e.normal = append(e.normal, newSingleThreadExecutor(cfg.QueueCap, cfg.DropTasksOnStop))
	}
	e.urgentPicker = newPoolPicker(cfg.LoadBalancing, cfg.ThreadCount, &e.globalUrgent)
	e.normalPicker = newPoolPicker(cfg.LoadBalancing, cfg.ThreadCount, &e.globalNormal)
	return e, nil
}

// Run starts one worker goroutine per executor in both pools.
func (e *Executor) Run() error {
	if e.running.Load() {
		return pbserrors.New(pbserrors.SCAsyncExecutorNotRunning, "already running")
	}
	for _, u := range e.urgent {
		u.run()
	}
	for _, n := range e.normal {
		n.run()
	}
	e.running.Store(true)
	return nil
}

// Stop drains or drops each executor's queue per DropTasksOnStop and joins
// every worker goroutine before returning.
func (e *Executor) Stop() error {
	if !e.running.Load() {
		return pbserrors.New(pbserrors.SCAsyncExecutorNotRunning, "not running")
	}
	for _, u := range e.urgent {
		u.stop()
	}
	for _, n := range e.normal {
		n.stop()
	}
	e.running.Store(false)
	return nil
}

// Schedule enqueues work at the given priority, picking a worker via the
// configured load-balancing strategy. Urgent work runs as soon as its
// timestamp (now) is reached; Normal/High land on the FIFO pool.
func (e *Executor) Schedule(work Work, priority Priority) pbserrors.ExecutionResult {
	if !priority.Valid() {
		return pbserrors.ResultFailure(pbserrors.SCAsyncExecutorInvalidPriority)
	}
	if !e.running.Load() {
		return pbserrors.ResultFailure(pbserrors.SCAsyncExecutorNotRunning)
	}

	if priority == Urgent {
		idx := e.urgentPicker.pick() % len(e.urgent)
		result, _ := e.urgent[idx].scheduleFor(work, time.Now())
		return result
	}
	idx := e.normalPicker.pick() % len(e.normal)
	return e.normal[idx].schedule(work, priority)
}

// ScheduleFor enqueues work onto the urgent pool to run at or after
// timestamp, returning a cancellation callback that atomically marks the
// task cancelled before it runs. A nil callback means the task could not
// be enqueued (see the returned ExecutionResult).
func (e *Executor) ScheduleFor(work Work, timestamp time.Time) (pbserrors.ExecutionResult, func() bool) {
	if !e.running.Load() {
		return pbserrors.ResultFailure(pbserrors.SCAsyncExecutorNotRunning), nil
	}
	idx := e.urgentPicker.pick() % len(e.urgent)
	return e.urgent[idx].scheduleFor(work, timestamp)
}

// Running reports whether Run has been called without a matching Stop.
func (e *Executor) Running() bool { return e.running.Load() }
