package asyncexec

import (
	"container/heap"
	"time"
)

// Work is one unit of schedulable code. It takes no arguments and returns
// nothing: side effects (writing a result, invoking a callback) are the
// caller's responsibility, matching the AsyncOperation shape in the
// source protocol this package implements.
type Work func()

// Priority selects which pool a task runs on and, for the normal pool,
// where in the queue it lands.
type Priority int

const (
	// Normal enqueues at the back of the normal pool's FIFO queue.
	Normal Priority = iota
	// High enqueues at the front of the normal pool's FIFO queue; the
	// executor is still single-threaded, so High does not preempt a task
	// already running.
	High
	// Urgent schedules onto the priority-heap pool for execution at (or
	// after) a specific timestamp.
	Urgent
)

func (p Priority) Valid() bool {
	return p == Normal || p == High || p == Urgent
}

// task is an entry in an urgent executor's min-heap: a unit of work plus
// the timestamp at which it becomes eligible to run, and a monotonic
// sequence number that breaks ties between equal timestamps in enqueue
// order.
type task struct {
	work      Work
	execAt    time.Time
	seq       uint64
	cancelled *bool
	index     int // heap.Interface bookkeeping
}

// taskHeap is a min-heap of *task ordered by (execAt, seq).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].execAt.Equal(h[j].execAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].execAt.Before(h[j].execAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
