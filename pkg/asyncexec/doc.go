// Package asyncexec implements the async executor core: two pools of
// single-threaded executors (urgent, priority-ordered; normal, FIFO) sized
// to thread_count, plus pluggable load balancing across each pool.
//
// Callers never touch a specific worker directly. Executor.Schedule and
// Executor.ScheduleFor pick a worker via the configured LoadBalancing
// strategy and hand the work off; everything past that point runs on the
// worker's own goroutine, serially with respect to every other task that
// worker has ever run or will run.
package asyncexec
