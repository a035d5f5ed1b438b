package asyncexec

import (
	"math/rand"
	"sync/atomic"
)

// LoadBalancing selects how PickTaskExecutor maps a caller onto one
// executor within a pool.
type LoadBalancing int

const (
	// RoundRobinPerThread uses a counter private to each pool picker,
	// seeded randomly when the picker is built, so unrelated executors
	// don't cluster onto the same index. This is the default.
	RoundRobinPerThread LoadBalancing = iota
	// RoundRobinGlobal uses a single process-wide atomic counter.
	RoundRobinGlobal
	// Random picks a uniformly random index per call.
	Random
)

func (lb LoadBalancing) Valid() bool {
	return lb == RoundRobinPerThread || lb == RoundRobinGlobal || lb == Random
}

// poolPicker maps successive calls onto pool indices according to the
// configured LoadBalancing scheme. Go has no first-class thread-local
// storage, so "per thread" is approximated with a counter private to this
// picker (one per Executor instance) seeded from math/rand at
// construction, which gives the same "don't cluster"
// property across independently-constructed executors that
// RoundRobinGlobal's single process-wide counter does not provide.
type poolPicker struct {
	scheme LoadBalancing
	size   int
	local  uint64 // RoundRobinPerThread counter, seeded at construction
	global *uint64
}

func newPoolPicker(scheme LoadBalancing, size int, global *uint64) *poolPicker {
	return &poolPicker{
		scheme: scheme,
		size:   size,
		local:  rand.Uint64(),
		global: global,
	}
}

func (p *poolPicker) pick() int {
	switch p.scheme {
	case RoundRobinGlobal:
		n := atomic.AddUint64(p.global, 1)
		return int(n % uint64(p.size))
	case Random:
		return rand.Intn(p.size)
	default: // RoundRobinPerThread
		n := atomic.AddUint64(&p.local, 1)
		return int(n % uint64(p.size))
	}
}
