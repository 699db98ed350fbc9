// Package scheduler provides the job queues, shared pool state and worker
// loop the runtime's thread pools are built from.
package scheduler

import (
	"sync"
	"sync/atomic"
)

// DefaultGlobalCapacity is the size of the lock-free part of the global
// queue. Jobs beyond it spill into a mutex-protected overflow list.
const DefaultGlobalCapacity = 1024

// globalQueue is the queue every submitter pushes onto and every worker
// pulls from.
type globalQueue[T any] struct {
	fast *ring[T]

	mu       sync.Mutex
	overflow []T

	size atomic.Int64
}

func (g *globalQueue[T]) push(v T) {
	if !g.fast.push(v) {
		g.mu.Lock()
		g.overflow = append(g.overflow, v)
		g.mu.Unlock()
	}
	g.size.Add(1)
}

func (g *globalQueue[T]) pop() (T, bool) {
	if v, ok := g.fast.pop(); ok {
		g.size.Add(-1)
		return v, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var zero T
	if len(g.overflow) == 0 {
		return zero, false
	}
	v := g.overflow[0]
	g.overflow[0] = zero
	g.overflow = g.overflow[1:]
	g.size.Add(-1)
	return v, true
}

func (g *globalQueue[T]) len() int {
	if n := g.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// PoolState is shared by a pool's workers and everyone submitting to it: the
// global queue, one local queue per worker, and the termination flag.
type PoolState[T any] struct {
	global globalQueue[T]
	queues []*Queue[T]
	alive  atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewPoolState creates state for workers workers. The caller validates the
// count.
func NewPoolState[T any](workers int, globalCapacity uint64) *PoolState[T] {
	if globalCapacity == 0 {
		globalCapacity = DefaultGlobalCapacity
	}
	s := &PoolState[T]{
		global: globalQueue[T]{fast: newRing[T](globalCapacity)},
		queues: make([]*Queue[T], workers),
	}
	for i := range s.queues {
		s.queues[i] = NewQueue[T]()
	}
	s.cond = sync.NewCond(&s.mu)
	s.alive.Store(true)
	return s
}

// Queues returns the per-worker local queues, indexed by worker id.
func (s *PoolState[T]) Queues() []*Queue[T] { return s.queues }

// PushGlobal enqueues v and wakes one parked worker.
func (s *PoolState[T]) PushGlobal(v T) {
	s.global.push(v)
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// PopGlobal takes a job from the global queue.
func (s *PoolState[T]) PopGlobal() (T, bool) { return s.global.pop() }

// HasGlobalJobs reports whether the global queue is non-empty.
func (s *PoolState[T]) HasGlobalJobs() bool { return s.global.len() > 0 }

// GlobalLen returns the number of jobs waiting in the global queue.
func (s *PoolState[T]) GlobalLen() int { return s.global.len() }

// Pending counts every job that has been submitted but not yet taken by a
// worker, local queues included.
func (s *PoolState[T]) Pending() int {
	n := s.global.len()
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// IsAlive reports whether termination has not been requested.
func (s *PoolState[T]) IsAlive() bool { return s.alive.Load() }

// Terminate sets the termination flag and wakes every parked worker. Jobs
// that are running are not interrupted.
func (s *PoolState[T]) Terminate() {
	s.alive.Store(false)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ParkWhile blocks the calling worker while the pool is alive and cond holds.
// cond is evaluated with the state's lock held, and PushGlobal signals under
// the same lock, so a job pushed after the check cannot be missed.
func (s *PoolState[T]) ParkWhile(cond func() bool) {
	s.mu.Lock()
	for s.IsAlive() && cond() {
		s.cond.Wait()
	}
	s.mu.Unlock()
}
