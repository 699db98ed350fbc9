package scheduler

import (
	"runtime"
	"sync/atomic"
)

// maxBatch bounds how many extra jobs a worker moves from the global queue
// into its local queue in one go.
const maxBatch = 16

// Worker runs jobs from a PoolState until termination is observed.
type Worker[T any] struct {
	ID      int
	state   *PoolState[T]
	queue   *Queue[T]
	process func(T)

	processed atomic.Uint64
}

// NewWorker binds worker id to its local queue in state.
func NewWorker[T any](id int, state *PoolState[T], process func(T)) *Worker[T] {
	return &Worker[T]{ID: id, state: state, queue: state.queues[id], process: process}
}

// Processed returns the number of jobs this worker has run.
func (w *Worker[T]) Processed() uint64 { return w.processed.Load() }

// Run loops until the pool terminates: local queue first, then the global
// queue, then the peers' queues, parking when all are empty. It occupies its
// OS thread for its whole lifetime. Jobs still queued when termination is
// observed are left where they are.
func (w *Worker[T]) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for w.state.IsAlive() {
		if v, ok := w.queue.Pop(); ok {
			w.run(v)
			continue
		}
		if v, ok := w.fromGlobal(); ok {
			w.run(v)
			continue
		}
		if v, ok := w.steal(); ok {
			w.run(v)
			continue
		}
		w.state.ParkWhile(func() bool { return !w.state.HasGlobalJobs() })
	}
}

func (w *Worker[T]) run(v T) {
	w.process(v)
	w.processed.Add(1)
}

// fromGlobal takes one job to run now and, when the global queue is backed
// up, a fair share of the rest for later so peers can steal from us instead
// of contending on the global queue.
func (w *Worker[T]) fromGlobal() (T, bool) {
	v, ok := w.state.PopGlobal()
	if !ok {
		return v, false
	}
	share := w.state.GlobalLen() / len(w.state.queues)
	if share > maxBatch {
		share = maxBatch
	}
	if share > 0 {
		batch := make([]T, 0, share)
		for len(batch) < share {
			next, ok := w.state.PopGlobal()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		w.queue.PushAll(batch)
	}
	return v, true
}

// steal probes the peers round-robin, starting after this worker's id.
func (w *Worker[T]) steal() (T, bool) {
	n := len(w.state.queues)
	for i := 1; i < n; i++ {
		if v, ok := w.state.queues[(w.ID+i)%n].Steal(); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
