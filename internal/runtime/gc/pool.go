package gc

import (
	"fmt"
	"sync/atomic"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
	"github.com/jazz-lang/Waffle/internal/runtime/gctrace"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
	"github.com/jazz-lang/Waffle/internal/runtime/scheduler"
)

// GcPool is a fixed set of threads performing Collection jobs.
type GcPool struct {
	state   *scheduler.PoolState[Collection]
	threads int
	started atomic.Bool

	scheduled atomic.Uint64
	completed atomic.Uint64
	traceErrs atomic.Uint64
}

// NewGcPool creates a pool of threads workers. A pool needs at least one
// thread; anything less is a fatal configuration error.
func NewGcPool(threads int) *GcPool {
	if threads < 1 {
		panic(werrors.InvalidWorkerCount(threads))
	}
	return &GcPool{
		state:   scheduler.NewPoolState[Collection](threads, scheduler.DefaultGlobalCapacity),
		threads: threads,
	}
}

// Threads returns the number of workers the pool runs.
func (p *GcPool) Threads() int { return p.threads }

// Schedule queues job on the global queue without blocking. The caller
// guarantees job's process has no other collection queued or running; use
// Request to have that checked.
func (p *GcPool) Schedule(job Collection) {
	p.scheduled.Add(1)
	p.state.PushGlobal(job)
}

// Start spawns the workers and returns without blocking. Each worker keeps
// its OS thread until it observes termination.
func (p *GcPool) Start(state *State) *scheduler.JoinList {
	if !p.started.CompareAndSwap(false, true) {
		panic(werrors.InvalidState("start gc pool", "started"))
	}
	joins := &scheduler.JoinList{}
	for id := range p.state.Queues() {
		log.Warningf("spawning gc worker %d", id)
		w := scheduler.NewWorker(id, p.state, func(job Collection) { p.perform(id, state, job) })
		joins.Spawn(w.Run)
	}
	return joins
}

func (p *GcPool) perform(worker int, state *State, job Collection) {
	queued := job.Queued()
	stats := job.Perform(state)
	p.completed.Add(1)
	if state.Trace == nil {
		return
	}
	rec := gctrace.FromStats(job.Process().ID, worker, queued, stats)
	if err := state.Trace.Write(rec); err != nil {
		if p.traceErrs.Add(1) == 1 {
			log.Errorf("gc worker %d: %s", worker, err)
		}
	}
}

// Terminate tells the workers to stop. Collections already running finish;
// queued ones are abandoned.
func (p *GcPool) Terminate() {
	log.Debugf("terminating gc pool")
	p.state.Terminate()
}

// IsAlive reports whether Terminate has not been called.
func (p *GcPool) IsAlive() bool { return p.state.IsAlive() }

// Collect implements process.Collector.
func (p *GcPool) Collect(proc *process.Process) bool { return Request(p, proc) }

// Request schedules a collection of proc unless one is already queued or
// running, or the pool has been terminated. It reports whether a job was
// scheduled; if so, proc belongs to the pool until it is rescheduled.
func Request(pool *GcPool, proc *process.Process) bool {
	if !pool.IsAlive() {
		return false
	}
	if !proc.BeginCollection() {
		return false
	}
	pool.Schedule(NewCollection(proc))
	return true
}

// PoolStats counts the jobs a pool has seen.
type PoolStats struct {
	Threads     int
	Scheduled   uint64
	Completed   uint64
	Pending     int
	TraceErrors uint64
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%d threads, %d scheduled, %d completed, %d pending",
		s.Threads, s.Scheduled, s.Completed, s.Pending)
}

// Stats is safe to call from any goroutine. After termination Pending is the
// number of abandoned jobs.
func (p *GcPool) Stats() PoolStats {
	return PoolStats{
		Threads:     p.threads,
		Scheduled:   p.scheduled.Load(),
		Completed:   p.completed.Load(),
		Pending:     p.state.Pending(),
		TraceErrors: p.traceErrs.Load(),
	}
}
