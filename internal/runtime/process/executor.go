package process

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/jazz-lang/Waffle/internal/runtime/scheduler"
)

var log = commonlog.GetLogger("waffle.process")

// Collector takes a process that reached a safepoint with a collection
// requested. It returns false when the process could not be handed over, in
// which case the process keeps running.
type Collector interface {
	Collect(p *Process) bool
}

// DefaultReductions is how many steps a process runs before it is put back
// on the run queue.
const DefaultReductions = 64

// Executor is a run-queue scheduler for processes. It owns a fixed set of
// threads, separate from the GC pool's, and never blocks on a collection:
// a process that needs one is handed to the Collector and comes back through
// Schedule.
type Executor struct {
	state      *scheduler.PoolState[*Process]
	collector  Collector
	reductions int

	joins scheduler.JoinList
	live  sync.WaitGroup

	spawned   atomic.Uint64
	finished  atomic.Uint64
	handedOff atomic.Uint64
	inline    atomic.Uint64
}

// NewExecutor creates an executor with threads workers. A nil collector
// makes processes collect on their own thread.
func NewExecutor(threads int, collector Collector) *Executor {
	if threads < 1 {
		threads = 1
	}
	return &Executor{
		state:      scheduler.NewPoolState[*Process](threads, 0),
		collector:  collector,
		reductions: DefaultReductions,
	}
}

// SetCollector replaces the collector. It must be called before Start.
func (e *Executor) SetCollector(c Collector) { e.collector = c }

// Start launches the executor's threads.
func (e *Executor) Start() {
	for i := range e.state.Queues() {
		w := scheduler.NewWorker(i, e.state, e.run)
		e.joins.Spawn(w.Run)
	}
}

// Spawn makes p runnable and tracks it until it finishes.
func (e *Executor) Spawn(p *Process) {
	e.live.Add(1)
	e.spawned.Add(1)
	p.SetState(Runnable)
	e.state.PushGlobal(p)
}

// Schedule implements Scheduler. It is how a process comes back after a
// collection.
func (e *Executor) Schedule(p *Process) {
	p.noteResume()
	p.SetState(Runnable)
	e.state.PushGlobal(p)
}

// Wait blocks until every spawned process has finished.
func (e *Executor) Wait() { e.live.Wait() }

// Stop terminates the executor's threads and waits for them.
func (e *Executor) Stop() {
	e.state.Terminate()
	e.joins.Join()
}

// ExecutorStats counts what an executor has done so far.
type ExecutorStats struct {
	Spawned   uint64
	Finished  uint64
	HandedOff uint64
	Inline    uint64
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Spawned:   e.spawned.Load(),
		Finished:  e.finished.Load(),
		HandedOff: e.handedOff.Load(),
		Inline:    e.inline.Load(),
	}
}

func (e *Executor) run(p *Process) {
	p.SetState(Running)
	for i := 0; i < e.reductions; i++ {
		if p.Run() == Done {
			p.Finish()
			e.finished.Add(1)
			e.live.Done()
			return
		}
		if !p.Safepoint() {
			continue
		}
		if e.collector != nil && e.collector.Collect(p) {
			e.handedOff.Add(1)
			return
		}
		log.Debugf("%s collecting inline", p)
		p.Heap().CollectGarbage(p)
		e.inline.Add(1)
	}
	p.SetState(Runnable)
	e.state.PushGlobal(p)
}
