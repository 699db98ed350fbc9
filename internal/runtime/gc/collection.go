// Package gc runs heap collections on a dedicated pool of worker threads so
// that the execution scheduler never blocks on one.
package gc

import (
	"time"

	"github.com/tliron/commonlog"

	"github.com/jazz-lang/Waffle/internal/runtime/gctrace"
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
)

var log = commonlog.GetLogger("waffle.gc")

// State is the part of the runtime the pool's workers need.
type State struct {
	// Scheduler takes processes back once they have been collected.
	Scheduler process.Scheduler
	// Trace, when set, receives one record per collection.
	Trace gctrace.Sink
}

// Collection is a request to collect one process's heap.
type Collection struct {
	process   *process.Process
	startTime time.Time
}

// NewCollection creates a job for p. p must not run until the job has been
// performed.
func NewCollection(p *process.Process) Collection {
	return Collection{process: p, startTime: time.Now()}
}

func (c Collection) Process() *process.Process { return c.process }

// Queued returns how long the job has existed.
func (c Collection) Queued() time.Duration { return time.Since(c.startTime) }

// Perform collects the process's heap and hands the process back to the
// scheduler. The in-flight claim is dropped before the hand-off, so the
// process may request its next collection as soon as it runs again.
func (c Collection) Perform(state *State) heap.Stats {
	p := c.process
	log.Debugf("collecting %s", p)
	stats := p.Heap().CollectGarbage(p)
	p.EndCollection()
	state.Scheduler.Schedule(p)
	return stats
}
