// Package process is the execution side the collector cooperates with: a
// process owns a heap and the roots into it, and a scheduler decides when it
// runs. Only the surface the GC pool needs is modeled here.
package process

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

// Status is what a step function reports back to its scheduler.
type Status int

const (
	// Continue asks to keep running the process.
	Continue Status = iota
	// Done finishes the process and releases its heap.
	Done
)

// Step advances a process by one unit of work.
type Step func(p *Process) Status

// RunState is where a process is in its scheduling lifecycle.
type RunState int32

const (
	Runnable RunState = iota
	Running
	Suspended
	Finished
)

func (s RunState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("RunState(%d)", int32(s))
}

// Scheduler resumes processes. The GC pool calls Schedule once a collection
// has finished.
type Scheduler interface {
	Schedule(p *Process)
}

// Process is a unit of execution with its own heap.
type Process struct {
	ID uuid.UUID

	heap *heap.Heap
	step Step

	mu    sync.Mutex
	roots []heap.Ref

	state    atomic.Int32
	inFlight atomic.Bool
	resumes  atomic.Uint64
}

// New creates a runnable process whose heap lives on backend.
func New(backend vmem.Backend, step Step, opts ...heap.Option) *Process {
	p := &Process{ID: uuid.New(), step: step}
	p.heap = heap.New(p, backend, opts...)
	return p
}

func (p *Process) String() string { return "process " + p.ID.String() }

// Heap returns the process's heap. Only the party currently holding the
// process, its scheduler thread or a GC worker, may use it.
func (p *Process) Heap() *heap.Heap { return p.heap }

func (p *Process) State() RunState { return RunState(p.state.Load()) }

func (p *Process) SetState(s RunState) { p.state.Store(int32(s)) }

// Run executes one step.
func (p *Process) Run() Status { return p.step(p) }

// PushRoot makes r reachable for as long as it stays on the root stack.
func (p *Process) PushRoot(r heap.Ref) {
	p.mu.Lock()
	p.roots = append(p.roots, r)
	p.mu.Unlock()
}

// PopRoot removes and returns the most recently pushed root.
func (p *Process) PopRoot() heap.Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.roots)
	if n == 0 {
		return heap.Null
	}
	r := p.roots[n-1]
	p.roots = p.roots[:n-1]
	return r
}

// SetRoot overwrites root slot i, growing the root stack as needed.
func (p *Process) SetRoot(i int, r heap.Ref) {
	p.mu.Lock()
	for len(p.roots) <= i {
		p.roots = append(p.roots, heap.Null)
	}
	p.roots[i] = r
	p.mu.Unlock()
}

func (p *Process) Root(i int) heap.Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.roots) {
		return heap.Null
	}
	return p.roots[i]
}

func (p *Process) ClearRoots() {
	p.mu.Lock()
	p.roots = p.roots[:0]
	p.mu.Unlock()
}

// VisitRoots implements heap.RootSource.
func (p *Process) VisitRoots(visit func(heap.Ref)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.roots {
		visit(r)
	}
}

// Safepoint reports whether the heap has asked for a collection. A process
// that sees true must stop running and be handed to the collector.
func (p *Process) Safepoint() bool {
	return p.heap.CollectionRequested()
}

// BeginCollection claims the process for a collection. It returns false if a
// collection is already queued or running.
func (p *Process) BeginCollection() bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		return false
	}
	p.SetState(Suspended)
	return true
}

// EndCollection releases the claim taken by BeginCollection.
func (p *Process) EndCollection() { p.inFlight.Store(false) }

// CollectionInFlight reports whether a collection is queued or running.
func (p *Process) CollectionInFlight() bool { return p.inFlight.Load() }

// Resumed counts how often a scheduler has taken the process back.
func (p *Process) Resumed() uint64 { return p.resumes.Load() }

func (p *Process) noteResume() { p.resumes.Add(1) }

// Finish releases the heap. The process must not run again.
func (p *Process) Finish() {
	p.SetState(Finished)
	p.heap.Release()
}
