// Package heap implements the per-process garbage-collected heap.
//
// Objects live in slots of page-aligned chunks obtained from a vmem.Backend.
// Each slot has a cell header in committed chunk memory holding its mark
// state; the Go value sits in a side table indexed by the same slot, and other
// objects refer to it through generation-checked Refs. A heap is mutated by
// exactly one party at a time, either its owning process or a GC worker, and
// therefore holds no lock of its own.
package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

var log = commonlog.GetLogger("waffle.heap")

// State is the lifecycle position of a heap.
type State int32

const (
	StateGrowing State = iota
	StateCollectionRequested
	StateCollecting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "growing"
	case StateCollectionRequested:
		return "collection-requested"
	case StateCollecting:
		return "collecting"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type slot struct {
	obj GcObject
	gen uint32
}

// Heap is a per-process managed memory region.
type Heap struct {
	backend vmem.Backend
	owner   RootSource
	config  Config

	state     atomic.Int32
	threshold atomic.Uintptr
	floor     atomic.Uintptr // lowest threshold a collection may set
	maxBytes  atomic.Uintptr

	chunks  []*chunk
	vacant  []int
	current *chunk
	slots   []slot

	globals    map[Ref]int
	remembered map[Ref][]Ref

	liveBytes       uintptr
	liveObjects     int
	minorSinceMajor int

	counters counters
}

// New creates a heap for owner on top of backend. owner supplies the roots for
// emergency collections run from Allocate and may be nil.
func New(owner RootSource, backend vmem.Backend, opts ...Option) *Heap {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.validate(backend.PageSize())

	h := &Heap{
		backend:    backend,
		owner:      owner,
		config:     cfg,
		globals:    make(map[Ref]int),
		remembered: make(map[Ref][]Ref),
	}
	h.threshold.Store(cfg.Threshold)
	h.floor.Store(cfg.Threshold)
	h.maxBytes.Store(cfg.MaxBytes)
	return h
}

// State returns the heap's lifecycle state.
func (h *Heap) State() State { return State(h.state.Load()) }

func (h *Heap) setState(s State) { h.state.Store(int32(s)) }

// CollectionRequested reports whether allocation pressure asked for a
// collection that has not run yet.
func (h *Heap) CollectionRequested() bool { return h.State() == StateCollectionRequested }

// RequestCollection moves a growing heap into CollectionRequested.
func (h *Heap) RequestCollection() {
	h.state.CompareAndSwap(int32(StateGrowing), int32(StateCollectionRequested))
}

// SetLimits replaces the soft threshold and hard limit. It is safe to call
// from any goroutine; the new values apply from the next allocation, and
// threshold stays the floor for the thresholds later collections compute.
func (h *Heap) SetLimits(threshold, maxBytes uintptr) {
	h.floor.Store(threshold)
	h.threshold.Store(threshold)
	h.maxBytes.Store(maxBytes)
}

// Threshold returns the live byte count that triggers the next collection.
func (h *Heap) Threshold() uintptr { return h.threshold.Load() }

func (h *Heap) checkMutable(op string) {
	switch s := h.State(); s {
	case StateCollecting, StateReleased:
		panic(werrors.InvalidState(op, s.String()))
	}
}

// Allocate places obj on the heap and returns an owning handle to it.
//
// Crossing the collection threshold only marks the heap as
// CollectionRequested; the owner is expected to yield at its next safepoint.
// Exceeding the hard limit runs a full collection on the caller's goroutine
// and fails with errors.ErrOutOfMemory if that does not free enough space.
func Allocate[T GcObject](h *Heap, obj T) (Handle[T], error) {
	ref, err := h.allocate(obj)
	if err != nil {
		return Handle[T]{}, err
	}
	return Handle[T]{heap: h, ref: ref}, nil
}

func (h *Heap) allocate(obj GcObject) (Ref, error) {
	h.checkMutable("allocate")

	size := cellSize
	if s, ok := obj.(Sizer); ok {
		size += s.HeapSize()
	}

	if limit := h.maxBytes.Load(); limit != 0 && h.liveBytes+size > limit {
		log.Warningf("heap limit %d reached, collecting before allocating %d bytes", limit, size)
		stats := h.collect(h.owner, true)
		if h.liveBytes+size > limit {
			return Null, fmt.Errorf("allocate: %w",
				werrors.OutOfMemory(size, limit, h.summaryText(stats.Elapsed)))
		}
	}

	idx, c := h.allocateSlot()
	s := &h.slots[idx]
	if s.gen == 0 {
		s.gen = 1
	}
	s.obj = obj

	hdr := c.cell(idx - uint32(c.index)*c.cells())
	*hdr = cell{flags: cellLive, gen: s.gen, size: uint64(size)}
	c.live++

	h.liveBytes += size
	h.liveObjects++
	h.counters.allocated.Add(1)
	h.counters.allocatedBytes.Add(uint64(size))
	h.counters.liveBytes.Store(uint64(h.liveBytes))
	if uint64(h.liveBytes) > h.counters.peakBytes.Load() {
		h.counters.peakBytes.Store(uint64(h.liveBytes))
	}

	if h.liveBytes >= h.threshold.Load() &&
		h.state.CompareAndSwap(int32(StateGrowing), int32(StateCollectionRequested)) {
		log.Debugf("live bytes %d crossed threshold %d, collection requested", h.liveBytes, h.threshold.Load())
		if h.config.onPressure != nil {
			h.config.onPressure(h)
		}
	}

	return makeRef(idx, s.gen), nil
}

func (h *Heap) allocateSlot() (uint32, *chunk) {
	c := h.current
	if c == nil || !c.hasRoom() {
		c = h.findChunk()
		h.current = c
	}
	local := c.take(h.backend)
	return uint32(c.index)*c.cells() + local, c
}

func (h *Heap) findChunk() *chunk {
	for _, c := range h.chunks {
		if c != nil && !c.cold() && c.hasRoom() {
			return c
		}
	}
	for _, c := range h.chunks {
		if c != nil && c.cold() {
			return c
		}
	}

	var index int
	if n := len(h.vacant); n > 0 {
		index = h.vacant[n-1]
		h.vacant = h.vacant[:n-1]
	} else {
		index = len(h.chunks)
		h.chunks = append(h.chunks, nil)
	}
	c := newChunk(h.backend, index, h.config.ChunkSize)
	h.chunks[index] = c
	if need := (index + 1) * int(c.cells()); need > len(h.slots) {
		h.slots = append(h.slots, make([]slot, need-len(h.slots))...)
	}
	h.counters.chunksReserved.Add(1)
	log.Debugf("reserved chunk %d at %s", index, c.res.Start)
	return c
}

// resolve validates r and returns its slot index, chunk and header. ok is
// false for stale or out-of-range references.
func (h *Heap) resolve(r Ref) (uint32, *chunk, *cell, bool) {
	if r.IsNull() {
		return 0, nil, nil, false
	}
	idx := r.slot()
	if int(idx) >= len(h.slots) || h.slots[idx].gen != r.gen || h.slots[idx].obj == nil {
		return 0, nil, nil, false
	}
	c := h.chunks[int(idx/uint32(h.config.ChunkSize/cellSize))]
	if c == nil || c.cold() {
		return 0, nil, nil, false
	}
	hdr := c.cell(idx - uint32(c.index)*c.cells())
	if hdr.flags&cellLive == 0 || hdr.gen != r.gen {
		return 0, nil, nil, false
	}
	return idx, c, hdr, true
}

// IsLive reports whether r refers to an object that has not been reclaimed.
func (h *Heap) IsLive(r Ref) bool {
	if h.State() == StateReleased {
		return false
	}
	_, _, _, ok := h.resolve(r)
	return ok
}

// Get returns the object r refers to. A stale reference is a use after free
// and panics.
func (h *Heap) Get(r Ref) GcObject {
	idx, _, _, ok := h.resolve(r)
	if !ok {
		panic(werrors.TraceFault("dereference of reclaimed or foreign reference "+r.String(), r.index, r.gen))
	}
	return h.slots[idx].obj
}

// WriteBarrier records that parent now holds a reference to child. It must be
// called on every store of a heap reference into an object that already
// exists on the heap. It never fails.
func (h *Heap) WriteBarrier(parent, child Ref) {
	if parent.IsNull() || child.IsNull() || parent == child {
		return
	}
	edges := h.remembered[parent]
	if n := len(edges); n > 0 && edges[n-1] == child {
		return
	}
	h.remembered[parent] = append(edges, child)
	h.counters.barriers.Add(1)
}

// AddRoot registers r as a global root. Roots are reference counted.
func (h *Heap) AddRoot(r Ref) {
	if !r.IsNull() {
		h.globals[r]++
	}
}

// RemoveRoot drops one registration of r as a global root.
func (h *Heap) RemoveRoot(r Ref) {
	if n, ok := h.globals[r]; ok {
		if n <= 1 {
			delete(h.globals, r)
		} else {
			h.globals[r] = n - 1
		}
	}
}

// LiveBytes returns the bytes held by live objects, headers included.
func (h *Heap) LiveBytes() uintptr { return h.liveBytes }

// LiveObjects returns the number of objects not yet reclaimed.
func (h *Heap) LiveObjects() int { return h.liveObjects }

// Release finalizes every remaining object and returns all chunks to the
// backend. The heap cannot be used afterwards.
func (h *Heap) Release() {
	switch s := h.State(); s {
	case StateReleased:
		return
	case StateCollecting:
		panic(werrors.InvalidState("release", s.String()))
	}

	for _, c := range h.chunks {
		if c == nil || c.cold() {
			continue
		}
		base := uint32(c.index) * c.cells()
		for i := uint32(0); i < c.top; i++ {
			hdr := c.cell(i)
			if hdr.flags&cellLive == 0 {
				continue
			}
			s := &h.slots[base+i]
			if hdr.flags&cellFinalized == 0 {
				hdr.flags |= cellFinalized
				s.obj.Finalize()
			}
			s.obj = nil
		}
	}
	released := 0
	for i, c := range h.chunks {
		if c == nil {
			continue
		}
		c.release(h.backend)
		h.chunks[i] = nil
		released++
	}

	log.Debugf("released heap: %d chunks, %d objects finalized", released, h.liveObjects)
	h.counters.freed.Add(uint64(h.liveObjects))
	h.chunks, h.vacant, h.slots, h.current = nil, nil, nil, nil
	h.globals, h.remembered = nil, nil
	h.liveBytes, h.liveObjects = 0, 0
	h.counters.liveBytes.Store(0)
	h.setState(StateReleased)
}
