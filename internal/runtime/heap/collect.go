package heap

import (
	"fmt"
	"time"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

// Kind distinguishes minor (young objects only) from major collections.
type Kind uint8

const (
	Minor Kind = iota
	Major
)

func (k Kind) String() string {
	if k == Major {
		return "major"
	}
	return "minor"
}

// Stats describes one collection.
type Stats struct {
	Sequence        uint64
	Kind            Kind
	Marked          int
	Promoted        int
	Freed           int
	FreedBytes      uintptr
	LiveObjects     int
	LiveBytes       uintptr
	RememberedEdges int
	ChunksDiscarded int
	ChunksReleased  int
	Elapsed         time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("gc#%d %s: marked=%d promoted=%d freed=%d (%d bytes) live=%d (%d bytes) in %s",
		s.Sequence, s.Kind, s.Marked, s.Promoted, s.Freed, s.FreedBytes, s.LiveObjects, s.LiveBytes, s.Elapsed)
}

// CollectGarbage reclaims every object not reachable from roots, the heap's
// global roots, or the remembered set, and returns what it did.
//
// The caller must have exclusive access to the heap: the owning process has
// been handed over for collection and is not executing.
func (h *Heap) CollectGarbage(roots RootSource) Stats {
	return h.collect(roots, false)
}

// CollectMajor is CollectGarbage forced to trace the whole heap.
func (h *Heap) CollectMajor(roots RootSource) Stats {
	return h.collect(roots, true)
}

func (h *Heap) collect(roots RootSource, forceMajor bool) Stats {
	switch s := h.State(); s {
	case StateCollecting, StateReleased:
		panic(werrors.InvalidState("collect garbage", s.String()))
	}
	h.setState(StateCollecting)
	start := time.Now()

	kind := Minor
	if forceMajor || !h.config.Generational || h.minorSinceMajor >= h.config.MajorEvery {
		kind = Major
	}

	m := marker{heap: h, kind: kind}
	if roots != nil {
		roots.VisitRoots(m.mark)
	}
	for r := range h.globals {
		m.mark(r)
	}
	edges := 0
	for parent, children := range h.remembered {
		edges += len(children)
		if kind != Minor {
			continue
		}
		// Old objects are not traced by a minor collection, so whatever the
		// barrier saw them store must be treated as a root.
		if _, _, hdr, ok := h.resolve(parent); ok && hdr.flags&cellOld != 0 {
			for _, child := range children {
				m.mark(child)
			}
		}
	}
	m.drain()

	stats := h.sweep(kind)
	stats.Kind = kind
	stats.Marked = m.marked
	stats.RememberedEdges = edges

	// Every survivor is old now, so no recorded edge can point at a young object.
	clear(h.remembered)

	if kind == Major {
		h.minorSinceMajor = 0
	} else {
		h.minorSinceMajor++
	}

	next := uintptr(float64(h.liveBytes) * h.config.GrowthFactor)
	if floor := h.floor.Load(); next < floor {
		next = floor
	}
	h.threshold.Store(next)

	verifyHeap(h)

	stats.Elapsed = time.Since(start)
	stats.Sequence = h.counters.record(stats)
	h.setState(StateGrowing)

	log.Debugf("%s", stats)
	return stats
}

// marker traces the object graph with an explicit mark stack.
type marker struct {
	heap   *Heap
	kind   Kind
	stack  []uint32
	marked int
}

func (m *marker) mark(r Ref) {
	if r.IsNull() {
		return
	}
	idx, _, hdr, ok := m.heap.resolve(r)
	if !ok {
		panic(werrors.TraceFault("reference to a reclaimed or unknown object "+r.String(), r.index, r.gen))
	}
	if m.kind == Minor && hdr.flags&cellOld != 0 {
		return
	}
	if hdr.flags&cellMarked != 0 {
		return
	}
	hdr.flags |= cellMarked
	m.marked++
	m.stack = append(m.stack, idx)
}

func (m *marker) drain() {
	h := m.heap
	for len(m.stack) > 0 {
		idx := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]

		s := &h.slots[idx]
		s.obj.VisitReferences(m.mark)
		for _, child := range h.remembered[makeRef(idx, s.gen)] {
			m.mark(child)
		}
	}
}

// sweep finalizes and frees unmarked objects, promotes survivors and hands
// empty chunks back to the backend.
func (h *Heap) sweep(kind Kind) Stats {
	var stats Stats
	var empty []*chunk

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
			if kind == Minor && hdr.flags&cellOld != 0 {
				continue
			}
			if hdr.flags&cellMarked != 0 {
				hdr.flags &^= cellMarked
				if hdr.flags&cellOld == 0 {
					hdr.flags |= cellOld
					stats.Promoted++
				}
				continue
			}

			s := &h.slots[base+i]
			obj := s.obj
			size := uintptr(hdr.size)
			s.obj = nil
			s.gen++
			if s.gen == 0 {
				s.gen = 1
			}
			if hdr.flags&cellFinalized == 0 {
				hdr.flags |= cellFinalized
				obj.Finalize()
			}
			*hdr = cell{}

			c.free = append(c.free, i)
			c.live--
			h.liveBytes -= size
			h.liveObjects--
			stats.Freed++
			stats.FreedBytes += size
		}
		if c.live == 0 {
			empty = append(empty, c)
		}
	}

	retained := 0
	for _, c := range h.chunks {
		if c != nil && c.cold() {
			retained++
		}
	}
	for _, c := range empty {
		if h.current == c {
			h.current = nil
		}
		if retained < h.config.RetainChunks {
			c.discard(h.backend)
			retained++
			stats.ChunksDiscarded++
			continue
		}
		c.release(h.backend)
		h.chunks[c.index] = nil
		h.vacant = append(h.vacant, c.index)
		stats.ChunksReleased++
	}

	stats.LiveObjects = h.liveObjects
	stats.LiveBytes = h.liveBytes
	return stats
}
