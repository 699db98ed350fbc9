package heap

import (
	"errors"
	"strings"
	"testing"
	"time"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

type node struct {
	name      string
	refs      []Ref
	payload   uintptr
	finalized *int
}

func (n *node) VisitReferences(visit func(Ref)) {
	for _, r := range n.refs {
		visit(r)
	}
}

func (n *node) Finalize() {
	if n.finalized != nil {
		*n.finalized++
	}
}

func (n *node) HeapSize() uintptr { return n.payload }

type rootSet struct{ refs []Ref }

func (s *rootSet) VisitRoots(visit func(Ref)) {
	for _, r := range s.refs {
		visit(r)
	}
}

func newTestHeap(t *testing.T, opts ...Option) (*Heap, *rootSet, *vmem.FakeBackend) {
	t.Helper()
	b := vmem.NewFakeBackend()
	roots := &rootSet{}
	h := New(roots, b, append([]Option{WithChunkSize(4096)}, opts...)...)
	t.Cleanup(h.Release)
	return h, roots, b
}

func mustAllocate(t *testing.T, h *Heap, n *node) Handle[*node] {
	t.Helper()
	hd, err := Allocate(h, n)
	if err != nil {
		t.Fatalf("allocate %s: %v", n.name, err)
	}
	return hd
}

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic matching %v", target)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	fn()
}

func TestHeap_AllocateAndGet(t *testing.T) {
	h, _, _ := newTestHeap(t)

	a := mustAllocate(t, h, &node{name: "a"})
	b := mustAllocate(t, h, &node{name: "b", payload: 100})

	if got := a.Get().name; got != "a" {
		t.Fatalf("a.Get().name = %q", got)
	}
	if got := b.Get().name; got != "b" {
		t.Fatalf("b.Get().name = %q", got)
	}
	if a.ToHeap() == b.ToHeap() {
		t.Fatal("distinct objects share a reference")
	}
	if h.LiveObjects() != 2 {
		t.Fatalf("live objects %d, want 2", h.LiveObjects())
	}
	if want := 2*cellSize + 100; h.LiveBytes() != want {
		t.Fatalf("live bytes %d, want %d", h.LiveBytes(), want)
	}
	if !Null.IsNull() || a.IsNull() {
		t.Fatal("null tracking is wrong")
	}
}

func TestHeap_CollectReachability(t *testing.T) {
	h, roots, _ := newTestHeap(t)

	leaf := mustAllocate(t, h, &node{name: "leaf"})
	mid := mustAllocate(t, h, &node{name: "mid", refs: []Ref{leaf.ToHeap(), Null}})
	root := mustAllocate(t, h, &node{name: "root", refs: []Ref{mid.ToHeap()}})
	garbage := mustAllocate(t, h, &node{name: "garbage", refs: []Ref{leaf.ToHeap()}})

	roots.refs = []Ref{root.ToHeap()}
	stats := h.CollectGarbage(roots)

	if stats.Freed != 1 || stats.Marked != 3 {
		t.Fatalf("stats %s, want 3 marked and 1 freed", stats)
	}
	if garbage.IsLive() {
		t.Fatal("unreachable object survived")
	}
	for _, hd := range []Handle[*node]{leaf, mid, root} {
		if !hd.IsLive() {
			t.Fatalf("%s was reclaimed while reachable", hd.ToHeap())
		}
	}
	if h.State() != StateGrowing {
		t.Fatalf("state %s after collection, want growing", h.State())
	}
}

func TestHeap_Cycles(t *testing.T) {
	h, roots, _ := newTestHeap(t)

	a := mustAllocate(t, h, &node{name: "a"})
	b := mustAllocate(t, h, &node{name: "b", refs: []Ref{a.ToHeap()}})
	a.Get().refs = append(a.Get().refs, b.ToHeap())
	h.WriteBarrier(a.ToHeap(), b.ToHeap())

	roots.refs = []Ref{a.ToHeap()}
	h.CollectMajor(roots)
	if !a.IsLive() || !b.IsLive() {
		t.Fatal("rooted cycle was reclaimed")
	}

	roots.refs = nil
	stats := h.CollectMajor(roots)
	if stats.Freed != 2 || a.IsLive() || b.IsLive() {
		t.Fatalf("unrooted cycle not reclaimed: %s", stats)
	}
}

func TestHeap_GlobalRoots(t *testing.T) {
	h, _, _ := newTestHeap(t)

	g := mustAllocate(t, h, &node{name: "global"})
	h.AddRoot(g.ToHeap())
	h.AddRoot(g.ToHeap())

	h.CollectMajor(nil)
	if !g.IsLive() {
		t.Fatal("global root reclaimed")
	}
	h.RemoveRoot(g.ToHeap())
	h.CollectMajor(nil)
	if !g.IsLive() {
		t.Fatal("root registered twice reclaimed after one removal")
	}
	h.RemoveRoot(g.ToHeap())
	h.CollectMajor(nil)
	if g.IsLive() {
		t.Fatal("object survived after its last root registration was removed")
	}
}

func TestHeap_FinalizeOnce(t *testing.T) {
	b := vmem.NewFakeBackend()
	h := New(nil, b, WithChunkSize(4096))

	var freed, kept int
	mustAllocate(t, h, &node{name: "dead", finalized: &freed})
	live := mustAllocate(t, h, &node{name: "live", finalized: &kept})
	h.AddRoot(live.ToHeap())

	h.CollectMajor(nil)
	h.CollectMajor(nil)
	if freed != 1 {
		t.Fatalf("dead object finalized %d times, want 1", freed)
	}
	if kept != 0 {
		t.Fatalf("live object finalized %d times before release", kept)
	}

	h.Release()
	h.Release()
	if kept != 1 {
		t.Fatalf("live object finalized %d times by release, want 1", kept)
	}
	if freed != 1 {
		t.Fatalf("dead object finalized again by release")
	}
	if b.Regions() != 0 || b.Stats().Reserved != 0 {
		t.Fatalf("release leaked memory: %s in %d regions", b.Stats(), b.Regions())
	}
}

func TestHeap_Generations(t *testing.T) {
	t.Run("RememberedSetKeepsYoungChild", func(t *testing.T) {
		h, roots, _ := newTestHeap(t)

		parent := mustAllocate(t, h, &node{name: "parent"})
		roots.refs = []Ref{parent.ToHeap()}
		if s := h.CollectGarbage(roots); s.Promoted != 1 {
			t.Fatalf("parent not promoted: %s", s)
		}

		child := mustAllocate(t, h, &node{name: "child"})
		parent.Get().refs = append(parent.Get().refs, child.ToHeap())
		h.WriteBarrier(parent.ToHeap(), child.ToHeap())

		stats := h.CollectGarbage(roots)
		if stats.Kind != Minor {
			t.Fatalf("expected a minor collection, got %s", stats.Kind)
		}
		if stats.RememberedEdges != 1 {
			t.Fatalf("remembered edges %d, want 1", stats.RememberedEdges)
		}
		if !child.IsLive() {
			t.Fatal("child stored into an old object was reclaimed by a minor collection")
		}
	})

	t.Run("RememberedChildOfDeadYoungParent", func(t *testing.T) {
		h, roots, _ := newTestHeap(t)

		parent := mustAllocate(t, h, &node{name: "parent"})
		child := mustAllocate(t, h, &node{name: "child"})
		h.WriteBarrier(parent.ToHeap(), child.ToHeap())

		roots.refs = nil
		stats := h.CollectGarbage(roots)
		if stats.Freed != 2 {
			t.Fatalf("freed %d, want 2", stats.Freed)
		}
	})

	t.Run("MinorSkipsOldGarbage", func(t *testing.T) {
		h, roots, _ := newTestHeap(t, WithMajorEvery(8))

		old := mustAllocate(t, h, &node{name: "old"})
		roots.refs = []Ref{old.ToHeap()}
		h.CollectGarbage(roots)

		roots.refs = nil
		if s := h.CollectGarbage(roots); s.Kind != Minor || !old.IsLive() {
			t.Fatalf("minor collection reclaimed an old object: %s", s)
		}
		if s := h.CollectMajor(roots); s.Freed != 1 || old.IsLive() {
			t.Fatalf("major collection kept old garbage: %s", s)
		}
	})

	t.Run("MajorEvery", func(t *testing.T) {
		h, _, _ := newTestHeap(t, WithMajorEvery(2))
		want := []Kind{Minor, Minor, Major, Minor, Minor, Major}
		for i, k := range want {
			if got := h.CollectGarbage(nil).Kind; got != k {
				t.Fatalf("collection %d was %s, want %s", i, got, k)
			}
		}
		sum := h.Summary()
		if sum.MinorCollections != 4 || sum.MajorCollections != 2 || sum.Collections() != 6 {
			t.Fatalf("summary counts %+v", sum)
		}
	})

	t.Run("NonGenerational", func(t *testing.T) {
		h, _, _ := newTestHeap(t, WithGenerational(false))
		for i := 0; i < 3; i++ {
			if got := h.CollectGarbage(nil).Kind; got != Major {
				t.Fatalf("collection %d was %s with generations disabled", i, got)
			}
		}
	})
}

func TestHeap_StaleReferences(t *testing.T) {
	// A trace fault leaves the heap mid-collection, so this heap is never
	// released.
	h := New(nil, vmem.NewFakeBackend(), WithChunkSize(4096))

	dead := mustAllocate(t, h, &node{name: "dead"})
	stale := dead.ToHeap()
	h.CollectMajor(nil)

	if dead.IsLive() {
		t.Fatal("reclaimed object reported live")
	}
	expectPanic(t, werrors.ErrTraceFault, func() { dead.Get() })

	// The next allocation reuses the slot under a new generation.
	fresh := mustAllocate(t, h, &node{name: "fresh"})
	if fresh.ToHeap() == stale {
		t.Fatal("reused slot kept its generation")
	}
	if h.IsLive(stale) {
		t.Fatal("stale reference resolved to the slot's new occupant")
	}

	holder := mustAllocate(t, h, &node{name: "holder", refs: []Ref{stale}})
	h.AddRoot(holder.ToHeap())
	expectPanic(t, werrors.ErrTraceFault, func() { h.CollectMajor(nil) })
}

func TestHeap_ThresholdPressure(t *testing.T) {
	pressure := 0
	h, roots, _ := newTestHeap(t,
		WithThreshold(1024),
		WithPressureHandler(func(*Heap) { pressure++ }))

	for h.LiveBytes() < 1024 {
		hd := mustAllocate(t, h, &node{name: "n", payload: 100})
		roots.refs = append(roots.refs, hd.ToHeap())
	}
	if !h.CollectionRequested() {
		t.Fatalf("state %s after crossing the threshold", h.State())
	}
	mustAllocate(t, h, &node{name: "extra", payload: 100})
	if pressure != 1 {
		t.Fatalf("pressure handler ran %d times, want 1", pressure)
	}

	live := h.LiveBytes()
	stats := h.CollectGarbage(roots)
	if h.State() != StateGrowing {
		t.Fatalf("state %s after collection", h.State())
	}
	if stats.Freed != 1 {
		t.Fatalf("freed %d, want 1", stats.Freed)
	}
	if want := uintptr(float64(live-stats.FreedBytes) * 2); h.Threshold() != want {
		t.Fatalf("threshold %d, want %d", h.Threshold(), want)
	}

	h.SetLimits(1<<20, 0)
	if h.Threshold() != 1<<20 {
		t.Fatalf("SetLimits did not apply")
	}
	// The reloaded threshold must survive the next collection.
	h.CollectGarbage(roots)
	if h.Threshold() != 1<<20 {
		t.Fatalf("threshold %d after collection, want the reloaded %d", h.Threshold(), 1<<20)
	}
}

func TestHeap_OutOfMemory(t *testing.T) {
	const limit = 4096
	h, roots, _ := newTestHeap(t, WithThreshold(limit), WithMaxBytes(limit))

	var last error
	for i := 0; i < 8; i++ {
		hd, err := Allocate(h, &node{name: "big", payload: 1000})
		if err != nil {
			last = err
			break
		}
		roots.refs = append(roots.refs, hd.ToHeap())
	}
	if last == nil {
		t.Fatal("allocation beyond the hard limit succeeded")
	}
	if !errors.Is(last, werrors.ErrOutOfMemory) {
		t.Fatalf("error %v does not match ErrOutOfMemory", last)
	}
	if !strings.Contains(last.Error(), "heap summary") {
		t.Fatalf("out of memory error carries no summary: %v", last)
	}
	if len(roots.refs) != 4 {
		t.Fatalf("%d allocations fit under the limit, want 4", len(roots.refs))
	}

	// Dropping the roots lets the emergency collection make room.
	roots.refs = nil
	if _, err := Allocate(h, &node{name: "big", payload: 1000}); err != nil {
		t.Fatalf("allocate after dropping roots: %v", err)
	}
	if h.Summary().MajorCollections < 2 {
		t.Fatalf("emergency collections not recorded: %+v", h.Summary())
	}
}

func TestHeap_ChunkRecycling(t *testing.T) {
	b := vmem.NewFakeBackend()
	h := New(nil, b, WithChunkSize(4096), WithRetainChunks(1))
	cells := 4096 / int(cellSize)

	for i := 0; i < 3*cells; i++ {
		mustAllocate(t, h, &node{name: "g"})
	}
	if got := h.Summary().ChunksReserved; got != 3 {
		t.Fatalf("reserved %d chunks, want 3", got)
	}
	if b.Stats().Committed != 3*4096 {
		t.Fatalf("committed %d", b.Stats().Committed)
	}

	stats := h.CollectMajor(nil)
	if stats.Freed != 3*cells {
		t.Fatalf("freed %d, want %d", stats.Freed, 3*cells)
	}
	if stats.ChunksDiscarded != 1 || stats.ChunksReleased != 2 {
		t.Fatalf("discarded %d released %d, want 1 and 2", stats.ChunksDiscarded, stats.ChunksReleased)
	}
	if got := b.Stats(); got.Committed != 0 || got.Reserved != 4096 {
		t.Fatalf("backend after sweep: %s", got)
	}

	// The cold chunk is reused before anything new is reserved.
	hd := mustAllocate(t, h, &node{name: "again"})
	if !hd.IsLive() || h.Summary().ChunksReserved != 3 {
		t.Fatalf("cold chunk not reused, reserved %d", h.Summary().ChunksReserved)
	}

	h.Release()
	if b.Regions() != 0 || b.Stats().Reserved != 0 {
		t.Fatalf("release leaked: %s", b.Stats())
	}
}

func TestHeap_StateMachine(t *testing.T) {
	h, _, _ := newTestHeap(t)

	if h.State() != StateGrowing {
		t.Fatalf("initial state %s", h.State())
	}
	h.RequestCollection()
	if !h.CollectionRequested() {
		t.Fatal("RequestCollection had no effect")
	}
	h.CollectGarbage(nil)
	if h.State() != StateGrowing {
		t.Fatalf("state %s after collection", h.State())
	}

	h.Release()
	if h.State() != StateReleased {
		t.Fatalf("state %s after release", h.State())
	}
	expectPanic(t, werrors.ErrInvalidState, func() { h.CollectGarbage(nil) })
	expectPanic(t, werrors.ErrInvalidState, func() { Allocate(h, &node{}) })

	t.Run("ReentrantCollection", func(t *testing.T) {
		h, _, _ := newTestHeap(t)
		hd := mustAllocate(t, h, &node{name: "reentrant"})
		h.CollectMajor(RootFunc(func(visit func(Ref)) {
			expectPanic(t, werrors.ErrInvalidState, func() { h.CollectGarbage(nil) })
			expectPanic(t, werrors.ErrInvalidState, func() { Allocate(h, &node{}) })
			visit(hd.ToHeap())
		}))
		if !hd.IsLive() {
			t.Fatal("root visited during collection was reclaimed")
		}
	})
}

func TestHeap_Config(t *testing.T) {
	b := vmem.NewFakeBackend()
	cases := []struct {
		name string
		opt  Option
	}{
		{"UnalignedChunk", WithChunkSize(1000)},
		{"GrowthBelowOne", WithGrowthFactor(0.5)},
		{"MajorEveryZero", WithMajorEvery(0)},
		{"NegativeRetain", WithRetainChunks(-1)},
		{"LimitBelowThreshold", WithMaxBytes(16)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectPanic(t, werrors.ErrConfiguration, func() { New(nil, b, tc.opt) })
		})
	}
}

func TestHeap_DumpSummary(t *testing.T) {
	h, roots, _ := newTestHeap(t)
	hd := mustAllocate(t, h, &node{name: "kept"})
	mustAllocate(t, h, &node{name: "dropped"})
	roots.refs = []Ref{hd.ToHeap()}
	h.CollectGarbage(roots)

	var out strings.Builder
	if err := h.DumpSummary(&out, 3*time.Second); err != nil {
		t.Fatalf("DumpSummary: %v", err)
	}
	text := out.String()
	for _, want := range []string{"heap summary:", "elapsed:", "3s", "2 objects", "1 minor, 0 major", "unlimited"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}

	sum := h.Summary()
	if sum.Allocated != 2 || sum.Freed != 1 || sum.Promoted != 1 {
		t.Fatalf("summary %+v", sum)
	}
	if sum.PeakBytes != uint64(2*cellSize) || sum.LiveBytes != uint64(cellSize) {
		t.Fatalf("byte counters %+v", sum)
	}
}
