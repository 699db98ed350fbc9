package heap

import "fmt"

// GcObject is the tracing contract every heap-resident value implements.
type GcObject interface {
	// VisitReferences calls visit once for every heap reference the object
	// owns. Null references may be passed and are ignored.
	VisitReferences(visit func(Ref))
	// Finalize runs exactly once, when the object is reclaimed or its heap is
	// released. It must not allocate on, or store into, the heap.
	Finalize()
}

// Sizer is implemented by objects whose payload should count against the
// heap's limits beyond the fixed cell header.
type Sizer interface {
	HeapSize() uintptr
}

// RootSource enumerates the references a process holds outside its heap:
// stack slots, registers and the like.
type RootSource interface {
	VisitRoots(visit func(Ref))
}

// RootFunc adapts a function to RootSource.
type RootFunc func(visit func(Ref))

func (f RootFunc) VisitRoots(visit func(Ref)) { f(visit) }

// Ref is the opaque, generation-checked form of a heap reference. It is what
// objects store in their reference lists and what the write barrier records.
// The zero Ref is null.
type Ref struct {
	index uint32 // slot+1
	gen   uint32
}

// Null is the null reference.
var Null Ref

// IsNull reports whether r refers to nothing.
func (r Ref) IsNull() bool { return r.index == 0 }

func (r Ref) slot() uint32 { return r.index - 1 }

func (r Ref) String() string {
	if r.IsNull() {
		return "ref(null)"
	}
	return fmt.Sprintf("ref(%d#%d)", r.slot(), r.gen)
}

func makeRef(slot, gen uint32) Ref { return Ref{index: slot + 1, gen: gen} }

// Handle is an owning, typed reference to an object on a particular heap.
type Handle[T GcObject] struct {
	heap *Heap
	ref  Ref
}

// ToHeap returns the opaque reference stored in other objects and passed to
// the write barrier.
func (h Handle[T]) ToHeap() Ref { return h.ref }

// Get returns the referenced object. Dereferencing a reclaimed object panics.
func (h Handle[T]) Get() T { return h.heap.Get(h.ref).(T) }

// IsNull reports whether the handle refers to nothing.
func (h Handle[T]) IsNull() bool { return h.ref.IsNull() }

// IsLive reports whether the referenced object has not been reclaimed.
func (h Handle[T]) IsLive() bool { return h.heap != nil && h.heap.IsLive(h.ref) }

// HandleOf re-types a reference found in an object's reference list.
func HandleOf[T GcObject](h *Heap, r Ref) Handle[T] { return Handle[T]{heap: h, ref: r} }
