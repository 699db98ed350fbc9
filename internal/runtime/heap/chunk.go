package heap

import (
	"unsafe"

	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

// Every object occupies one cell header in committed chunk memory. The header
// carries the mark state the collector works on; the Go value itself lives in
// the heap's slot table at the same index.
type cell struct {
	flags uint32
	gen   uint32
	size  uint64
}

const cellSize = unsafe.Sizeof(cell{})

const (
	cellLive uint32 = 1 << iota
	cellMarked
	cellOld
	cellFinalized
)

// chunk is one aligned reservation. Pages are committed lazily as the bump
// pointer advances; freed cells are recycled through a per-chunk free list.
type chunk struct {
	index     int
	res       vmem.Reservation
	size      uintptr
	mem       []byte
	committed uintptr
	top       uint32
	free      []uint32
	live      int
}

func newChunk(b vmem.Backend, index int, size uintptr) *chunk {
	return &chunk{
		index: index,
		res:   vmem.ReserveAlign(b, size, size),
		size:  size,
	}
}

func (c *chunk) cells() uint32 { return uint32(c.size / cellSize) }

func (c *chunk) hasRoom() bool { return len(c.free) > 0 || c.top < c.cells() }

func (c *chunk) cold() bool { return c.committed == 0 }

// take returns a free cell index, committing another page when the bump
// pointer crosses into uncommitted memory.
func (c *chunk) take(b vmem.Backend) uint32 {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i
	}
	i := c.top
	end := uintptr(i+1) * cellSize
	if end > c.committed {
		grow := vmem.AlignUp(end-c.committed, b.PageSize())
		b.CommitAt(c.res.Start.Offset(c.committed), grow, false)
		c.committed += grow
		c.mem = b.Memory(c.res.Start, c.committed)
	}
	c.top++
	return i
}

func (c *chunk) cell(i uint32) *cell {
	return (*cell)(unsafe.Pointer(&c.mem[uintptr(i)*cellSize]))
}

// discard gives the chunk's physical pages back while keeping its address
// range for reuse.
func (c *chunk) discard(b vmem.Backend) {
	if c.committed > 0 {
		b.Discard(c.res.Start, c.committed)
	}
	c.committed = 0
	c.mem = nil
	c.top = 0
	c.free = c.free[:0]
}

func (c *chunk) release(b vmem.Backend) {
	vmem.Release(b, c.res)
	c.committed = 0
	c.mem = nil
}
