package vmem

import (
	"errors"
	"fmt"
)

// ErrCodeSpaceSealed is returned when writing to a sealed code buffer.
var ErrCodeSpaceSealed = errors.New("code space is sealed")

// CodeSpace is a buffer of executable pages for generated machine code. Code
// is written while the pages are read/write/execute; Seal drops write access
// so the region becomes read/execute only.
type CodeSpace struct {
	backend Backend
	start   Address
	size    uintptr
	used    uintptr
	sealed  bool
}

// NewCodeSpace commits at least size bytes of executable memory.
func NewCodeSpace(b Backend, size uintptr) *CodeSpace {
	size = AlignUp(size, b.PageSize())
	return &CodeSpace{
		backend: b,
		start:   b.Commit(size, true),
		size:    size,
	}
}

// Write appends code and returns the address it was placed at.
func (c *CodeSpace) Write(code []byte) (Address, error) {
	if c.sealed {
		return 0, ErrCodeSpaceSealed
	}
	if uintptr(len(code)) > c.size-c.used {
		return 0, fmt.Errorf("code space full: %d of %d bytes used, %d requested", c.used, c.size, len(code))
	}
	at := c.start.Offset(c.used)
	copy(c.backend.Memory(at, uintptr(len(code))), code)
	c.used += uintptr(len(code))
	return at, nil
}

// Seal makes the written code read/execute only.
func (c *CodeSpace) Seal() {
	if c.sealed {
		return
	}
	c.backend.Protect(c.start, c.size, AccessReadExecutable)
	c.sealed = true
}

// Release returns the pages to the backend.
func (c *CodeSpace) Release() {
	if c.start.IsNull() {
		return
	}
	c.backend.Free(c.start, c.size)
	c.start = 0
}

func (c *CodeSpace) Start() Address { return c.start }
func (c *CodeSpace) Size() uintptr  { return c.size }
func (c *CodeSpace) Used() uintptr  { return c.used }
func (c *CodeSpace) Sealed() bool   { return c.sealed }
