// Package vmem manages raw virtual memory for the Waffle runtime.
//
// A Backend reserves, commits, protects and discards page ranges. The OS
// backend is selected at build time (mmap on unix, VirtualAlloc on windows);
// FakeBackend implements the same contract over Go memory so heaps can be
// tested portably. Every address and size handed to a Backend must be a
// multiple of its page size; violations panic.
package vmem

import (
	"fmt"
	"unsafe"
)

// Address is an opaque virtual-memory location.
type Address uintptr

// Offset returns the address size bytes past a.
func (a Address) Offset(size uintptr) Address { return a + Address(size) }

// OffsetFrom returns the distance in bytes from base to a.
func (a Address) OffsetFrom(base Address) uintptr {
	if a < base {
		panic(fmt.Sprintf("vmem: address %#x is below base %#x", uintptr(a), uintptr(base)))
	}
	return uintptr(a - base)
}

// IsAligned reports whether a is a multiple of align.
func (a Address) IsAligned(align uintptr) bool { return uintptr(a)%align == 0 }

// AlignUp rounds a up to the next multiple of align.
func (a Address) AlignUp(align uintptr) Address { return Address(AlignUp(uintptr(a), align)) }

// AlignDown rounds a down to a multiple of align.
func (a Address) AlignDown(align uintptr) Address { return a - Address(uintptr(a)%align) }

// IsNull reports whether a is the zero address.
func (a Address) IsNull() bool { return a == 0 }

func (a Address) String() string { return fmt.Sprintf("%#x", uintptr(a)) }

// AlignUp rounds n up to a multiple of align. align need not be a power of two.
func AlignUp(n, align uintptr) uintptr {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// IsAligned reports whether n is a multiple of align.
func IsAligned(n, align uintptr) bool { return align != 0 && n%align == 0 }

// Access is the protection state of a page range.
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessReadWrite
	AccessReadExecutable
	AccessReadWriteExecutable
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "r"
	case AccessReadWrite:
		return "rw"
	case AccessReadExecutable:
		return "rx"
	case AccessReadWriteExecutable:
		return "rwx"
	}
	return fmt.Sprintf("Access(%d)", uint8(a))
}

// IsNone reports whether the range is inaccessible.
func (a Access) IsNone() bool { return a == AccessNone }

// Readable reports whether loads are permitted.
func (a Access) Readable() bool { return a != AccessNone }

// Writable reports whether stores are permitted.
func (a Access) Writable() bool { return a == AccessReadWrite || a == AccessReadWriteExecutable }

// Executable reports whether instruction fetch is permitted.
func (a Access) Executable() bool {
	return a == AccessReadExecutable || a == AccessReadWriteExecutable
}

func commitAccess(executable bool) Access {
	if executable {
		return AccessReadWriteExecutable
	}
	return AccessReadWrite
}

// Reservation is an address range claimed from the OS. Start is the usable,
// aligned region. UnalignedStart and UnalignedSize describe what must be handed
// back to Free to release the whole claim: on backends that release partial
// mappings they equal the aligned region, elsewhere they cover the original
// over-sized mapping.
type Reservation struct {
	Start          Address
	UnalignedStart Address
	UnalignedSize  uintptr
}

// Contains reports whether [addr, addr+size) lies within the claimed range.
func (r Reservation) Contains(addr Address, size uintptr) bool {
	return addr >= r.UnalignedStart && addr.Offset(size) <= r.UnalignedStart.Offset(r.UnalignedSize)
}

// bytesAt returns a byte slice over size bytes at addr. The caller guarantees
// the range is mapped and readable.
func bytesAt(addr Address, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
