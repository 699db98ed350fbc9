//go:build linux || darwin

package vmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

// unixBackend maps memory with mmap(2). Uncommit unmaps, so partial ranges of
// a reservation can be given back independently.
type unixBackend struct {
	page   uintptr
	ledger *ledger
}

// NewOSBackend returns the backend for the host operating system.
func NewOSBackend() Backend {
	page := uintptr(unix.Getpagesize())
	return &unixBackend{page: page, ledger: newLedger(page)}
}

func (b *unixBackend) PageSize() uintptr    { return b.page }
func (b *unixBackend) PartialRelease() bool { return true }
func (b *unixBackend) Stats() Stats         { return b.ledger.stats() }

func (b *unixBackend) Reserve(size uintptr) Address {
	checkSize("reserve", size, b.page)

	ptr, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		panic(werrors.OSFailure("reserving memory with mmap()", 0, size, err))
	}
	b.ledger.reserve(size)
	return Address(ptr)
}

func (b *unixBackend) Free(addr Address, size uintptr) {
	checkRange("free", addr, size, b.page)

	if err := unix.MunmapPtr(unsafe.Pointer(addr), size); err != nil {
		panic(werrors.OSFailure("munmap()", uintptr(addr), size, err))
	}
	b.ledger.decommit(addr, size)
	b.ledger.unreserve(size)
}

func (b *unixBackend) Commit(size uintptr, executable bool) Address {
	checkSize("commit", size, b.page)

	ptr, err := unix.MmapPtr(-1, 0, nil, size, protection(commitAccess(executable)),
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(werrors.OSFailure("committing memory with mmap()", 0, size, err))
	}
	addr := Address(ptr)
	b.ledger.reserve(size)
	b.ledger.commit(addr, size)
	return addr
}

func (b *unixBackend) CommitAt(addr Address, size uintptr, executable bool) {
	checkRange("commit_at", addr, size, b.page)

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), size, protection(commitAccess(executable)),
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	if err != nil {
		panic(werrors.OSFailure("committing memory with mmap()", uintptr(addr), size, err))
	}
	if Address(ptr) != addr {
		panic(werrors.OSFailure("mmap(MAP_FIXED) returned a different address", uintptr(addr), size, nil))
	}
	b.ledger.commit(addr, size)
}

func (b *unixBackend) Uncommit(addr Address, size uintptr) {
	checkRange("uncommit", addr, size, b.page)

	if err := unix.MunmapPtr(unsafe.Pointer(addr), size); err != nil {
		panic(werrors.OSFailure("munmap()", uintptr(addr), size, err))
	}
	b.ledger.decommit(addr, size)
	b.ledger.unreserve(size)
}

func (b *unixBackend) Discard(addr Address, size uintptr) {
	checkRange("discard", addr, size, b.page)

	mem := bytesAt(addr, size)
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		panic(werrors.OSFailure("discarding memory with madvise()", uintptr(addr), size, err))
	}
	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		panic(werrors.OSFailure("discarding memory with mprotect()", uintptr(addr), size, err))
	}
	b.ledger.decommit(addr, size)
}

func (b *unixBackend) Protect(addr Address, size uintptr, access Access) {
	checkRange("protect", addr, size, b.page)

	if access.IsNone() {
		b.Discard(addr, size)
		return
	}
	if err := unix.Mprotect(bytesAt(addr, size), protection(access)); err != nil {
		panic(werrors.OSFailure("mprotect()", uintptr(addr), size, err))
	}
	b.ledger.commit(addr, size)
}

func (b *unixBackend) Memory(addr Address, size uintptr) []byte {
	return bytesAt(addr, size)
}

func protection(access Access) int {
	switch access {
	case AccessRead:
		return unix.PROT_READ
	case AccessReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case AccessReadExecutable:
		return unix.PROT_READ | unix.PROT_EXEC
	case AccessReadWriteExecutable:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.PROT_NONE
}
