//go:build windows

package vmem

import (
	"os"

	"golang.org/x/sys/windows"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

// windowsBackend maps memory with VirtualAlloc. A mapping can only be released
// as a whole, so reservations keep the original base and size.
type windowsBackend struct {
	page   uintptr
	ledger *ledger
}

// NewOSBackend returns the backend for the host operating system.
func NewOSBackend() Backend {
	page := uintptr(os.Getpagesize())
	return &windowsBackend{page: page, ledger: newLedger(page)}
}

func (b *windowsBackend) PageSize() uintptr    { return b.page }
func (b *windowsBackend) PartialRelease() bool { return false }
func (b *windowsBackend) Stats() Stats         { return b.ledger.stats() }

func (b *windowsBackend) Reserve(size uintptr) Address {
	checkSize("reserve", size, b.page)

	ptr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil || ptr == 0 {
		panic(werrors.OSFailure("VirtualAlloc(MEM_RESERVE)", 0, size, err))
	}
	b.ledger.reserve(size)
	return Address(ptr)
}

func (b *windowsBackend) Free(addr Address, size uintptr) {
	checkRange("free", addr, size, b.page)

	if err := windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE); err != nil {
		panic(werrors.OSFailure("VirtualFree(MEM_RELEASE)", uintptr(addr), size, err))
	}
	b.ledger.decommit(addr, size)
	b.ledger.unreserve(size)
}

func (b *windowsBackend) Commit(size uintptr, executable bool) Address {
	checkSize("commit", size, b.page)

	ptr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE,
		protection(commitAccess(executable)))
	if err != nil || ptr == 0 {
		panic(werrors.OSFailure("VirtualAlloc(MEM_COMMIT)", 0, size, err))
	}
	addr := Address(ptr)
	b.ledger.reserve(size)
	b.ledger.commit(addr, size)
	return addr
}

func (b *windowsBackend) CommitAt(addr Address, size uintptr, executable bool) {
	checkRange("commit_at", addr, size, b.page)

	ptr, err := windows.VirtualAlloc(uintptr(addr), size, windows.MEM_COMMIT,
		protection(commitAccess(executable)))
	if err != nil || Address(ptr) != addr {
		panic(werrors.OSFailure("VirtualAlloc(MEM_COMMIT) at fixed address", uintptr(addr), size, err))
	}
	b.ledger.commit(addr, size)
}

func (b *windowsBackend) Uncommit(addr Address, size uintptr) {
	checkRange("uncommit", addr, size, b.page)

	if err := windows.VirtualFree(uintptr(addr), size, windows.MEM_DECOMMIT); err != nil {
		panic(werrors.OSFailure("VirtualFree(MEM_DECOMMIT)", uintptr(addr), size, err))
	}
	b.ledger.decommit(addr, size)
}

func (b *windowsBackend) Discard(addr Address, size uintptr) {
	b.Uncommit(addr, size)
}

func (b *windowsBackend) Protect(addr Address, size uintptr, access Access) {
	checkRange("protect", addr, size, b.page)

	if access.IsNone() {
		b.Discard(addr, size)
		return
	}
	ptr, err := windows.VirtualAlloc(uintptr(addr), size, windows.MEM_COMMIT, protection(access))
	if err != nil || ptr == 0 {
		panic(werrors.OSFailure("VirtualAlloc(protect)", uintptr(addr), size, err))
	}
	b.ledger.commit(addr, size)
}

func (b *windowsBackend) Memory(addr Address, size uintptr) []byte {
	return bytesAt(addr, size)
}

func protection(access Access) uint32 {
	switch access {
	case AccessRead:
		return windows.PAGE_READONLY
	case AccessReadWrite:
		return windows.PAGE_READWRITE
	case AccessReadExecutable:
		return windows.PAGE_EXECUTE_READ
	case AccessReadWriteExecutable:
		return windows.PAGE_EXECUTE_READWRITE
	}
	return windows.PAGE_NOACCESS
}
