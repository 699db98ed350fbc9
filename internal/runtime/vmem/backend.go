package vmem

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

var log = commonlog.GetLogger("waffle.vmem")

// Backend is the OS-facing memory primitive. All operations are fatal on OS
// failure: they panic with a *errors.StandardError instead of returning.
type Backend interface {
	// PageSize returns the granularity every address and size must honor.
	PageSize() uintptr
	// Reserve claims size bytes of address space with no backing and no access.
	Reserve(size uintptr) Address
	// Free releases a mapping previously obtained from Reserve or Commit.
	Free(addr Address, size uintptr)
	// Commit reserves and backs size bytes with read/write(/execute) access.
	Commit(size uintptr, executable bool) Address
	// CommitAt backs a previously reserved range in place.
	CommitAt(addr Address, size uintptr, executable bool)
	// Uncommit releases the physical backing of a range.
	Uncommit(addr Address, size uintptr)
	// Discard releases the physical backing and drops access to none while
	// keeping the reservation.
	Discard(addr Address, size uintptr)
	// Protect changes the access of a range. AccessNone discards.
	Protect(addr Address, size uintptr, access Access)
	// Memory returns a byte view of a readable range.
	Memory(addr Address, size uintptr) []byte
	// PartialRelease reports whether sub-ranges of a mapping can be released
	// on their own.
	PartialRelease() bool
	// Stats returns the backend's byte counters.
	Stats() Stats
}

// Stats counts bytes currently claimed through a backend.
type Stats struct {
	Reserved  uintptr // address space mapped, committed or not
	Committed uintptr // bytes with physical backing
}

func (s Stats) String() string {
	return fmt.Sprintf("reserved=%d committed=%d", s.Reserved, s.Committed)
}

// Kind selects a backend implementation by configuration.
type Kind string

const (
	KindOS   Kind = "os"
	KindFake Kind = "fake"
)

// New returns the backend named by kind. Unknown kinds are a configuration error.
func New(kind Kind) Backend {
	switch kind {
	case KindOS, "":
		return NewOSBackend()
	case KindFake:
		return NewFakeBackend()
	}
	panic(werrors.InvalidConfig("memory backend", kind, "expected \"os\" or \"fake\""))
}

// ReserveAlign reserves size bytes starting at a multiple of align. It claims
// size+align-page bytes, uncommits the slack before and after the aligned
// region, and returns the bookkeeping needed to release the whole claim.
// align == 0 means page alignment.
func ReserveAlign(b Backend, size, align uintptr) Reservation {
	page := b.PageSize()
	if align == 0 {
		align = page
	}
	checkSize("reserve_align", size, page)
	checkSize("reserve_align", align, page)

	unalignedSize := size + align - page
	unalignedStart := b.Reserve(unalignedSize)
	alignedStart := unalignedStart.AlignUp(align)

	gapStart := alignedStart.OffsetFrom(unalignedStart)
	gapEnd := unalignedSize - size - gapStart

	if gapStart > 0 {
		b.Uncommit(unalignedStart, gapStart)
	}
	if gapEnd > 0 {
		b.Uncommit(alignedStart.Offset(size), gapEnd)
	}

	log.Debugf("reserved %d bytes aligned to %d at %s", size, align, alignedStart)

	if b.PartialRelease() {
		return Reservation{
			Start:          alignedStart,
			UnalignedStart: alignedStart,
			UnalignedSize:  size,
		}
	}
	return Reservation{
		Start:          alignedStart,
		UnalignedStart: unalignedStart,
		UnalignedSize:  unalignedSize,
	}
}

// Release frees exactly the memory claimed by r.
func Release(b Backend, r Reservation) {
	b.Free(r.UnalignedStart, r.UnalignedSize)
}

func checkSize(op string, size, page uintptr) {
	if size == 0 || !IsAligned(size, page) {
		panic(werrors.Misaligned(op, 0, size, page))
	}
}

func checkRange(op string, addr Address, size, page uintptr) {
	if addr.IsNull() || !addr.IsAligned(page) || size == 0 || !IsAligned(size, page) {
		panic(werrors.Misaligned(op, uintptr(addr), size, page))
	}
}

// ledger tracks committed pages so every backend can report exact byte
// counts. Only committed pages are stored; reserved bytes are a counter.
type ledger struct {
	mu        sync.Mutex
	page      uintptr
	reserved  uintptr
	committed map[Address]struct{}
}

func newLedger(page uintptr) *ledger {
	return &ledger{page: page, committed: make(map[Address]struct{})}
}

func (l *ledger) reserve(size uintptr) {
	l.mu.Lock()
	l.reserved += size
	l.mu.Unlock()
}

func (l *ledger) unreserve(size uintptr) {
	l.mu.Lock()
	if size > l.reserved {
		size = l.reserved
	}
	l.reserved -= size
	l.mu.Unlock()
}

func (l *ledger) commit(addr Address, size uintptr) {
	l.mu.Lock()
	for p := addr; p < addr.Offset(size); p = p.Offset(l.page) {
		l.committed[p] = struct{}{}
	}
	l.mu.Unlock()
}

func (l *ledger) decommit(addr Address, size uintptr) {
	l.mu.Lock()
	for p := addr; p < addr.Offset(size); p = p.Offset(l.page) {
		delete(l.committed, p)
	}
	l.mu.Unlock()
}

func (l *ledger) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Reserved: l.reserved, Committed: uintptr(len(l.committed)) * l.page}
}
