package vmem

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

// DefaultFakePageSize is the page size FakeBackend uses unless configured.
const DefaultFakePageSize = 4096

type fakePage struct {
	mapped    bool
	committed bool
	access    Access
}

type fakeRegion struct {
	buf   []byte
	start Address
	size  uintptr
	pages []fakePage
}

func (r *fakeRegion) end() Address { return r.start.Offset(r.size) }

// FakeBackend simulates an address space over Go-allocated buffers. It keeps
// per-page mapping, commit and access state so tests can observe exactly what
// a heap asked of its backend. Pages are zeroed whenever they lose backing.
type FakeBackend struct {
	mu           sync.Mutex
	page         uintptr
	wholeRelease bool
	regions      []*fakeRegion
	ledger       *ledger
}

// FakeOption configures a FakeBackend.
type FakeOption func(*FakeBackend)

// WithPageSize sets the simulated page size.
func WithPageSize(size uintptr) FakeOption {
	return func(b *FakeBackend) { b.page = size }
}

// WithWholeRelease makes the backend behave like platforms that can only
// release a mapping in full: Uncommit keeps the reservation and Free must
// name the original mapping exactly.
func WithWholeRelease() FakeOption {
	return func(b *FakeBackend) { b.wholeRelease = true }
}

// NewFakeBackend returns an in-memory backend.
func NewFakeBackend(opts ...FakeOption) *FakeBackend {
	b := &FakeBackend{page: DefaultFakePageSize}
	for _, opt := range opts {
		opt(b)
	}
	if b.page == 0 || b.page&(b.page-1) != 0 {
		panic(werrors.InvalidConfig("page size", b.page, "must be a power of two"))
	}
	b.ledger = newLedger(b.page)
	return b
}

func (b *FakeBackend) PageSize() uintptr    { return b.page }
func (b *FakeBackend) PartialRelease() bool { return !b.wholeRelease }
func (b *FakeBackend) Stats() Stats         { return b.ledger.stats() }

// Regions returns the number of live mappings.
func (b *FakeBackend) Regions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}

// AccessAt returns the access of the page containing addr.
func (b *FakeBackend) AccessAt(addr Address) Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, first := b.locate(addr.AlignDown(b.page), b.page)
	if r == nil || !r.pages[first].mapped {
		return AccessNone
	}
	return r.pages[first].access
}

// IsCommitted reports whether the page containing addr has backing.
func (b *FakeBackend) IsCommitted(addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, first := b.locate(addr.AlignDown(b.page), b.page)
	return r != nil && r.pages[first].committed
}

func (b *FakeBackend) Reserve(size uintptr) Address {
	checkSize("reserve", size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.newRegion(size)
	for i := range r.pages {
		r.pages[i] = fakePage{mapped: true, access: AccessNone}
	}
	b.ledger.reserve(size)
	return r.start
}

func (b *FakeBackend) Commit(size uintptr, executable bool) Address {
	checkSize("commit", size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.newRegion(size)
	for i := range r.pages {
		r.pages[i] = fakePage{mapped: true, committed: true, access: commitAccess(executable)}
	}
	b.ledger.reserve(size)
	b.ledger.commit(r.start, size)
	return r.start
}

func (b *FakeBackend) CommitAt(addr Address, size uintptr, executable bool) {
	checkRange("commit_at", addr, size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	r, first := b.mustLocate("commit_at", addr, size)
	for i := first; i < first+b.count(size); i++ {
		if !r.pages[i].mapped {
			panic(werrors.OSFailure("fixed commit outside a reservation", uintptr(addr), size, nil))
		}
		if !r.pages[i].committed {
			b.zero(r, i)
		}
		r.pages[i].committed = true
		r.pages[i].access = commitAccess(executable)
	}
	b.ledger.commit(addr, size)
}

func (b *FakeBackend) Uncommit(addr Address, size uintptr) {
	checkRange("uncommit", addr, size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	r, first := b.mustLocate("uncommit", addr, size)
	for i := first; i < first+b.count(size); i++ {
		if !r.pages[i].mapped {
			panic(werrors.OSFailure("uncommit of unmapped page", uintptr(addr), size, nil))
		}
		b.zero(r, i)
		r.pages[i].committed = false
		r.pages[i].access = AccessNone
		if !b.wholeRelease {
			r.pages[i].mapped = false
		}
	}
	b.ledger.decommit(addr, size)
	if !b.wholeRelease {
		b.ledger.unreserve(size)
		b.dropIfUnmapped(r)
	}
}

func (b *FakeBackend) Discard(addr Address, size uintptr) {
	checkRange("discard", addr, size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardLocked(addr, size)
}

func (b *FakeBackend) discardLocked(addr Address, size uintptr) {
	r, first := b.mustLocate("discard", addr, size)
	for i := first; i < first+b.count(size); i++ {
		if !r.pages[i].mapped {
			panic(werrors.OSFailure("discard of unmapped page", uintptr(addr), size, nil))
		}
		b.zero(r, i)
		r.pages[i].committed = false
		r.pages[i].access = AccessNone
	}
	b.ledger.decommit(addr, size)
}

func (b *FakeBackend) Protect(addr Address, size uintptr, access Access) {
	checkRange("protect", addr, size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	if access.IsNone() {
		b.discardLocked(addr, size)
		return
	}
	r, first := b.mustLocate("protect", addr, size)
	for i := first; i < first+b.count(size); i++ {
		if !r.pages[i].mapped {
			panic(werrors.OSFailure("protect of unmapped page", uintptr(addr), size, nil))
		}
		if !r.pages[i].committed {
			b.zero(r, i)
		}
		r.pages[i].committed = true
		r.pages[i].access = access
	}
	b.ledger.commit(addr, size)
}

func (b *FakeBackend) Free(addr Address, size uintptr) {
	checkRange("free", addr, size, b.page)
	b.mu.Lock()
	defer b.mu.Unlock()

	r, first := b.mustLocate("free", addr, size)
	if b.wholeRelease && (addr != r.start || size != r.size) {
		panic(werrors.OSFailure(
			fmt.Sprintf("partial release of mapping [%s, %s)", r.start, r.end()),
			uintptr(addr), size, nil))
	}
	for i := first; i < first+b.count(size); i++ {
		if !r.pages[i].mapped {
			panic(werrors.OSFailure("double free", uintptr(addr), size, nil))
		}
		b.zero(r, i)
		r.pages[i] = fakePage{}
	}
	b.ledger.decommit(addr, size)
	b.ledger.unreserve(size)
	b.dropIfUnmapped(r)
}

// Memory returns a view of a committed, readable range. Touching memory the
// backend would fault on panics.
func (b *FakeBackend) Memory(addr Address, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	lo := addr.AlignDown(b.page)
	hi := addr.Offset(size).AlignUp(b.page)
	r, first := b.locate(lo, hi.OffsetFrom(lo))
	if r == nil {
		panic(werrors.OSFailure("access outside any mapping", uintptr(addr), size, nil))
	}
	for i := first; i < first+b.count(hi.OffsetFrom(lo)); i++ {
		if !r.pages[i].committed || !r.pages[i].access.Readable() {
			panic(werrors.OSFailure("access to inaccessible page", uintptr(r.start.Offset(i*b.page)), b.page, nil))
		}
	}
	off := addr.OffsetFrom(r.start)
	return r.buf[off : off+size : off+size]
}

func (b *FakeBackend) newRegion(size uintptr) *fakeRegion {
	buf := make([]byte, size+b.page)
	base := Address(unsafe.Pointer(unsafe.SliceData(buf)))
	start := base.AlignUp(b.page)
	off := start.OffsetFrom(base)
	r := &fakeRegion{
		buf:   buf[off : off+size],
		start: start,
		size:  size,
		pages: make([]fakePage, size/b.page),
	}
	b.regions = append(b.regions, r)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].start < b.regions[j].start })
	return r
}

func (b *FakeBackend) locate(addr Address, size uintptr) (*fakeRegion, uintptr) {
	for _, r := range b.regions {
		if addr >= r.start && addr.Offset(size) <= r.end() {
			return r, addr.OffsetFrom(r.start) / b.page
		}
	}
	return nil, 0
}

func (b *FakeBackend) mustLocate(op string, addr Address, size uintptr) (*fakeRegion, uintptr) {
	r, first := b.locate(addr, size)
	if r == nil {
		panic(werrors.OSFailure(op+" outside any mapping", uintptr(addr), size, nil))
	}
	return r, first
}

func (b *FakeBackend) count(size uintptr) uintptr { return size / b.page }

func (b *FakeBackend) zero(r *fakeRegion, page uintptr) {
	clear(r.buf[page*b.page : (page+1)*b.page])
}

func (b *FakeBackend) dropIfUnmapped(r *fakeRegion) {
	for _, p := range r.pages {
		if p.mapped {
			return
		}
	}
	for i, other := range b.regions {
		if other == r {
			b.regions = append(b.regions[:i], b.regions[i+1:]...)
			return
		}
	}
}
