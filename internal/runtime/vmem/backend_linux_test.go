//go:build linux

package vmem

import "testing"

func TestOSBackend_Linux(t *testing.T) {
	b := NewOSBackend()
	page := b.PageSize()

	t.Run("ReserveFree", func(t *testing.T) {
		base := b.Stats()
		for i := 0; i < 8; i++ {
			addr := b.Reserve(16 * page)
			if !addr.IsAligned(page) {
				t.Fatalf("unaligned reservation %s", addr)
			}
			b.Free(addr, 16*page)
		}
		if got := b.Stats(); got != base {
			t.Fatalf("stats %s, want %s", got, base)
		}
	})

	t.Run("CommitAtWrite", func(t *testing.T) {
		addr := b.Reserve(4 * page)
		b.CommitAt(addr, 2*page, false)
		mem := b.Memory(addr, 2*page)
		for i := range mem {
			mem[i] = byte(i)
		}
		if mem[page+1] != byte(page+1) {
			t.Fatal("committed memory did not hold a write")
		}
		b.Free(addr, 4*page)
	})

	t.Run("ProtectNoneZeroes", func(t *testing.T) {
		addr := b.Commit(page, false)
		mem := b.Memory(addr, page)
		for i := range mem {
			mem[i] = 0x5A
		}
		b.Protect(addr, page, AccessNone)
		b.Protect(addr, page, AccessReadWrite)
		for i, v := range b.Memory(addr, page) {
			if v != 0 {
				t.Fatalf("byte %d = %#x after discard", i, v)
			}
		}
		b.Free(addr, page)
	})

	t.Run("ReserveAlign", func(t *testing.T) {
		base := b.Stats()
		align := 64 * page
		r := ReserveAlign(b, 16*page, align)
		if !r.Start.IsAligned(align) {
			t.Fatalf("start %s not aligned to %d", r.Start, align)
		}
		b.CommitAt(r.Start, 16*page, false)
		b.Memory(r.Start, 16*page)[0] = 1
		Release(b, r)
		if got := b.Stats(); got != base {
			t.Fatalf("stats %s, want %s", got, base)
		}
	})

	t.Run("ExecutableCode", func(t *testing.T) {
		cs := NewCodeSpace(b, page)
		if _, err := cs.Write([]byte{0xc3}); err != nil {
			t.Fatal(err)
		}
		cs.Seal()
		if b.Memory(cs.Start(), 1)[0] != 0xc3 {
			t.Fatal("sealed code not readable")
		}
		cs.Release()
	})
}
