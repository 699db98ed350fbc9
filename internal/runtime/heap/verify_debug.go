//go:build waffledebug

package heap

import "fmt"

// In waffledebug builds every collection ends with a full consistency check of
// chunk headers against the slot table.

func verifyHeap(h *Heap) {
	var bytes uintptr
	objects := 0
	for _, c := range h.chunks {
		if c == nil || c.cold() {
			continue
		}
		base := uint32(c.index) * c.cells()
		live := 0
		for i := uint32(0); i < c.top; i++ {
			hdr := c.cell(i)
			s := &h.slots[base+i]
			if hdr.flags&cellLive == 0 {
				if s.obj != nil {
					panic(fmt.Sprintf("debug: slot %d holds an object but its cell is free", base+i))
				}
				continue
			}
			if hdr.flags&cellMarked != 0 {
				panic(fmt.Sprintf("debug: slot %d still marked after sweep", base+i))
			}
			if s.obj == nil || s.gen != hdr.gen {
				panic(fmt.Sprintf("debug: slot %d generation %d does not match cell %d", base+i, s.gen, hdr.gen))
			}
			live++
			bytes += uintptr(hdr.size)
		}
		if live != c.live {
			panic(fmt.Sprintf("debug: chunk %d counts %d live cells, found %d", c.index, c.live, live))
		}
		objects += live
	}
	if objects != h.liveObjects || bytes != h.liveBytes {
		panic(fmt.Sprintf("debug: heap reports %d objects / %d bytes, found %d / %d",
			h.liveObjects, h.liveBytes, objects, bytes))
	}
}
