package main

import (
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
)

// pair is the only object kind the demo workload allocates.
type pair struct {
	left, right heap.Ref
	size        uintptr
}

func (p *pair) VisitReferences(visit func(heap.Ref)) {
	visit(p.left)
	visit(p.right)
}

func (p *pair) Finalize() {}

func (p *pair) HeapSize() uintptr { return p.size }

// Root slots used by the workload.
const (
	rootAnchor = iota
	rootList
)

// workload builds a list in rootList, dropping it every dropEvery steps, and
// every storeEvery steps stores a fresh object into the long-lived anchor,
// which forces the write barrier to carry old-to-young edges.
type workload struct {
	steps      int
	dropEvery  int
	storeEvery int
	payload    uintptr
}

func (w workload) step() process.Step {
	n := 0
	return func(p *process.Process) process.Status {
		h := p.Heap()
		if n == 0 {
			anchor, err := heap.Allocate(h, &pair{})
			if err != nil {
				log.Errorf("%s: %s", p, err)
				return process.Done
			}
			p.SetRoot(rootAnchor, anchor.ToHeap())
		}
		if n == w.steps {
			return process.Done
		}
		n++

		if n%w.dropEvery == 0 {
			p.SetRoot(rootList, heap.Null)
		}
		cell, err := heap.Allocate(h, &pair{right: p.Root(rootList), size: w.payload})
		if err != nil {
			log.Errorf("%s: %s", p, err)
			return process.Done
		}
		p.SetRoot(rootList, cell.ToHeap())

		if n%w.storeEvery == 0 {
			anchor := heap.HandleOf[*pair](h, p.Root(rootAnchor))
			anchor.Get().left = cell.ToHeap()
			h.WriteBarrier(anchor.ToHeap(), cell.ToHeap())
		}
		return process.Continue
	}
}
