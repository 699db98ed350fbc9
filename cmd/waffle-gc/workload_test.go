package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jazz-lang/Waffle/internal/runtime/gc"
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/metrics"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

func TestWorkload(t *testing.T) {
	pool := gc.NewGcPool(2)
	exec := process.NewExecutor(2, pool)
	joins := pool.Start(&gc.State{Scheduler: exec})
	exec.Start()

	w := workload{steps: 5000, dropEvery: 400, storeEvery: 3, payload: 32}
	mem := vmem.NewFakeBackend()
	procs := make([]*process.Process, 6)
	for i := range procs {
		procs[i] = process.New(mem, w.step(), heap.WithChunkSize(4096), heap.WithThreshold(16*1024))
		exec.Spawn(procs[i])
	}
	exec.Wait()
	pool.Terminate()
	joins.Join()
	exec.Stop()

	for _, p := range procs {
		s := p.Heap().Summary()
		if s.Allocated != 5001 {
			t.Fatalf("%s allocated %d objects", p, s.Allocated)
		}
		if s.Collections() == 0 || s.BarrierRecords == 0 {
			t.Fatalf("%s: %+v", p, s)
		}
	}
	if mem.Regions() != 0 {
		t.Fatalf("%d mappings left after every heap was released", mem.Regions())
	}
}

var errClosed = errors.New("closed")

// summaryFailWriter rejects the heap summary and accepts everything else.
type summaryFailWriter struct{ bytes.Buffer }

func (w *summaryFailWriter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("heap summary")) {
		return 0, errClosed
	}
	return w.Buffer.Write(p)
}

func TestReport(t *testing.T) {
	h := heap.New(nil, vmem.NewFakeBackend(), heap.WithChunkSize(4096))
	defer h.Release()
	reg := metrics.NewRegistry()
	reg.Register("heap", metrics.HeapSource(func() []*heap.Heap { return []*heap.Heap{h} }))

	var out bytes.Buffer
	if err := report(&out, 1, time.Second, gc.PoolStats{Threads: 2}, h, reg); err != nil {
		t.Fatalf("report: %v", err)
	}
	for _, want := range []string{"1 processes finished", "2 threads", "heap summary:", "totals:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report is missing %q:\n%s", want, out.String())
		}
	}

	var failing summaryFailWriter
	if err := report(&failing, 1, time.Second, gc.PoolStats{}, h, reg); !errors.Is(err, errClosed) {
		t.Fatalf("failed summary write returned %v", err)
	}
	if strings.Contains(failing.String(), "totals:") {
		t.Fatal("report kept writing after the summary failed")
	}

	if err := report(&out, 0, 0, gc.PoolStats{}, nil, reg); err != nil {
		t.Fatalf("report without a heap: %v", err)
	}
}
