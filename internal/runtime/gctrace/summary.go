package gctrace

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Totals aggregates a trace.
type Totals struct {
	Collections int
	Major       int
	Processes   int
	Freed       uint64
	FreedBytes  uint64
	PauseTotal  time.Duration
	PauseMax    time.Duration
	QueuedMax   time.Duration
	PerWorker   map[int]int
}

// Summarize folds records into Totals.
func Summarize(records []Record) Totals {
	t := Totals{PerWorker: make(map[int]int)}
	procs := make(map[uuid.UUID]struct{})
	for _, r := range records {
		t.Collections++
		if r.Major {
			t.Major++
		}
		procs[r.ProcessID()] = struct{}{}
		t.Freed += uint64(r.Freed)
		t.FreedBytes += r.FreedBytes
		t.PauseTotal += r.Pause()
		t.PauseMax = max(t.PauseMax, r.Pause())
		t.QueuedMax = max(t.QueuedMax, r.Queued())
		t.PerWorker[r.Worker]++
	}
	t.Processes = len(procs)
	return t
}

// Fprint writes a report of t.
func (t Totals) Fprint(w io.Writer) {
	fmt.Fprintf(w, "collections: %d (%d major) across %d processes\n", t.Collections, t.Major, t.Processes)
	fmt.Fprintf(w, "freed:       %d objects, %d bytes\n", t.Freed, t.FreedBytes)
	fmt.Fprintf(w, "pause:       total %s, max %s\n", t.PauseTotal, t.PauseMax)
	fmt.Fprintf(w, "queued:      max %s\n", t.QueuedMax)

	workers := make([]int, 0, len(t.PerWorker))
	for id := range t.PerWorker {
		workers = append(workers, id)
	}
	sort.Ints(workers)
	for _, id := range workers {
		fmt.Fprintf(w, "worker %d:    %d collections\n", id, t.PerWorker[id])
	}
}
