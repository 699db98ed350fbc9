package heap

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// counters are the running totals behind Summary. They are atomics so that a
// metrics exporter may read them while the heap is in use.
type counters struct {
	allocated      atomic.Uint64
	allocatedBytes atomic.Uint64
	liveBytes      atomic.Uint64
	peakBytes      atomic.Uint64
	chunksReserved atomic.Uint64
	barriers       atomic.Uint64
	freed          atomic.Uint64
	freedBytes     atomic.Uint64
	promoted       atomic.Uint64

	minor      atomic.Uint64
	major      atomic.Uint64
	pauseTotal atomic.Int64
	pauseMax   atomic.Int64
	lastPause  atomic.Int64
}

// record folds one collection into the totals and returns its sequence number.
func (c *counters) record(s Stats) uint64 {
	c.freed.Add(uint64(s.Freed))
	c.freedBytes.Add(uint64(s.FreedBytes))
	c.promoted.Add(uint64(s.Promoted))
	c.liveBytes.Store(uint64(s.LiveBytes))

	pause := int64(s.Elapsed)
	c.pauseTotal.Add(pause)
	c.lastPause.Store(pause)
	for {
		cur := c.pauseMax.Load()
		if pause <= cur || c.pauseMax.CompareAndSwap(cur, pause) {
			break
		}
	}

	if s.Kind == Major {
		c.major.Add(1)
	} else {
		c.minor.Add(1)
	}
	return c.minor.Load() + c.major.Load()
}

// Summary is a point-in-time snapshot of a heap's counters.
type Summary struct {
	Allocated        uint64
	AllocatedBytes   uint64
	Freed            uint64
	FreedBytes       uint64
	Promoted         uint64
	LiveBytes        uint64
	PeakBytes        uint64
	ChunksReserved   uint64
	BarrierRecords   uint64
	MinorCollections uint64
	MajorCollections uint64
	PauseTotal       time.Duration
	PauseMax         time.Duration
	LastPause        time.Duration
	Threshold        uint64
	MaxBytes         uint64
}

// Collections returns the number of collections of either kind.
func (s Summary) Collections() uint64 { return s.MinorCollections + s.MajorCollections }

// Summary returns the heap's counters. It is safe to call from any goroutine.
func (h *Heap) Summary() Summary {
	c := &h.counters
	return Summary{
		Allocated:        c.allocated.Load(),
		AllocatedBytes:   c.allocatedBytes.Load(),
		Freed:            c.freed.Load(),
		FreedBytes:       c.freedBytes.Load(),
		Promoted:         c.promoted.Load(),
		LiveBytes:        c.liveBytes.Load(),
		PeakBytes:        c.peakBytes.Load(),
		ChunksReserved:   c.chunksReserved.Load(),
		BarrierRecords:   c.barriers.Load(),
		MinorCollections: c.minor.Load(),
		MajorCollections: c.major.Load(),
		PauseTotal:       time.Duration(c.pauseTotal.Load()),
		PauseMax:         time.Duration(c.pauseMax.Load()),
		LastPause:        time.Duration(c.lastPause.Load()),
		Threshold:        uint64(h.threshold.Load()),
		MaxBytes:         uint64(h.maxBytes.Load()),
	}
}

func (h *Heap) summaryText(elapsed time.Duration) string {
	var b strings.Builder
	h.DumpSummary(&b, elapsed)
	return b.String()
}

// DumpSummary writes a human-readable report of the heap's counters. elapsed
// is the wall time the caller attributes to the run being reported on.
func (h *Heap) DumpSummary(w io.Writer, elapsed time.Duration) error {
	s := h.Summary()
	limit := "unlimited"
	if s.MaxBytes != 0 {
		limit = formatBytes(s.MaxBytes)
	}

	lines := []struct {
		name  string
		value string
	}{
		{"elapsed", elapsed.String()},
		{"state", h.State().String()},
		{"allocated", fmt.Sprintf("%d objects, %s", s.Allocated, formatBytes(s.AllocatedBytes))},
		{"freed", fmt.Sprintf("%d objects, %s", s.Freed, formatBytes(s.FreedBytes))},
		{"promoted", fmt.Sprintf("%d objects", s.Promoted)},
		{"live", formatBytes(s.LiveBytes)},
		{"peak", formatBytes(s.PeakBytes)},
		{"threshold", formatBytes(s.Threshold)},
		{"limit", limit},
		{"chunks reserved", fmt.Sprintf("%d", s.ChunksReserved)},
		{"barrier records", fmt.Sprintf("%d", s.BarrierRecords)},
		{"collections", fmt.Sprintf("%d minor, %d major", s.MinorCollections, s.MajorCollections)},
		{"pause total", s.PauseTotal.String()},
		{"pause max", s.PauseMax.String()},
	}

	if _, err := fmt.Fprintln(w, "heap summary:"); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "  %-16s %s\n", l.name+":", l.value); err != nil {
			return err
		}
	}
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
