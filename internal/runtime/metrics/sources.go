package metrics

import (
	"github.com/jazz-lang/Waffle/internal/runtime/gc"
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

// HeapSource sums the summaries of the heaps heaps returns at scrape time.
func HeapSource(heaps func() []*heap.Heap) MetricFunc {
	return func() map[string]float64 {
		var total heap.Summary
		hs := heaps()
		for _, h := range hs {
			s := h.Summary()
			total.Allocated += s.Allocated
			total.AllocatedBytes += s.AllocatedBytes
			total.Freed += s.Freed
			total.FreedBytes += s.FreedBytes
			total.Promoted += s.Promoted
			total.LiveBytes += s.LiveBytes
			total.ChunksReserved += s.ChunksReserved
			total.BarrierRecords += s.BarrierRecords
			total.MinorCollections += s.MinorCollections
			total.MajorCollections += s.MajorCollections
			total.PauseTotal += s.PauseTotal
			total.PauseMax = max(total.PauseMax, s.PauseMax)
		}
		return map[string]float64{
			"heaps":                   float64(len(hs)),
			"allocated_objects_total": float64(total.Allocated),
			"allocated_bytes_total":   float64(total.AllocatedBytes),
			"freed_objects_total":     float64(total.Freed),
			"freed_bytes_total":       float64(total.FreedBytes),
			"promoted_objects_total":  float64(total.Promoted),
			"live_bytes":              float64(total.LiveBytes),
			"chunks_reserved_total":   float64(total.ChunksReserved),
			"barrier_records_total":   float64(total.BarrierRecords),
			"minor_collections_total": float64(total.MinorCollections),
			"major_collections_total": float64(total.MajorCollections),
			"pause_seconds_total":     total.PauseTotal.Seconds(),
			"pause_seconds_max":       total.PauseMax.Seconds(),
		}
	}
}

func PoolSource(pool *gc.GcPool) MetricFunc {
	return func() map[string]float64 {
		s := pool.Stats()
		return map[string]float64{
			"threads":            float64(s.Threads),
			"jobs_scheduled":     float64(s.Scheduled),
			"jobs_completed":     float64(s.Completed),
			"jobs_pending":       float64(s.Pending),
			"trace_write_errors": float64(s.TraceErrors),
		}
	}
}

func ExecutorSource(e *process.Executor) MetricFunc {
	return func() map[string]float64 {
		s := e.Stats()
		return map[string]float64{
			"processes_spawned":  float64(s.Spawned),
			"processes_finished": float64(s.Finished),
			"collections_handed": float64(s.HandedOff),
			"collections_inline": float64(s.Inline),
		}
	}
}

func BackendSource(b vmem.Backend) MetricFunc {
	return func() map[string]float64 {
		s := b.Stats()
		return map[string]float64{
			"reserved_bytes":  float64(s.Reserved),
			"committed_bytes": float64(s.Committed),
			"page_size_bytes": float64(b.PageSize()),
		}
	}
}
