package gctrace

import (
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/jazz-lang/Waffle/internal/runtime/heap"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(t.TempDir(), false)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchive_ScanByProcess(t *testing.T) {
	a := openTestArchive(t)
	p1, p2 := uuid.New(), uuid.New()

	// Written out of order; 256 and 1 must still come back numerically sorted.
	for _, seq := range []uint64{256, 1, 2} {
		if err := a.Write(FromStats(p1, 0, 0, heap.Stats{Sequence: seq, Freed: int(seq)})); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := a.Write(FromStats(p2, 1, 0, heap.Stats{Sequence: 1, Kind: heap.Major})); err != nil {
		t.Fatalf("write: %v", err)
	}

	var seqs []uint64
	err := a.Scan(p1, func(r Record) error {
		if r.ProcessID() != p1 {
			t.Errorf("scan of %s returned a record of %s", p1, r.ProcessID())
		}
		seqs = append(seqs, r.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 256 {
		t.Fatalf("sequences %v", seqs)
	}

	all, err := a.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("archive holds %d records, want 4", len(all))
	}

	r, err := a.Get(p2, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !r.Major || r.Worker != 1 {
		t.Fatalf("record mismatch: %+v", r)
	}
	if _, err := a.Get(p2, 2); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("missing record: err = %v", err)
	}
}

func TestArchive_ScanStops(t *testing.T) {
	a := openTestArchive(t)
	pid := uuid.New()
	for seq := uint64(1); seq <= 5; seq++ {
		if err := a.Write(FromStats(pid, 0, 0, heap.Stats{Sequence: seq})); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stop := errors.New("stop")
	n := 0
	err := a.Scan(pid, func(Record) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	if err != stop || n != 2 {
		t.Fatalf("scan returned %v after %d records", err, n)
	}
}

func TestTee(t *testing.T) {
	if Tee(nil, nil) != nil {
		t.Fatal("tee of nil sinks should be nil")
	}
	a := openTestArchive(t)
	var w1, w2 countingSink
	s := Tee(&w1, nil, a, &w2)
	if err := s.Write(FromStats(uuid.New(), 0, 0, heap.Stats{Sequence: 1})); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w1 != 1 || w2 != 1 {
		t.Fatalf("sinks saw %d and %d records", w1, w2)
	}
	if all, _ := a.Records(); len(all) != 1 {
		t.Fatalf("archive holds %d records", len(all))
	}
}

type countingSink int

func (c *countingSink) Write(Record) error {
	*c++
	return nil
}
