// Package gctrace records one CBOR item per collection so a run can be
// inspected after the fact.
package gctrace

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/jazz-lang/Waffle/internal/runtime/heap"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gctrace: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Record describes a single collection of a single process.
type Record struct {
	Process         [16]byte `cbor:"1,keyasint"`
	Sequence        uint64   `cbor:"2,keyasint"`
	Major           bool     `cbor:"3,keyasint,omitempty"`
	Worker          int      `cbor:"4,keyasint"`
	Timestamp       int64    `cbor:"5,keyasint"`
	QueuedNanos     int64    `cbor:"6,keyasint"`
	PauseNanos      int64    `cbor:"7,keyasint"`
	Marked          int      `cbor:"8,keyasint"`
	Promoted        int      `cbor:"9,keyasint"`
	Freed           int      `cbor:"10,keyasint"`
	FreedBytes      uint64   `cbor:"11,keyasint"`
	LiveObjects     int      `cbor:"12,keyasint"`
	LiveBytes       uint64   `cbor:"13,keyasint"`
	RememberedEdges int      `cbor:"14,keyasint,omitempty"`
	ChunksDiscarded int      `cbor:"15,keyasint,omitempty"`
	ChunksReleased  int      `cbor:"16,keyasint,omitempty"`
}

// FromStats builds the record for a collection of process pid performed by
// worker after the job waited queued.
func FromStats(pid uuid.UUID, worker int, queued time.Duration, s heap.Stats) Record {
	return Record{
		Process:         [16]byte(pid),
		Sequence:        s.Sequence,
		Major:           s.Kind == heap.Major,
		Worker:          worker,
		Timestamp:       time.Now().UnixNano(),
		QueuedNanos:     int64(queued),
		PauseNanos:      int64(s.Elapsed),
		Marked:          s.Marked,
		Promoted:        s.Promoted,
		Freed:           s.Freed,
		FreedBytes:      uint64(s.FreedBytes),
		LiveObjects:     s.LiveObjects,
		LiveBytes:       uint64(s.LiveBytes),
		RememberedEdges: s.RememberedEdges,
		ChunksDiscarded: s.ChunksDiscarded,
		ChunksReleased:  s.ChunksReleased,
	}
}

func (r Record) ProcessID() uuid.UUID { return uuid.UUID(r.Process) }

func (r Record) Pause() time.Duration { return time.Duration(r.PauseNanos) }

func (r Record) Queued() time.Duration { return time.Duration(r.QueuedNanos) }

func (r Record) String() string {
	kind := "minor"
	if r.Major {
		kind = "major"
	}
	return fmt.Sprintf("%s gc#%d %s on worker %d: freed %d (%d bytes), live %d (%d bytes), pause %s, queued %s",
		r.ProcessID(), r.Sequence, kind, r.Worker, r.Freed, r.FreedBytes, r.LiveObjects, r.LiveBytes, r.Pause(), r.Queued())
}

// Sink receives collection records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(rec Record) error
}

type tee []Sink

func (t tee) Write(rec Record) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tee returns a Sink writing every record to each of sinks. Nil sinks are
// skipped; nil is returned when none remain.
func Tee(sinks ...Sink) Sink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	switch len(t) {
	case 0:
		return nil
	case 1:
		return t[0]
	}
	return t
}

// Writer appends records to an underlying stream. It is safe for concurrent
// use by every GC worker.
type Writer struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	count uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: encMode.NewEncoder(w)}
}

func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("gctrace: encode record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Reader decodes a stream produced by Writer.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("gctrace: decode record: %w", err)
	}
	return rec, nil
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
