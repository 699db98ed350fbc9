package gctrace

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Archive keeps records in a pebble store under keys of the form
// "gc/<process>/<sequence>", so one process's collections can be scanned in
// order without reading the whole run.
type Archive struct {
	db   *pebble.DB
	sync *pebble.WriteOptions
}

var keyPrefix = []byte("gc/")

// OpenArchive opens or creates the store in dir. With durable set every Write
// is synced before it returns.
func OpenArchive(dir string, durable bool) (*Archive, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("gctrace: open archive %s: %w", dir, err)
	}
	a := &Archive{db: db, sync: pebble.NoSync}
	if durable {
		a.sync = pebble.Sync
	}
	return a, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) Write(rec Record) error {
	val, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("gctrace: encode record: %w", err)
	}
	if err := a.db.Set(keyFor(rec.ProcessID(), rec.Sequence), val, a.sync); err != nil {
		return fmt.Errorf("gctrace: archive record: %w", err)
	}
	return nil
}

// Get returns the record of collection seq of process pid.
func (a *Archive) Get(pid uuid.UUID, seq uint64) (Record, error) {
	val, closer, err := a.db.Get(keyFor(pid, seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(val)
}

// Scan calls fn for each record of process pid in sequence order. A nil pid
// scans every process. Scanning stops at the first error fn returns.
func (a *Archive) Scan(pid uuid.UUID, fn func(Record) error) error {
	lower := keyPrefix
	if pid != uuid.Nil {
		lower = processPrefix(pid)
	}
	upper := append(bytes.Clone(lower[:len(lower)-1]), lower[len(lower)-1]+1)

	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return fmt.Errorf("gctrace: key %q: %w", iter.Key(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Records returns every archived record, grouped by process.
func (a *Archive) Records() ([]Record, error) {
	var out []Record
	err := a.Scan(uuid.Nil, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func processPrefix(pid uuid.UUID) []byte {
	k := make([]byte, 0, len(keyPrefix)+33)
	k = append(k, keyPrefix...)
	k = hex.AppendEncode(k, pid[:])
	return append(k, '/')
}

// The sequence is big endian so that byte order matches numeric order.
func keyFor(pid uuid.UUID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(processPrefix(pid), seq)
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) == 0 {
		return Record{}, errors.New("empty record")
	}
	var rec Record
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
