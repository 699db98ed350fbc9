package scheduler

import (
	"runtime"
	"sync/atomic"
)

// ring is a bounded multi-producer multi-consumer ring buffer using per-slot
// sequence numbers (Vyukov). It is the lock-free fast path of the global
// queue.
type ring[T any] struct {
	_    [64]byte
	mask uint64
	_    [56]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
	buf  []ringSlot[T]
}

type ringSlot[T any] struct {
	seq atomic.Uint64
	_   [56]byte
	val T
}

// newRing rounds capacity up to a power of two, with a minimum of two.
func newRing[T any](capacity uint64) *ring[T] {
	size := uint64(2)
	for size < capacity {
		size <<= 1
	}
	r := &ring[T]{mask: size - 1, buf: make([]ringSlot[T], size)}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

func (r *ring[T]) capacity() int { return len(r.buf) }

// push returns false when the ring is full.
func (r *ring[T]) push(v T) bool {
	for {
		pos := r.tail.Load()
		s := &r.buf[pos&r.mask]
		switch dif := int64(s.seq.Load()) - int64(pos); {
		case dif == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// pop returns false when the ring is empty.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	for {
		pos := r.head.Load()
		s := &r.buf[pos&r.mask]
		switch dif := int64(s.seq.Load()) - int64(pos+1); {
		case dif == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + r.mask + 1)
				return v, true
			}
		case dif < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}
