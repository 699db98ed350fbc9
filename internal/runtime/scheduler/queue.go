package scheduler

import "sync"

// Queue is a worker-local job deque. The owning worker takes jobs from the
// front in submission order; peers steal from the back.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// PushAll appends jobs in order under a single lock acquisition.
func (q *Queue[T]) PushAll(vs []T) {
	if len(vs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, vs...)
	q.mu.Unlock()
}

// Pop removes the oldest job.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	} else if q.head > 32 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items, q.head = q.items[:n], 0
	}
	return v, true
}

// Steal removes the newest job.
func (q *Queue[T]) Steal() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	n := len(q.items)
	if q.head == n {
		return zero, false
	}
	v := q.items[n-1]
	q.items[n-1] = zero
	q.items = q.items[:n-1]
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	}
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain removes and returns every queued job.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]T(nil), q.items[q.head:]...)
	clear(q.items)
	q.items, q.head = q.items[:0], 0
	return out
}
