package scheduler

import "sync"

// JoinList tracks a group of spawned worker goroutines.
type JoinList struct {
	wg    sync.WaitGroup
	count int
}

// Spawn runs fn on a new goroutine tracked by the list.
func (j *JoinList) Spawn(fn func()) {
	j.count++
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		fn()
	}()
}

// Len returns the number of goroutines spawned.
func (j *JoinList) Len() int { return j.count }

// Join blocks until every spawned goroutine has returned.
func (j *JoinList) Join() { j.wg.Wait() }
