package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRing_Basic(t *testing.T) {
	r := newRing[int](3)
	if r.capacity() != 4 {
		t.Fatalf("capacity %d, want 4", r.capacity())
	}
	for i := 0; i < 4; i++ {
		if !r.push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	if r.push(4) {
		t.Fatal("push into a full ring succeeded")
	}
	for i := 0; i < 4; i++ {
		if v, ok := r.pop(); !ok || v != i {
			t.Fatalf("pop = %d, %v; want %d", v, ok, i)
		}
	}
	if _, ok := r.pop(); ok {
		t.Fatal("expected empty")
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := newRing[int](1024)
	const producers, perProducer = 4, 5000
	var consumed atomic.Int64
	var sum atomic.Int64

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.push(id*perProducer + i) {
				}
			}
		}(p)
	}

	done := make(chan struct{})
	var consumers sync.WaitGroup
	consumers.Add(4)
	for c := 0; c < 4; c++ {
		go func() {
			defer consumers.Done()
			for {
				if v, ok := r.pop(); ok {
					sum.Add(int64(v))
					consumed.Add(1)
					continue
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	for consumed.Load() < producers*perProducer {
		time.Sleep(time.Millisecond)
	}
	close(done)
	consumers.Wait()

	n := int64(producers * perProducer)
	if want := n * (n - 1) / 2; sum.Load() != want {
		t.Fatalf("sum %d, want %d", sum.Load(), want)
	}
}

func TestQueue(t *testing.T) {
	t.Run("PopIsFIFO", func(t *testing.T) {
		q := NewQueue[int]()
		for i := 0; i < 100; i++ {
			q.Push(i)
		}
		for i := 0; i < 100; i++ {
			if v, ok := q.Pop(); !ok || v != i {
				t.Fatalf("pop = %d, %v; want %d", v, ok, i)
			}
		}
		if _, ok := q.Pop(); ok || q.Len() != 0 {
			t.Fatal("expected empty queue")
		}
	})

	t.Run("StealTakesNewest", func(t *testing.T) {
		q := NewQueue[int]()
		q.PushAll([]int{1, 2, 3})
		if v, ok := q.Steal(); !ok || v != 3 {
			t.Fatalf("steal = %d, %v", v, ok)
		}
		if v, _ := q.Pop(); v != 1 {
			t.Fatalf("pop = %d, want 1", v)
		}
		if v, _ := q.Steal(); v != 2 {
			t.Fatalf("steal = %d, want 2", v)
		}
		if _, ok := q.Steal(); ok {
			t.Fatal("steal from empty queue succeeded")
		}
	})

	t.Run("Drain", func(t *testing.T) {
		q := NewQueue[int]()
		q.PushAll([]int{1, 2, 3})
		q.Pop()
		got := q.Drain()
		if len(got) != 2 || got[0] != 2 || got[1] != 3 || q.Len() != 0 {
			t.Fatalf("drain = %v", got)
		}
	})
}

func TestPoolState_GlobalOverflow(t *testing.T) {
	s := NewPoolState[int](2, 4)
	for i := 0; i < 10; i++ {
		s.PushGlobal(i)
	}
	if s.GlobalLen() != 10 || s.Pending() != 10 {
		t.Fatalf("global %d pending %d, want 10", s.GlobalLen(), s.Pending())
	}
	seen := make(map[int]bool)
	for {
		v, ok := s.PopGlobal()
		if !ok {
			break
		}
		seen[v] = true
	}
	if len(seen) != 10 || s.HasGlobalJobs() {
		t.Fatalf("popped %d distinct jobs, want 10", len(seen))
	}
}

func startWorkers(s *PoolState[int], process func(int)) (*JoinList, []*Worker[int]) {
	var joins JoinList
	workers := make([]*Worker[int], len(s.Queues()))
	for i := range workers {
		workers[i] = NewWorker(i, s, process)
		joins.Spawn(workers[i].Run)
	}
	return &joins, workers
}

func TestWorker_ProcessesEveryJob(t *testing.T) {
	s := NewPoolState[int](4, 64)
	const jobs = 2000

	var mu sync.Mutex
	counts := make(map[int]int)
	var done sync.WaitGroup
	done.Add(jobs)
	joins, workers := startWorkers(s, func(v int) {
		mu.Lock()
		counts[v]++
		mu.Unlock()
		done.Done()
	})

	var submit sync.WaitGroup
	for p := 0; p < 4; p++ {
		submit.Add(1)
		go func(p int) {
			defer submit.Done()
			for i := p; i < jobs; i += 4 {
				s.PushGlobal(i)
			}
		}(p)
	}
	submit.Wait()
	done.Wait()

	s.Terminate()
	joins.Join()

	if len(counts) != jobs {
		t.Fatalf("%d distinct jobs processed, want %d", len(counts), jobs)
	}
	for v, n := range counts {
		if n != 1 {
			t.Fatalf("job %d processed %d times", v, n)
		}
	}
	var total uint64
	for _, w := range workers {
		total += w.Processed()
	}
	if total != jobs || joins.Len() != 4 {
		t.Fatalf("workers processed %d jobs across %d goroutines", total, joins.Len())
	}
}

func TestWorker_Steal(t *testing.T) {
	s := NewPoolState[int](2, 0)
	w := NewWorker(0, s, func(int) {})
	s.Queues()[1].PushAll([]int{7, 8})
	if v, ok := w.steal(); !ok || v != 8 {
		t.Fatalf("steal = %d, %v; want 8", v, ok)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending %d, want 1", s.Pending())
	}
}

func TestWorker_Terminate(t *testing.T) {
	t.Run("WakesParkedWorkers", func(t *testing.T) {
		s := NewPoolState[int](3, 0)
		joins, _ := startWorkers(s, func(int) {})
		time.Sleep(10 * time.Millisecond)

		finished := make(chan struct{})
		go func() {
			joins.Join()
			close(finished)
		}()
		s.Terminate()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("parked workers did not exit after termination")
		}
		if s.IsAlive() {
			t.Fatal("pool still alive")
		}
	})

	t.Run("RunningJobCompletes", func(t *testing.T) {
		s := NewPoolState[int](1, 0)
		started := make(chan struct{})
		release := make(chan struct{})
		var completed atomic.Bool
		joins, _ := startWorkers(s, func(int) {
			close(started)
			<-release
			completed.Store(true)
		})

		s.PushGlobal(1)
		<-started
		s.PushGlobal(2)
		s.Terminate()
		close(release)
		joins.Join()

		if !completed.Load() {
			t.Fatal("in-flight job was interrupted")
		}
		if s.Pending() != 1 {
			t.Fatalf("pending %d after termination, want the one job that never started", s.Pending())
		}
	})
}
