// Package scheduler implements spec.md §4.E: a small pool of workers that
// cooperatively advances Read Tasks, sleeping until the nearest task's wake
// time and honoring each task's iterator-timeout backoff as an advisory
// hint rather than an error.
package scheduler

import (
	"container/heap"
	"sync"

	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/logging"
	"github.com/mailgun/kafka-rest-proxy/internal/readtask"
)

var log = logging.ForComponent("scheduler")

// T is a pool of workers multiplexing many Read Tasks over a bounded
// concurrency budget (spec.md §2 row E: "limited pool of broker
// connections").
type T struct {
	workers int
	clk     clock.Clock

	submitCh chan *readtask.Task
	resultCh chan *readtask.Task
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler with the given worker concurrency and starts its
// dispatch loop. clk is the same Clock wired into the Read Tasks it
// dispatches (spec.md §4.A's sleep primitive), so a Virtual clock in tests
// drives both the task's stop conditions and the scheduler's own wait
// without ever touching the wall clock.
func New(workers int, clk clock.Clock) *T {
	if workers <= 0 {
		workers = 1
	}
	s := &T{
		workers:  workers,
		clk:      clk,
		submitCh: make(chan *readtask.Task, 256),
		resultCh: make(chan *readtask.Task, 256),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Submit enqueues a Read Task for advancement. The task must not be
// already Finished (spec.md §4.F callers check this before submitting).
func (s *T) Submit(task *readtask.Task) {
	s.submitCh <- task
}

// Stop halts the dispatch loop. In-flight DoPartialRead steps are allowed
// to complete; tasks still waiting are simply dropped, since the Manager
// Facade only calls Stop on full proxy shutdown.
func (s *T) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// dispatch is the scheduler's single coordinating goroutine. It owns the
// ready queue (FIFO-of-ready, spec.md §4.E fairness rule) and a min-heap of
// sleeping tasks ordered by WaitExpiration, and hands ready tasks to
// ephemeral worker goroutines bounded by s.workers concurrently in flight.
func (s *T) dispatch() {
	defer s.wg.Done()

	var ready []*readtask.Task
	sleeping := &waitHeap{}
	heap.Init(sleeping)
	inFlight := 0

	for {
		now := s.clk.NowMs()
		for sleeping.Len() > 0 && (*sleeping)[0].WaitExpiration() <= now {
			ready = append(ready, heap.Pop(sleeping).(*readtask.Task))
		}

		for i := 0; i < len(ready) && inFlight < s.workers; {
			task := ready[i]
			if task.TopicInUse() {
				// Another task currently holds the iterator for this
				// topic; skip and try the next ready task, per spec.md
				// §4.E's fairness/exclusivity rule.
				i++
				continue
			}
			ready = append(ready[:i], ready[i+1:]...)
			inFlight++
			go s.runStep(task)
		}

		var wakeCh <-chan struct{}
		if sleeping.Len() > 0 {
			wait := (*sleeping)[0].WaitExpiration() - now
			if wait < 0 {
				wait = 0
			}
			wakeCh = s.sleepFor(wait)
		}

		select {
		case task := <-s.submitCh:
			ready = append(ready, task)
		case task := <-s.resultCh:
			inFlight--
			if !task.Finished() {
				heap.Push(sleeping, task)
			}
		case <-wakeCh:
			// loop around; due sleeping tasks move to ready at the top.
		case <-s.stopCh:
			return
		}
	}
}

// sleepFor returns a channel that fires once s.clk has slept d milliseconds,
// using the same Clock the tasks being scheduled are built on (spec.md
// §4.A). Against clock.Real this blocks the returned goroutine for d
// milliseconds; against a clock.Virtual in tests it returns immediately
// after advancing the virtual clock, so a test never waits on real time for
// the scheduler's own backoff.
func (s *T) sleepFor(d int64) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		s.clk.SleepMs(d)
		ch <- struct{}{}
	}()
	return ch
}

func (s *T) runStep(task *readtask.Task) {
	backoff := task.DoPartialRead()
	if backoff {
		log.Debug("task hit iterator backoff")
	}
	s.resultCh <- task
}

// waitHeap orders Read Tasks by WaitExpiration, implementing
// container/heap.Interface.
type waitHeap []*readtask.Task

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	return h[i].WaitExpiration() < h[j].WaitExpiration()
}
func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x interface{}) {
	*h = append(*h, x.(*readtask.Task))
}

func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
