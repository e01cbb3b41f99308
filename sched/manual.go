package sched

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler driven by a virtual clock. Nothing runs
// until the caller invokes RunPending or Advance, which makes debounce and
// retry behaviour testable without sleeping.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []Task
	timers timerHeap
	seq    uint64
	logger *slog.Logger
}

// NewManual creates a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, logger: slog.Default()}
}

// Post queues t until the next RunPending or Advance.
func (m *Manual) Post(t Task) {
	if t == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, t)
	m.mu.Unlock()
}

// AfterFunc schedules t at Now()+d on the virtual clock.
func (m *Manual) AfterFunc(d time.Duration, t Task) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	mt := &manualTimer{when: m.now.Add(d), seq: m.seq, task: t}
	heap.Push(&m.timers, mt)
	return mt
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunPending runs posted tasks, including tasks they post, until the queue
// is empty. It returns the number of tasks run.
func (m *Manual) RunPending() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.exec(t)
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining posted tasks after each one.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.RunPending()
	for {
		m.mu.Lock()
		if len(m.timers) == 0 || m.timers[0].when.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		mt := heap.Pop(&m.timers).(*manualTimer)
		if mt.stopped {
			m.mu.Unlock()
			continue
		}
		mt.fired = true
		if mt.when.After(m.now) {
			m.now = mt.when
		}
		m.mu.Unlock()

		m.exec(mt.task)
		m.RunPending()
	}
}

// ActiveTimers returns the number of timers that are neither fired nor stopped.
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sched: task panicked", "panic", r)
		}
	}()
	t()
}

type manualTimer struct {
	when    time.Time
	seq     uint64
	task    Task
	fired   bool
	stopped bool
}

// Stop is only called from tasks or the test goroutine driving the clock,
// never concurrently with Advance's bookkeeping.
func (mt *manualTimer) Stop() bool {
	if mt.fired || mt.stopped {
		return false
	}
	mt.stopped = true
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*manualTimer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
