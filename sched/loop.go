package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopRunning is returned when Run is called on a loop that is already running.
var ErrLoopRunning = errors.New("sched: loop is already running")

// Loop is the production Scheduler. Tasks are queued without bound so that a
// task posting from inside the loop can never deadlock, and are executed in
// FIFO order by the goroutine that calls Run.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	stopped bool

	wake    chan struct{}
	running atomic.Bool
	logger  *slog.Logger
}

// NewLoop creates a Loop. Call Run to start executing tasks.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post queues t. Posting after Run has returned is a silent no-op.
func (l *Loop) Post(t Task) {
	if t == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc schedules t to be posted onto the loop after d.
func (l *Loop) AfterFunc(d time.Duration, t Task) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.state.CompareAndSwap(timerPending, timerFired) {
				t()
			}
		})
	})
	return lt
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time { return time.Now() }

// Run executes tasks until ctx is cancelled. Pending tasks are discarded on
// exit and later posts are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	l.logger.Debug("sched: loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("sched: loop stopped")
			return nil
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			l.exec(t)
		}
	}
}

func (l *Loop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("sched: task panicked", "panic", r)
		}
	}()
	t()
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	t     *time.Timer
	state atomic.Int32
}

func (lt *loopTimer) Stop() bool {
	if !lt.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	lt.t.Stop()
	return true
}
