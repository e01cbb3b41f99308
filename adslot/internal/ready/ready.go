// Package ready waits, with a bounded retry budget, for an external
// asynchronous global API to become callable. The dependencies it waits for
// are optional integrations: running out of attempts is a terminal state that
// logs a warning, never an error.
package ready

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/adslot/sched"
)

// State is the lifecycle of a Wait.
type State int

const (
	Waiting State = iota
	Ready
	GaveUp
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case GaveUp:
		return "gave_up"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Budget bounds a wait: at most MaxAttempts probes, Interval apart.
type Budget struct {
	MaxAttempts int
	Interval    time.Duration
}

// Default budgets.
var (
	// TagManagerBudget is about five seconds.
	TagManagerBudget = Budget{MaxAttempts: 50, Interval: 100 * time.Millisecond}
	// ScriptBudget waits for the ad library to define its API.
	ScriptBudget = Budget{MaxAttempts: 100, Interval: 100 * time.Millisecond}
)

func (b Budget) normalised() Budget {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	if b.Interval <= 0 {
		b.Interval = 100 * time.Millisecond
	}
	return b
}

// Wait is one bounded wait. It is owned by the scheduler goroutine.
type Wait struct {
	name      string
	s         sched.Scheduler
	probe     func() bool
	onReady   func()
	budget    Budget
	remaining int
	probes    int
	state     State
	timer     sched.Timer
	logger    *slog.Logger
}

// WaitUntilReady probes immediately. If probe reports true, onReady runs once
// and the wait ends. Otherwise a retry is scheduled every b.Interval until
// b.MaxAttempts probes have been made, after which the wait gives up without
// calling onReady.
func WaitUntilReady(s sched.Scheduler, name string, probe func() bool, onReady func(), b Budget, logger *slog.Logger) *Wait {
	if logger == nil {
		logger = slog.Default()
	}
	b = b.normalised()
	w := &Wait{
		name:      name,
		s:         s,
		probe:     probe,
		onReady:   onReady,
		budget:    b,
		remaining: b.MaxAttempts,
		logger:    logger,
	}
	w.attempt()
	return w
}

func (w *Wait) attempt() {
	if w.state != Waiting {
		return
	}
	w.timer = nil
	w.probes++

	if w.check() {
		w.state = Ready
		w.logger.Debug("ready: api available", "name", w.name, "probes", w.probes)
		w.fire()
		return
	}

	w.remaining--
	if w.remaining <= 0 {
		w.state = GaveUp
		w.logger.Warn("ready: gave up waiting for api",
			"name", w.name, "attempts", w.probes,
			"budget", time.Duration(w.budget.MaxAttempts)*w.budget.Interval)
		return
	}
	w.timer = w.s.AfterFunc(w.budget.Interval, w.attempt)
}

func (w *Wait) check() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("ready: probe panicked", "name", w.name, "panic", r)
			ok = false
		}
	}()
	return w.probe()
}

func (w *Wait) fire() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ready: onReady panicked", "name", w.name, "panic", r)
		}
	}()
	if w.onReady != nil {
		w.onReady()
	}
}

// Cancel abandons a pending wait. It has no effect once the wait ended.
func (w *Wait) Cancel() {
	if w == nil || w.state != Waiting {
		return
	}
	w.state = Cancelled
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// State returns the current lifecycle state.
func (w *Wait) State() State { return w.state }

// Probes returns how many times the probe ran.
func (w *Wait) Probes() int { return w.probes }
