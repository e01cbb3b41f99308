// Package sched provides the cooperative execution model of the ad runtime.
//
// All orchestration state (loader, slot registry, policy gate) is owned by a
// single goroutine. Timers and callbacks coming from the outside world never
// touch that state directly: they post a Task and the owning goroutine runs it
// in order. Components written against Scheduler therefore need no locks.
package sched

import "time"

// Task is a unit of work run on the scheduler goroutine.
type Task func()

// Timer is a handle on a task scheduled with AfterFunc.
type Timer interface {
	// Stop prevents the task from running. It returns false if the task
	// already ran or was already stopped.
	Stop() bool
}

// Scheduler serialises tasks onto one logical thread of control.
type Scheduler interface {
	// Post queues t to run after every task posted before it.
	Post(t Task)
	// AfterFunc runs t on the scheduler once d has elapsed.
	AfterFunc(d time.Duration, t Task) Timer
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}
