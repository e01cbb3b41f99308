package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, cancel
}

func TestLoop_RunsPostedTasksInOrder(t *testing.T) {
	l, _ := startLoop(t)

	done := make(chan []int, 1)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { done <- got })

	select {
	case res := <-done:
		for i, v := range res {
			if v != i {
				t.Fatalf("order: index %d got %d", i, v)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tasks")
	}
}

func TestLoop_AfterFuncRunsOnLoop(t *testing.T) {
	l, _ := startLoop(t)

	done := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoop_StoppedTimerNeverRuns(t *testing.T) {
	l, _ := startLoop(t)

	var ran atomic.Bool
	tm := l.AfterFunc(20*time.Millisecond, func() { ran.Store(true) })
	if !tm.Stop() {
		t.Fatal("Stop: got false on pending timer")
	}

	time.Sleep(60 * time.Millisecond)
	if ran.Load() {
		t.Fatal("stopped timer ran")
	}
}

func TestLoop_SecondRunRejected(t *testing.T) {
	l, _ := startLoop(t)

	ready := make(chan struct{})
	l.Post(func() { close(ready) })
	<-ready

	if err := l.Run(context.Background()); err != ErrLoopRunning {
		t.Fatalf("second Run: got %v, want ErrLoopRunning", err)
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l, _ := startLoop(t)

	done := make(chan struct{})
	l.Post(func() { panic("boom") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after panic")
	}
}
