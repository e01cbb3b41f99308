package sched

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_PostRunsInOrder(t *testing.T) {
	m := NewManual(epoch)
	var got []int
	m.Post(func() { got = append(got, 1) })
	m.Post(func() {
		got = append(got, 2)
		m.Post(func() { got = append(got, 4) })
	})
	m.Post(func() { got = append(got, 3) })

	if n := m.RunPending(); n != 4 {
		t.Fatalf("RunPending: got %d, want 4", n)
	}
	want := []int{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestManual_AdvanceFiresDueTimers(t *testing.T) {
	m := NewManual(epoch)
	var fired []string
	m.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "b") })
	m.AfterFunc(50*time.Millisecond, func() { fired = append(fired, "a") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "c") })

	m.Advance(100 * time.Millisecond)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired: got %v, want [a b]", fired)
	}
	if !m.Now().Equal(epoch.Add(100 * time.Millisecond)) {
		t.Errorf("Now: got %v", m.Now())
	}
	if m.ActiveTimers() != 1 {
		t.Errorf("ActiveTimers: got %d, want 1", m.ActiveTimers())
	}
}

func TestManual_StopPreventsRun(t *testing.T) {
	m := NewManual(epoch)
	ran := false
	tm := m.AfterFunc(10*time.Millisecond, func() { ran = true })
	if !tm.Stop() {
		t.Fatal("first Stop should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	m.Advance(time.Second)
	if ran {
		t.Fatal("stopped timer ran")
	}
}

func TestManual_TimerScheduledFromTimer(t *testing.T) {
	m := NewManual(epoch)
	var at []time.Duration
	m.AfterFunc(10*time.Millisecond, func() {
		at = append(at, m.Now().Sub(epoch))
		m.AfterFunc(10*time.Millisecond, func() {
			at = append(at, m.Now().Sub(epoch))
		})
	})
	m.Advance(50 * time.Millisecond)
	if len(at) != 2 || at[0] != 10*time.Millisecond || at[1] != 20*time.Millisecond {
		t.Fatalf("fire times: got %v", at)
	}
}

func TestManual_PanicIsRecovered(t *testing.T) {
	m := NewManual(epoch)
	after := false
	m.Post(func() { panic("boom") })
	m.Post(func() { after = true })
	m.RunPending()
	if !after {
		t.Fatal("task after panic did not run")
	}
}
