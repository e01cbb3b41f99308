package adslot

import (
	"time"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/sched"
)

// Status is a point-in-time view of the runtime, republished after every
// scheduler task.
type Status struct {
	Session     string        `json:"session"`
	AdsEnabled  bool          `json:"ads_enabled"`
	LoaderState string        `json:"loader_state"`
	Pending     int           `json:"pending_callbacks"`
	Slots       []adnet.Slot  `json:"slots"`
	Refreshes   int           `json:"refreshes"`
	Loader      LoaderStats   `json:"loader"`
	Registry    RegistryStats `json:"registry"`
	Path        string        `json:"path"`
	ShowAds     bool          `json:"show_ads"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Status returns the latest published status. Path and ShowAds reflect the
// current snapshot at call time.
func (r *Runtime) Status() Status {
	st := *r.status.Load()
	st.Slots = append([]adnet.Slot(nil), st.Slots...)
	root := r.snapshot.Load()
	st.Path = root.Deepest().Path()
	st.ShowAds = r.ShowAds()
	return st
}

// publish runs on the scheduler goroutine (or in New, before it starts).
func (r *Runtime) publish() {
	st := &Status{
		Session:     r.session,
		AdsEnabled:  r.gate.Enabled(),
		LoaderState: r.loader.State().String(),
		Pending:     r.loader.Pending(),
		Slots:       r.registry.Slots(),
		Refreshes:   r.refreshes,
		Loader:      r.loader.Stats(),
		Registry:    r.registry.Stats(),
		UpdatedAt:   r.s.Now(),
	}
	r.status.Store(st)
}

// publishing runs after on the scheduler goroutine once each task returns.
type publishing struct {
	sched.Scheduler
	after func()
}

func (p publishing) Post(t sched.Task) {
	if t == nil {
		return
	}
	p.Scheduler.Post(func() {
		defer p.after()
		t()
	})
}

func (p publishing) AfterFunc(d time.Duration, t sched.Task) sched.Timer {
	return p.Scheduler.AfterFunc(d, func() {
		defer p.after()
		t()
	})
}

// publishingDocument publishes after script load outcomes, which the
// document delivers through its own scheduler reference.
type publishingDocument struct {
	adnet.Document
	after func()
}

func (d publishingDocument) LoadScript(e adnet.Element, done func(error)) error {
	return d.Document.LoadScript(e, func(err error) {
		defer d.after()
		done(err)
	})
}

// publishingNamespace publishes after callbacks the library invokes.
type publishingNamespace struct {
	adnet.Namespace
	after func()
}

func (n publishingNamespace) Push(fn func()) {
	n.Namespace.Push(func() {
		defer n.after()
		fn()
	})
}

func (n publishingNamespace) SetInitCallback(fn func()) {
	n.Namespace.SetInitCallback(func() {
		defer n.after()
		fn()
	})
}
