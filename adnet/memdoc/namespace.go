package memdoc

import (
	"github.com/hazyhaar/adslot/adnet"
)

// Namespace records every interaction with the ad library global. Until
// Install is called it behaves like the stub the runtime creates: newAdSlots
// is a placeholder and queued callbacks wait.
type Namespace struct {
	exists       bool
	defined      bool
	queue        []func()
	enabledSlots []adnet.Slot
	initCallback func()

	// NewAdSlotsErr, when set, is returned by NewAdSlots.
	NewAdSlotsErr error
	// Activations holds a copy of every batch passed to NewAdSlots.
	Activations [][]adnet.Slot
	// StubCalls counts NewAdSlots calls made while the stub was in place.
	StubCalls int
}

// NewNamespace returns an absent namespace.
func NewNamespace() *Namespace { return &Namespace{} }

// Ensure implements adnet.Namespace.
func (n *Namespace) Ensure() { n.exists = true }

// Exists reports whether Ensure has created the namespace object.
func (n *Namespace) Exists() bool { return n.exists }

// Defined implements adnet.Namespace.
func (n *Namespace) Defined() bool { return n.defined }

// IsStub implements adnet.Namespace.
func (n *Namespace) IsStub() bool { return !n.defined }

// Push implements adnet.Namespace. Once the library is installed the
// callback runs immediately, as the real queue does.
func (n *Namespace) Push(fn func()) {
	n.exists = true
	if n.defined {
		fn()
		return
	}
	n.queue = append(n.queue, fn)
}

// SetEnabledSlots implements adnet.Namespace.
func (n *Namespace) SetEnabledSlots(slots []adnet.Slot) {
	n.exists = true
	n.enabledSlots = append([]adnet.Slot(nil), slots...)
}

// EnabledSlots returns the last value written to config.enabled_slots.
func (n *Namespace) EnabledSlots() []adnet.Slot {
	return append([]adnet.Slot(nil), n.enabledSlots...)
}

// SetInitCallback implements adnet.Namespace.
func (n *Namespace) SetInitCallback(fn func()) {
	n.exists = true
	n.initCallback = fn
}

// NewAdSlots implements adnet.Namespace.
func (n *Namespace) NewAdSlots(slots []adnet.Slot) error {
	if !n.defined {
		n.StubCalls++
		return nil
	}
	n.Activations = append(n.Activations, append([]adnet.Slot(nil), slots...))
	return n.NewAdSlotsErr
}

// ClearQueue implements adnet.Namespace.
func (n *Namespace) ClearQueue() { n.queue = n.queue[:0] }

// QueueLen returns the number of callbacks waiting for the library.
func (n *Namespace) QueueLen() int { return len(n.queue) }

// Install simulates the library script finishing its initialisation: the
// real API replaces the stub, queued callbacks run in order, then the init
// callback fires.
func (n *Namespace) Install() {
	n.exists = true
	n.defined = true
	q := n.queue
	n.queue = nil
	for _, fn := range q {
		fn()
	}
	if n.initCallback != nil {
		n.initCallback()
	}
}

// RefreshingNamespace is a Namespace whose library exposes a refresh entry
// point.
type RefreshingNamespace struct {
	*Namespace
	Refreshes  int
	RefreshErr error
}

// NewRefreshingNamespace returns an absent namespace implementing
// adnet.Refresher.
func NewRefreshingNamespace() *RefreshingNamespace {
	return &RefreshingNamespace{Namespace: NewNamespace()}
}

// RefreshSlots implements adnet.Refresher.
func (r *RefreshingNamespace) RefreshSlots() error {
	r.Refreshes++
	return r.RefreshErr
}

// TagManager is a recording pubads() stand-in.
type TagManager struct {
	ready bool
	// Probes counts calls to Ready.
	Probes int
	// ReadyAfter makes Ready report true from the Nth probe on (1-based).
	// Zero leaves readiness to MakeReady.
	ReadyAfter int
	// SetErr, when set, is returned by Set.
	SetErr error
	Values map[string]string
}

// NewTagManager returns a tag manager that is not ready.
func NewTagManager() *TagManager {
	return &TagManager{Values: make(map[string]string)}
}

// MakeReady flips the API to callable.
func (t *TagManager) MakeReady() { t.ready = true }

// Ready implements adnet.TagManager.
func (t *TagManager) Ready() bool {
	t.Probes++
	if t.ReadyAfter > 0 && t.Probes >= t.ReadyAfter {
		t.ready = true
	}
	return t.ready
}

// Set implements adnet.TagManager.
func (t *TagManager) Set(key, value string) error {
	if t.SetErr != nil {
		return t.SetErr
	}
	t.Values[key] = value
	return nil
}
