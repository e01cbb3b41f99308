package adnet

import "errors"

// ErrNoRefresh is returned by RefreshSlots when the library has no refresh
// entry point; callers fall back to re-activating every slot.
var ErrNoRefresh = errors.New("adnet: library has no refresh entry point")

// Element describes a node the loader injects into the document head.
type Element struct {
	Tag   string
	Attrs map[string]string
}

// Attr returns the value of attribute name, or "".
func (e Element) Attr(name string) string { return e.Attrs[name] }

// Match selects elements by tag and a set of attribute values that must all
// be equal. An empty Tag matches any tag.
type Match struct {
	Tag   string
	Attrs map[string]string
}

// Matches reports whether e satisfies m.
func (m Match) Matches(e Element) bool {
	if m.Tag != "" && m.Tag != e.Tag {
		return false
	}
	for k, v := range m.Attrs {
		got, ok := e.Attrs[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// MarkerAttr tags every element injected by the runtime so cleanup can find
// them without guessing.
const MarkerAttr = "data-adslot"

// Document is the host page the loader injects resources into.
type Document interface {
	// Origin returns the scheme://host[:port] the page is served from.
	Origin() string
	// Has reports whether any element matches m.
	Has(m Match) bool
	// Append inserts e at the end of the document head.
	Append(e Element) error
	// LoadScript inserts the script element e and reports the outcome of its
	// load through done: nil on the load event, an error on the error event.
	// done must be delivered through the runtime's scheduler, never
	// synchronously from inside LoadScript.
	LoadScript(e Element, done func(error)) error
	// Remove deletes every element matching m and returns how many went.
	Remove(m Match) int
}

// Namespace is the global object exposed by the external ad library. Before
// the library script runs, Ensure installs a stub with an empty queue and
// config so that callers can push work safely.
type Namespace interface {
	// Ensure creates the namespace stub if it does not exist yet.
	Ensure()
	// Defined reports whether the library has installed its real API.
	Defined() bool
	// IsStub reports whether newAdSlots is still the placeholder.
	IsStub() bool
	// Push appends fn to the library queue; the library runs it once ready.
	Push(fn func())
	// SetEnabledSlots replaces config.enabled_slots.
	SetEnabledSlots(slots []Slot)
	// SetInitCallback installs the zero-arg callback the library invokes once
	// it has initialised.
	SetInitCallback(fn func())
	// NewAdSlots asks the library to activate slots.
	NewAdSlots(slots []Slot) error
	// ClearQueue empties the queue array in place, leaving the namespace
	// object present.
	ClearQueue()
}

// Refresher is implemented by namespaces whose library exposes a refresh
// entry point.
type Refresher interface {
	RefreshSlots() error
}

// TagManager is the optional third-party tag-management API
// (pubads().set(key, value)).
type TagManager interface {
	// Ready reports whether pubads().set is callable.
	Ready() bool
	// Set assigns a page-level key/value.
	Set(key, value string) error
}
