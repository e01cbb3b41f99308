package loader

import (
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/adnet/memdoc"
	"github.com/hazyhaar/adslot/adslot/internal/ready"
	"github.com/hazyhaar/adslot/sched"
)

const (
	scriptURL = "https://cdn.adnet.example/pub-123/lib.js"
	cssURL    = "https://cdn.adnet.example/pub-123/lib.css"
)

var origins = []string{"https://cdn.adnet.example", "https://ads.adnet.example"}

type fixture struct {
	s    *sched.Manual
	doc  *memdoc.Document
	ns   *memdoc.Namespace
	tags *memdoc.TagManager
	l    *Loader
}

func newFixture(t *testing.T, docOrigin string) *fixture {
	t.Helper()
	s := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{
		s:    s,
		doc:  memdoc.NewDocument(docOrigin, s),
		ns:   memdoc.NewNamespace(),
		tags: memdoc.NewTagManager(),
	}
	f.l = New(s, f.doc, f.ns, f.tags, Config{
		ScriptURL:         scriptURL,
		StylesheetURL:     cssURL,
		PreconnectOrigins: origins,
		CanonicalOrigin:   "https://www.example.com",
		LoadTimeout:       5 * time.Second,
		TagManager:        ready.Budget{MaxAttempts: 5, Interval: 100 * time.Millisecond},
	})
	return f
}

func (f *fixture) injected() int {
	return f.doc.Count(adnet.Match{Attrs: map[string]string{adnet.MarkerAttr: "preconnect"}}) +
		f.doc.Count(adnet.Match{Attrs: map[string]string{adnet.MarkerAttr: "stylesheet"}}) +
		f.doc.Count(adnet.Match{Tag: "script"})
}

func TestEnsure_InjectsOnceAndCollapsesCallers(t *testing.T) {
	f := newFixture(t, "https://www.example.com")

	f.l.Ensure()
	f.l.Ensure()
	f.l.Ensure()

	if f.l.State() != Loading {
		t.Fatalf("State: got %s, want loading", f.l.State())
	}
	if f.doc.Fetches() != 1 {
		t.Fatalf("Fetches: got %d, want 1", f.doc.Fetches())
	}
	if got := f.injected(); got != len(origins)+2 {
		t.Fatalf("injected elements: got %d, want %d", got, len(origins)+2)
	}
	if !f.ns.Exists() {
		t.Error("namespace stub not created")
	}
}

func TestEnsure_DoesNotDuplicatePreconnect(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	_ = f.doc.Append(adnet.Element{Tag: "link", Attrs: map[string]string{"rel": "preconnect", "href": origins[0]}})

	f.l.Ensure()
	if got := f.doc.Count(adnet.Match{Tag: "link", Attrs: map[string]string{"rel": "preconnect", "href": origins[0]}}); got != 1 {
		t.Fatalf("preconnect count: got %d, want 1", got)
	}
}

func TestWhenLoaded_DrainsQueueInOrderOnLoad(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	var order []int
	f.l.WhenLoaded(func() { order = append(order, 1) })
	f.l.WhenLoaded(func() { order = append(order, 2) })

	if len(order) != 0 || f.l.Pending() != 2 {
		t.Fatalf("callbacks ran before load: order=%v pending=%d", order, f.l.Pending())
	}
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()

	if f.l.State() != Loaded {
		t.Fatalf("State: got %s, want loaded", f.l.State())
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order: got %v", order)
	}

	ran := false
	f.l.WhenLoaded(func() { ran = true })
	if !ran {
		t.Fatal("WhenLoaded after load should run immediately")
	}
}

func TestEnsure_ScriptAlreadyPresent(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	_ = f.doc.Append(adnet.Element{Tag: "script", Attrs: map[string]string{"src": scriptURL}})

	ran := false
	f.l.WhenLoaded(func() { ran = true })

	if f.l.State() != Loaded {
		t.Fatalf("State: got %s, want loaded", f.l.State())
	}
	if f.doc.Fetches() != 0 {
		t.Fatalf("Fetches: got %d, want 0", f.doc.Fetches())
	}
	if !ran {
		t.Fatal("queue not drained for already-present script")
	}
	if f.l.Stats().AlreadyPresent != 1 {
		t.Errorf("AlreadyPresent: got %d", f.l.Stats().AlreadyPresent)
	}
}

func TestLoadError_IsRetryableAndKeepsQueue(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	ran := false
	f.l.WhenLoaded(func() { ran = true })

	f.doc.FireError(scriptURL, errors.New("net::ERR_BLOCKED_BY_CLIENT"))
	f.s.RunPending()

	if f.l.State() != NotLoaded {
		t.Fatalf("State after error: got %s, want not_loaded", f.l.State())
	}
	if f.doc.Count(adnet.Match{Tag: "script"}) != 0 {
		t.Fatal("failed script tag left in document")
	}
	if ran {
		t.Fatal("callback ran after failed load")
	}

	f.l.Ensure()
	if f.doc.Fetches() != 2 {
		t.Fatalf("Fetches after retry: got %d, want 2", f.doc.Fetches())
	}
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()
	if !ran {
		t.Fatal("queued callback lost across retry")
	}
}

func TestLoadTimeout(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	f.l.Ensure()

	f.s.Advance(5 * time.Second)
	if f.l.State() != NotLoaded {
		t.Fatalf("State after timeout: got %s", f.l.State())
	}
	if f.l.Stats().LoadFailures != 1 {
		t.Errorf("LoadFailures: got %d", f.l.Stats().LoadFailures)
	}

	// A late load event from the abandoned attempt changes nothing.
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()
	if f.l.State() != NotLoaded {
		t.Fatalf("late load revived abandoned attempt: %s", f.l.State())
	}
}

func TestPageURLOverride_CrossOrigin(t *testing.T) {
	f := newFixture(t, "https://preview.example.net")
	f.tags.ReadyAfter = 3

	f.l.Ensure()
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()
	f.s.Advance(time.Second)

	if got := f.tags.Values[PageURLKey]; got != "https://www.example.com" {
		t.Fatalf("page_url: got %q", got)
	}
}

func TestPageURLOverride_SameOriginSkipped(t *testing.T) {
	f := newFixture(t, "https://www.example.com/")
	f.tags.MakeReady()

	f.l.Ensure()
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()

	if _, ok := f.tags.Values[PageURLKey]; ok {
		t.Fatal("page_url set on canonical origin")
	}
	if f.tags.Probes != 0 {
		t.Fatalf("tag manager probed %d times on canonical origin", f.tags.Probes)
	}
}

func TestPageURLOverride_FailureIsSwallowed(t *testing.T) {
	f := newFixture(t, "https://preview.example.net")
	f.tags.MakeReady()
	f.tags.SetErr = errors.New("pubads unavailable")

	f.l.Ensure()
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()

	if f.l.State() != Loaded {
		t.Fatalf("State: got %s", f.l.State())
	}
}

func TestCleanup_RemovesEverythingAndIgnoresStaleLoad(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	f.ns.Push(func() {})
	f.l.WhenLoaded(func() { t.Fatal("queued callback survived cleanup") })

	f.l.Cleanup()

	if f.injected() != 0 {
		t.Fatalf("elements left after cleanup:\n%s", f.doc.HTML())
	}
	if f.l.State() != NotLoaded || f.l.Pending() != 0 {
		t.Fatalf("state=%s pending=%d", f.l.State(), f.l.Pending())
	}
	if f.ns.QueueLen() != 0 {
		t.Fatalf("namespace queue: got %d, want 0", f.ns.QueueLen())
	}
	if !f.ns.Exists() {
		t.Fatal("namespace object removed; it must stay present")
	}

	f.doc.FireLoad(scriptURL)
	f.s.RunPending()
	if f.l.State() != NotLoaded {
		t.Fatalf("stale load event applied after cleanup: %s", f.l.State())
	}
}

func TestCleanup_ThenReloadFromScratch(t *testing.T) {
	f := newFixture(t, "https://www.example.com")
	f.l.Ensure()
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()
	f.l.Cleanup()

	f.l.Ensure()
	if f.l.State() != Loading {
		t.Fatalf("State: got %s, want loading", f.l.State())
	}
	if f.doc.Fetches() != 2 {
		t.Fatalf("Fetches: got %d, want 2", f.doc.Fetches())
	}
	if got := f.injected(); got != len(origins)+2 {
		t.Fatalf("injected after re-arm: got %d", got)
	}
}
