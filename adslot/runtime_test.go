package adslot

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/adnet/memdoc"
	"github.com/hazyhaar/adslot/navtree"
	"github.com/hazyhaar/adslot/sched"
)

const (
	scriptURL = "https://cdn.adnet.example/pub-123/lib.js"
	cssURL    = "https://cdn.adnet.example/pub-123/lib.css"
	canonical = "https://www.example.com"
)

type fixture struct {
	s    *sched.Manual
	doc  *memdoc.Document
	ns   *memdoc.Namespace
	tags *memdoc.TagManager
	rt   *Runtime
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Publisher = PublisherConfig{
		ScriptURL:         scriptURL,
		StylesheetURL:     cssURL,
		PreconnectOrigins: []string{"https://cdn.adnet.example"},
		CanonicalOrigin:   canonical,
	}
	cfg.RouteGroups = map[string]map[string]map[string]string{
		"groups": {"desktop": {"top": "GROUPS_TOP"}},
	}
	return cfg
}

func newFixture(t *testing.T, ns adnet.Namespace) *fixture {
	t.Helper()
	s := sched.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		s:    s,
		doc:  memdoc.NewDocument(canonical, s),
		tags: memdoc.NewTagManager(),
	}
	if ns == nil {
		f.ns = memdoc.NewNamespace()
		ns = f.ns
	}
	rt, err := New(testConfig(), Bindings{Document: f.doc, Namespace: ns, TagManager: f.tags}, WithScheduler(s))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.rt = rt
	return f
}

func messagesTree() *navtree.Node {
	units := adnet.AdUnitsConfig{
		adnet.Desktop: {adnet.PositionTop: "MSG_TOP", adnet.PositionRight: "MSG_RIGHT"},
		adnet.Mobile:  {adnet.PositionBottom: "MSG_BOTTOM_M"},
	}
	return navtree.New(nil, nil,
		navtree.New(map[string]any{"showAds": true, "adUnits": units}, []string{"messages"},
			navtree.New(nil, []string{"compose"})))
}

// loadLibrary completes the script load and installs the library API.
func (f *fixture) loadLibrary(t *testing.T) {
	t.Helper()
	if !f.doc.FireLoad(scriptURL) {
		t.Fatal("no script load pending")
	}
	f.s.RunPending()
	f.ns.Install()
	f.s.Advance(time.Second)
}

func TestNew_RequiresBindings(t *testing.T) {
	if _, err := New(testConfig(), Bindings{}); err == nil {
		t.Fatal("New without bindings: want error")
	}
	s := sched.NewManual(time.Now())
	cfg := testConfig()
	cfg.Publisher.ScriptURL = ""
	_, err := New(cfg, Bindings{Document: memdoc.NewDocument(canonical, s), Namespace: memdoc.NewNamespace()})
	if err == nil {
		t.Fatal("New without script url: want error")
	}
}

func TestResolveOnRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())

	if !f.rt.ShowAds() {
		t.Error("ShowAds: want true on messages route")
	}
	if got := f.rt.Placement(adnet.PositionTop, adnet.Desktop); got != "MSG_TOP" {
		t.Errorf("Placement top/desktop: got %q", got)
	}
	if got := f.rt.Placement(adnet.PositionTop, adnet.Mobile); got != "" {
		t.Errorf("Placement top/mobile: got %q, want empty", got)
	}

	f.rt.Navigate(navtree.New(nil, nil, navtree.New(nil, []string{"groups"})))
	if f.rt.ShowAds() {
		t.Error("ShowAds: want false without a flag")
	}
	if got := f.rt.Placement(adnet.PositionTop, adnet.Desktop); got != "GROUPS_TOP" {
		t.Errorf("Placement from route groups: got %q", got)
	}

	f.rt.SetRouteGroups(adnet.RouteGroupTable{"groups": {adnet.Desktop: {adnet.PositionTop: "NEW"}}})
	if got := f.rt.Placement(adnet.PositionTop, adnet.Desktop); got != "NEW" {
		t.Errorf("Placement after SetRouteGroups: got %q", got)
	}
}

func TestBurstProducesOneFlush(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())

	for i := 0; i < 5; i++ {
		f.rt.Register("MSG_TOP", adnet.SlotID("MSG_TOP", time.UnixMilli(int64(1000+i))))
		f.s.RunPending()
		f.s.Advance(5 * time.Millisecond)
	}
	if f.doc.Fetches() != 1 {
		t.Fatalf("Fetches: got %d, want 1", f.doc.Fetches())
	}
	f.loadLibrary(t)

	if len(f.ns.Activations) != 1 {
		t.Fatalf("Activations: got %d, want 1", len(f.ns.Activations))
	}
	if n := len(f.ns.Activations[0]); n != 5 {
		t.Fatalf("batch size: got %d, want 5", n)
	}
	if got := len(f.ns.EnabledSlots()); got != 5 {
		t.Fatalf("config.enabled_slots: got %d", got)
	}
	st := f.rt.Status()
	if st.LoaderState != "loaded" || len(st.Slots) != 5 || st.Registry.Flushes != 1 {
		t.Fatalf("Status: %+v", st)
	}
}

func TestDuplicateSlotIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Register("P", "P_1")
	f.rt.Register("P", "P_1")
	f.s.RunPending()
	if got := len(f.rt.Status().Slots); got != 1 {
		t.Fatalf("Slots: got %d, want 1", got)
	}
}

func TestMount(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())

	slot, ok := f.rt.Mount(adnet.PositionRight, adnet.Desktop)
	if !ok {
		t.Fatal("Mount: want ok")
	}
	if slot.PlacementName != "MSG_RIGHT" || !adnet.SamePlacement(slot.SlotID, "MSG_RIGHT") {
		t.Fatalf("Mount: got %+v", slot)
	}
	again, _ := f.rt.Mount(adnet.PositionRight, adnet.Desktop)
	if again.SlotID == slot.SlotID {
		t.Fatal("Mount: slot ids must differ")
	}
	if _, ok := f.rt.Mount(adnet.PositionBottom, adnet.Desktop); ok {
		t.Fatal("Mount: want false without placement")
	}
	f.s.RunPending()
	if got := len(f.rt.Status().Slots); got != 2 {
		t.Fatalf("Slots: got %d, want 2", got)
	}

	f.rt.Release(slot.SlotID)
	f.s.RunPending()
	if got := f.rt.Status().Slots; len(got) != 1 || got[0].SlotID != again.SlotID {
		t.Fatalf("Slots after Release: %+v", got)
	}
}

func TestDisableTearsDownAndReenableReloads(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())
	f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.loadLibrary(t)

	f.rt.SetAdsEnabled(false)
	f.s.RunPending()

	st := f.rt.Status()
	if st.AdsEnabled || len(st.Slots) != 0 || st.LoaderState != "not_loaded" {
		t.Fatalf("Status after disable: %+v", st)
	}
	for _, m := range []adnet.Match{
		{Tag: "script", Attrs: map[string]string{"src": scriptURL}},
		{Tag: "link", Attrs: map[string]string{"href": cssURL}},
		{Tag: "link", Attrs: map[string]string{"rel": "preconnect"}},
	} {
		if n := f.doc.Count(m); n != 0 {
			t.Errorf("element %+v survived disable (%d)", m, n)
		}
	}
	if f.rt.Placement(adnet.PositionTop, adnet.Desktop) != "" {
		t.Error("Placement: want empty while disabled")
	}
	if _, ok := f.rt.Mount(adnet.PositionTop, adnet.Desktop); ok {
		t.Error("Mount: want false while disabled")
	}
	f.rt.Register("MSG_TOP", "MSG_TOP_9")
	f.s.RunPending()
	if f.doc.Fetches() != 1 || len(f.rt.Status().Slots) != 0 {
		t.Fatal("registration while disabled must not load or register")
	}

	f.rt.SetAdsEnabled(false)
	f.s.RunPending()
	if got := f.rt.Status().Loader.Cleanups; got != 1 {
		t.Fatalf("Cleanups: got %d, want 1 (redundant disable)", got)
	}

	f.rt.SetAdsEnabled(true)
	f.s.RunPending()
	if _, ok := f.rt.Mount(adnet.PositionTop, adnet.Desktop); !ok {
		t.Fatal("Mount after re-enable: want ok")
	}
	f.s.RunPending()
	if f.doc.Fetches() != 2 {
		t.Fatalf("Fetches after re-enable: got %d, want 2", f.doc.Fetches())
	}
	if st := f.rt.Status(); st.LoaderState != "loading" || len(st.Slots) != 1 {
		t.Fatalf("Status after re-enable: %+v", st)
	}
}

func TestRefresh_UsesLibraryRefresh(t *testing.T) {
	rns := memdoc.NewRefreshingNamespace()
	f := newFixture(t, rns)
	f.ns = rns.Namespace
	f.rt.Navigate(messagesTree())
	f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.loadLibrary(t)

	f.rt.Refresh()
	f.s.RunPending()
	if rns.Refreshes != 1 {
		t.Fatalf("Refreshes: got %d, want 1", rns.Refreshes)
	}
	if got := f.rt.Status().Refreshes; got != 1 {
		t.Fatalf("Status.Refreshes: got %d", got)
	}
	if len(rns.Activations) != 1 {
		t.Fatalf("Activations: got %d, want 1 (no rebatch)", len(rns.Activations))
	}
}

func TestRefresh_FallsBackToRebatch(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())
	f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.loadLibrary(t)

	f.rt.Refresh()
	f.s.Advance(time.Second)
	if len(f.ns.Activations) != 2 {
		t.Fatalf("Activations: got %d, want 2", len(f.ns.Activations))
	}
}

func TestFlushBeforeLibraryReady_QueuedInLibrary(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())
	slot, _ := f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.doc.FireLoad(scriptURL)
	f.s.Advance(time.Second)

	if got := f.ns.QueueLen(); got != 1 {
		t.Fatalf("library queue: got %d, want 1", got)
	}
	if len(f.ns.Activations) != 0 {
		t.Fatal("activated before the library installed")
	}

	f.ns.Install()
	if len(f.ns.Activations) != 1 || f.ns.Activations[0][0] != slot {
		t.Fatalf("Activations after install: %v", f.ns.Activations)
	}
}

func TestReleaseAll_ClearsLibrarySlots(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Navigate(messagesTree())
	slot, _ := f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.loadLibrary(t)
	if got := f.ns.EnabledSlots(); len(got) != 1 {
		t.Fatalf("config.enabled_slots: %v", got)
	}

	f.rt.Release(slot.SlotID)
	f.rt.Refresh()
	f.s.Advance(time.Second)
	if got := f.ns.EnabledSlots(); len(got) != 0 {
		t.Fatalf("config.enabled_slots after releasing every slot: %v", got)
	}
}

func TestRefresh_WaitsForLibraryAPI(t *testing.T) {
	rns := memdoc.NewRefreshingNamespace()
	f := newFixture(t, rns)
	f.rt.Navigate(messagesTree())
	f.rt.Mount(adnet.PositionTop, adnet.Desktop)
	f.s.RunPending()
	f.doc.FireLoad(scriptURL)
	f.s.RunPending()

	f.rt.Refresh()
	f.s.Advance(300 * time.Millisecond)
	if rns.Refreshes != 0 {
		t.Fatal("refreshed before the library defined its API")
	}
	rns.Install()
	f.s.Advance(200 * time.Millisecond)
	if rns.Refreshes != 1 {
		t.Fatalf("Refreshes: got %d, want 1", rns.Refreshes)
	}
}

func TestPageURLOverride(t *testing.T) {
	s := sched.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	doc := memdoc.NewDocument("https://preview.example.net", s)
	ns := memdoc.NewNamespace()
	tags := memdoc.NewTagManager()
	tags.ReadyAfter = 3
	rt, err := New(testConfig(), Bindings{Document: doc, Namespace: ns, TagManager: tags}, WithScheduler(s))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rt.Register("P", "P_1")
	s.RunPending()
	doc.FireLoad(scriptURL)
	s.Advance(time.Second)

	if got := tags.Values["page_url"]; got != canonical {
		t.Fatalf("page_url: got %q, want %q", got, canonical)
	}
}

func TestRun_OwnedLoop(t *testing.T) {
	doc := memdoc.NewDocument(canonical, nil)
	ns := memdoc.NewNamespace()
	rt, err := New(testConfig(), Bindings{Document: doc, Namespace: ns})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	rt.Register("P", "P_1")
	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	var n int
	if err := rt.Call(callCtx, func() { n = len(rt.registry.Slots()) }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n != 1 {
		t.Fatalf("slots: got %d, want 1", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
