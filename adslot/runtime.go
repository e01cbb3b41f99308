// Package adslot orchestrates ad delivery for a host page: it lazily loads
// the ad library once, resolves which placements apply to the current
// navigation snapshot, batches slot registrations against the library's
// asynchronous initialisation, and tears everything down when the ads policy
// is switched off.
//
// Usage:
//
//	rt, err := adslot.New(cfg, adslot.Bindings{Document: doc, Namespace: ns})
//	go rt.Run(ctx)
//	rt.Navigate(snapshot)
//	if rt.ShowAds() {
//		rt.Mount(adnet.PositionTop, adnet.Desktop)
//	}
//
// All orchestration runs on one scheduler goroutine. Runtime methods may be
// called from any goroutine; mutating calls are posted onto the scheduler and
// return before they take effect.
package adslot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/adslot/internal/loader"
	"github.com/hazyhaar/adslot/adslot/internal/metrics"
	"github.com/hazyhaar/adslot/adslot/internal/policy"
	"github.com/hazyhaar/adslot/adslot/internal/ready"
	"github.com/hazyhaar/adslot/adslot/internal/registry"
	"github.com/hazyhaar/adslot/adslot/internal/resolver"
	"github.com/hazyhaar/adslot/adslot/internal/store"
	"github.com/hazyhaar/adslot/idgen"
	"github.com/hazyhaar/adslot/navtree"
	"github.com/hazyhaar/adslot/sched"
)

// Bindings connects the runtime to the outside world. Document and
// Namespace are required; TagManager is optional.
type Bindings struct {
	Document   adnet.Document
	Namespace  adnet.Namespace
	TagManager adnet.TagManager
}

// Option customises New.
type Option func(*options)

type options struct {
	scheduler sched.Scheduler
	logger    *slog.Logger
	registry  *prometheus.Registry
	clock     func() time.Time
}

// WithScheduler runs the runtime on s instead of an owned Loop. Run then
// only waits for its context.
func WithScheduler(s sched.Scheduler) Option { return func(o *options) { o.scheduler = s } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics registers the runtime collectors on reg. Default: a private
// registry, see Runtime.Gatherer.
func WithMetrics(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// WithClock sets the clock used for slot ids. Default: the scheduler clock.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// Runtime is the ad-delivery orchestrator for one page.
type Runtime struct {
	cfg      *Config
	s        sched.Scheduler
	loop     *sched.Loop
	logger   *slog.Logger
	promReg  *prometheus.Registry
	session  string
	slotIDs  *idgen.SlotIDs
	bindings Bindings
	audit    *store.AuditLogger

	gate     *policy.Gate
	loader   *loader.Loader
	registry *registry.Registry
	ns       adnet.Namespace

	snapshot atomic.Pointer[navtree.Node]
	table    atomic.Pointer[adnet.RouteGroupTable]
	status   atomic.Pointer[Status]

	// Owned by the scheduler goroutine.
	initInstalled bool
	apiWait       *ready.Wait
	scriptBudget  ready.Budget
	refreshes     int
}

// New wires a Runtime. A nil cfg uses DefaultConfig.
func New(cfg *Config, b Bindings, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if b.Document == nil || b.Namespace == nil {
		return nil, errors.New("adslot: Document and Namespace bindings are required")
	}
	if cfg.Publisher.ScriptURL == "" {
		return nil, errors.New("adslot: publisher.script_url is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   o.logger,
		promReg:  o.registry,
		session:  idgen.Session(),
		bindings: b,
		scriptBudget: ready.Budget{
			MaxAttempts: cfg.Timings.ScriptRetries,
			Interval:    cfg.Timings.PollInterval,
		},
	}
	inner := o.scheduler
	if inner == nil {
		r.loop = sched.NewLoop(o.logger)
		inner = r.loop
	}
	r.s = publishing{Scheduler: inner, after: r.publish}
	if o.clock == nil {
		o.clock = r.s.Now
	}
	r.slotIDs = idgen.NewSlotIDs(o.clock)

	m := metrics.New(o.registry)
	doc := publishingDocument{Document: b.Document, after: r.publish}
	r.ns = publishingNamespace{Namespace: b.Namespace, after: r.publish}

	r.gate = policy.New(cfg.Enabled(), o.logger, m)
	r.loader = loader.New(r.s, doc, r.ns, b.TagManager, loader.Config{
		ScriptURL:         cfg.Publisher.ScriptURL,
		StylesheetURL:     cfg.Publisher.StylesheetURL,
		PreconnectOrigins: cfg.Publisher.PreconnectOrigins,
		CanonicalOrigin:   cfg.Publisher.CanonicalOrigin,
		LoadTimeout:       cfg.Timings.LoadTimeout,
		TagManager: ready.Budget{
			MaxAttempts: cfg.Timings.TagManagerRetries,
			Interval:    cfg.Timings.PollInterval,
		},
		Logger:  o.logger,
		Metrics: m,
	})
	r.registry = registry.New(r.s, r.gate, r.loader, r.ns, registry.Config{
		Debounce:  cfg.Timings.Debounce,
		StubRetry: cfg.Timings.StubRetry,
		Logger:    o.logger,
		Metrics:   m,
	})

	r.gate.OnDisable(r.teardown)
	r.gate.OnEnable(func() {
		r.logger.Info("adslot: ads enabled, next registration re-arms the loader")
	})

	table := cfg.Table()
	r.table.Store(&table)
	r.publish()
	return r, nil
}

// Run executes scheduled work until ctx ends. With an injected scheduler it
// only waits for ctx.
func (r *Runtime) Run(ctx context.Context) error {
	if r.loop == nil {
		<-ctx.Done()
		return nil
	}
	return r.loop.Run(ctx)
}

// Session returns the id of this runtime instance.
func (r *Runtime) Session() string { return r.session }

// Gatherer exposes the metrics registry.
func (r *Runtime) Gatherer() prometheus.Gatherer { return r.promReg }

// Navigate installs the navigation snapshot delivered by a route change.
// Placement queries made afterwards see the new tree.
func (r *Runtime) Navigate(root *navtree.Node) {
	r.snapshot.Store(root)
	r.logger.Debug("adslot: navigated", "path", root.Deepest().Path())
}

// Snapshot returns the current navigation tree, possibly nil.
func (r *Runtime) Snapshot() *navtree.Node { return r.snapshot.Load() }

// ShowAds reports whether the current route opts into ads.
func (r *Runtime) ShowAds() bool {
	return resolver.ShouldShowAds(r.snapshot.Load())
}

// Placement resolves the placement identifier for (pos, device) on the
// current route, or "" when none applies or ads are disabled.
func (r *Runtime) Placement(pos adnet.Position, device adnet.DeviceClass) string {
	if !r.gate.Enabled() {
		return ""
	}
	return resolver.ResolveAdUnit(pos, device, r.snapshot.Load(), r.routeGroups())
}

// DeviceClass classifies a viewport width with the configured breakpoint.
func (r *Runtime) DeviceClass(width int) adnet.DeviceClass {
	return adnet.DeviceClassFor(width, r.cfg.Breakpoint)
}

// Register is the page-component entry point: it makes sure the library is
// loading and adds the slot to the next batch.
func (r *Runtime) Register(placementName, slotID string) {
	r.s.Post(func() { r.register(placementName, slotID) })
}

// Mount resolves the placement for (pos, device), generates a slot id and
// registers it. It reports false when no placement applies.
func (r *Runtime) Mount(pos adnet.Position, device adnet.DeviceClass) (adnet.Slot, bool) {
	placement := r.Placement(pos, device)
	if placement == "" {
		return adnet.Slot{}, false
	}
	slot := adnet.Slot{PlacementName: placement, SlotID: r.slotIDs.Next(placement)}
	r.Register(slot.PlacementName, slot.SlotID)
	return slot, true
}

// Release removes a slot whose component unmounted.
func (r *Runtime) Release(slotID string) {
	r.s.Post(func() { r.registry.Release(slotID) })
}

// SetAdsEnabled flips the ads policy. Disabling removes every injected
// resource and forgets all slots.
func (r *Runtime) SetAdsEnabled(v bool) {
	r.s.Post(func() { r.gate.SetEnabled(v) })
}

// AdsEnabled reports the ads policy.
func (r *Runtime) AdsEnabled() bool { return r.gate.Enabled() }

// Refresh handles re-entry into the same route: it re-asserts the page-URL
// override and refreshes the slots through the library, falling back to a
// full re-batch when the library has no refresh entry point.
func (r *Runtime) Refresh() {
	r.s.Post(r.refresh)
}

// SetRouteGroups swaps the fallback route-group table.
func (r *Runtime) SetRouteGroups(t adnet.RouteGroupTable) {
	c := t.Clone()
	r.table.Store(&c)
	r.logger.Info("adslot: route groups updated", "groups", len(c))
}

// RouteGroups returns a copy of the fallback table.
func (r *Runtime) RouteGroups() adnet.RouteGroupTable { return r.routeGroups().Clone() }

func (r *Runtime) routeGroups() adnet.RouteGroupTable {
	if p := r.table.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Runtime) register(placementName, slotID string) {
	if r.gate.Enabled() {
		r.loader.Ensure()
		if !r.initInstalled {
			r.ns.SetInitCallback(r.onLibraryInit)
			r.initInstalled = true
		}
	}
	r.registry.Register(placementName, slotID)
}

func (r *Runtime) onLibraryInit() {
	r.logger.Info("adslot: ad library initialised", "slots", r.registry.Len())
	r.registry.Rebatch()
}

func (r *Runtime) refresh() {
	if !r.gate.Enabled() {
		return
	}
	r.loader.ApplyPageURL()
	if r.loader.State() != loader.Loaded {
		r.registry.Rebatch()
		return
	}
	if r.ns.Defined() {
		r.refreshSlots()
		return
	}
	r.apiWait.Cancel()
	r.apiWait = ready.WaitUntilReady(r.s, "ad_library", r.ns.Defined, r.refreshSlots, r.scriptBudget, r.logger)
}

func (r *Runtime) refreshSlots() {
	if ref, ok := r.bindings.Namespace.(adnet.Refresher); ok {
		err := ref.RefreshSlots()
		if err == nil {
			r.refreshes++
			return
		}
		if !errors.Is(err, adnet.ErrNoRefresh) {
			r.logger.Warn("adslot: refresh failed, re-batching", "error", err)
		}
	}
	r.registry.Rebatch()
}

func (r *Runtime) teardown() {
	r.apiWait.Cancel()
	r.apiWait = nil
	r.registry.Reset()
	r.loader.Cleanup()
	r.initInstalled = false
}

// Call runs fn on the scheduler and waits for it. It fails if ctx ends
// first, which includes a runtime whose loop is not running.
func (r *Runtime) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.s.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adslot: call: %w", ctx.Err())
	}
}
