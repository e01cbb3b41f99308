// Package loader injects the ad library into the host document exactly once:
// preconnect hints for the ad-network origins, the publisher stylesheet and
// the publisher script bundle. It tracks the script through a monotonic
// NotLoaded -> Loading -> Loaded state machine, queues work until the script
// has loaded, and undoes every side effect on Cleanup.
package loader

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/adslot/internal/metrics"
	"github.com/hazyhaar/adslot/adslot/internal/ready"
	"github.com/hazyhaar/adslot/sched"
)

// ErrLoadTimeout is reported when the script emits neither load nor error
// before Config.LoadTimeout.
var ErrLoadTimeout = errors.New("loader: script load timed out")

// PageURLKey is the tag-manager key carrying the canonical page URL.
const PageURLKey = "page_url"

// State is the script lifecycle.
type State int

const (
	NotLoaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return "unknown"
}

// Config controls what gets injected.
type Config struct {
	ScriptURL         string
	StylesheetURL     string
	PreconnectOrigins []string
	// CanonicalOrigin is reported as page_url to the tag manager whenever the
	// document is served from another origin. Empty disables the override.
	CanonicalOrigin string
	// LoadTimeout abandons a load that never reports back. Default: 10s.
	LoadTimeout time.Duration
	// TagManager bounds the wait for pubads() before the override.
	TagManager ready.Budget
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (c *Config) defaults() {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.TagManager.MaxAttempts <= 0 {
		c.TagManager = ready.TagManagerBudget
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are cumulative counters.
type Stats struct {
	LoadsStarted   int `json:"loads_started"`
	LoadsCompleted int `json:"loads_completed"`
	LoadFailures   int `json:"load_failures"`
	AlreadyPresent int `json:"already_present"`
	Cleanups       int `json:"cleanups"`
}

// Loader owns the injected resources. It must only be used from the
// scheduler goroutine.
type Loader struct {
	cfg  Config
	s    sched.Scheduler
	doc  adnet.Document
	ns   adnet.Namespace
	tags adnet.TagManager

	state   State
	gen     uint64
	pending []func()
	timeout sched.Timer
	pageURL *ready.Wait
	stats   Stats
}

// New creates a Loader. tags may be nil when no tag manager is integrated.
func New(s sched.Scheduler, doc adnet.Document, ns adnet.Namespace, tags adnet.TagManager, cfg Config) *Loader {
	cfg.defaults()
	return &Loader{cfg: cfg, s: s, doc: doc, ns: ns, tags: tags}
}

// State returns the current script state.
func (l *Loader) State() State { return l.state }

// Stats returns a copy of the counters.
func (l *Loader) Stats() Stats { return l.stats }

// Pending returns the number of callbacks waiting for Loaded.
func (l *Loader) Pending() int { return len(l.pending) }

// Ensure starts loading unless a load is in flight or done. Concurrent
// callers collapse onto the in-flight load.
func (l *Loader) Ensure() {
	if l.state != NotLoaded {
		return
	}

	l.ns.Ensure()
	l.injectPreconnects()
	l.injectStylesheet()

	if l.doc.Has(l.scriptMatch()) {
		l.stats.AlreadyPresent++
		l.cfg.Metrics.ScriptLoad("present")
		l.cfg.Logger.Debug("loader: script already in document", "src", l.cfg.ScriptURL)
		l.markLoaded()
		return
	}

	l.gen++
	gen := l.gen
	l.state = Loading
	l.stats.LoadsStarted++

	script := adnet.Element{Tag: "script", Attrs: map[string]string{
		"src":            l.cfg.ScriptURL,
		"async":          "",
		adnet.MarkerAttr: "script",
	}}
	if err := l.doc.LoadScript(script, func(err error) { l.onScriptDone(gen, err) }); err != nil {
		l.onScriptDone(gen, err)
		return
	}
	l.timeout = l.s.AfterFunc(l.cfg.LoadTimeout, func() { l.onScriptDone(gen, ErrLoadTimeout) })
	l.cfg.Logger.Info("loader: script loading", "src", l.cfg.ScriptURL)
}

// WhenLoaded runs fn now if the script is loaded, otherwise queues it and
// makes sure a load is under way.
func (l *Loader) WhenLoaded(fn func()) {
	if fn == nil {
		return
	}
	if l.state == Loaded {
		l.run(fn)
		return
	}
	l.pending = append(l.pending, fn)
	l.Ensure()
}

func (l *Loader) onScriptDone(gen uint64, err error) {
	if gen != l.gen || l.state != Loading {
		return
	}
	if l.timeout != nil {
		l.timeout.Stop()
		l.timeout = nil
	}

	if err != nil {
		l.state = NotLoaded
		l.stats.LoadFailures++
		result := "failed"
		if errors.Is(err, ErrLoadTimeout) {
			result = "timeout"
		}
		l.cfg.Metrics.ScriptLoad(result)
		// A failed tag left in place would look like an already-loaded
		// script to the next Ensure.
		l.doc.Remove(l.scriptMatch())
		l.cfg.Logger.Warn("loader: script load failed",
			"src", l.cfg.ScriptURL, "error", err, "queued", len(l.pending))
		return
	}

	l.cfg.Metrics.ScriptLoad("loaded")
	l.cfg.Logger.Info("loader: script loaded", "src", l.cfg.ScriptURL)
	l.markLoaded()
}

func (l *Loader) markLoaded() {
	l.state = Loaded
	l.stats.LoadsCompleted++
	gen := l.gen

	q := l.pending
	l.pending = nil
	for _, fn := range q {
		l.run(fn)
		if l.gen != gen {
			// Cleaned up from inside a callback.
			return
		}
	}
	l.ApplyPageURL()
}

// ApplyPageURL waits for the tag manager and sets page_url to the canonical
// origin when the document is served from elsewhere. Any failure is logged.
func (l *Loader) ApplyPageURL() {
	if l.tags == nil || l.cfg.CanonicalOrigin == "" {
		return
	}
	if sameOrigin(l.doc.Origin(), l.cfg.CanonicalOrigin) {
		return
	}

	l.pageURL.Cancel()
	canonical := l.cfg.CanonicalOrigin
	l.pageURL = ready.WaitUntilReady(l.s, "tag_manager", l.tags.Ready, func() {
		if err := l.tags.Set(PageURLKey, canonical); err != nil {
			l.cfg.Logger.Warn("loader: page_url override failed", "error", err)
			return
		}
		l.cfg.Logger.Debug("loader: page_url override set", "page_url", canonical)
	}, l.cfg.TagManager, l.cfg.Logger)
}

// Cleanup removes every injected element, forgets queued work, neuters the
// library queue and returns to NotLoaded. A load event still in flight from
// before the cleanup is ignored.
func (l *Loader) Cleanup() {
	l.gen++
	if l.timeout != nil {
		l.timeout.Stop()
		l.timeout = nil
	}
	l.pageURL.Cancel()
	l.pageURL = nil

	removed := l.doc.Remove(l.scriptMatch())
	removed += l.doc.Remove(adnet.Match{Attrs: map[string]string{adnet.MarkerAttr: "script"}})
	if l.cfg.StylesheetURL != "" {
		removed += l.doc.Remove(l.stylesheetMatch())
	}
	for _, origin := range l.cfg.PreconnectOrigins {
		removed += l.doc.Remove(preconnectMatch(origin))
	}

	l.pending = nil
	l.state = NotLoaded
	l.ns.ClearQueue()
	l.stats.Cleanups++
	l.cfg.Logger.Info("loader: cleaned up", "removed", removed)
}

func (l *Loader) injectPreconnects() {
	for _, origin := range l.cfg.PreconnectOrigins {
		if l.doc.Has(preconnectMatch(origin)) {
			continue
		}
		err := l.doc.Append(adnet.Element{Tag: "link", Attrs: map[string]string{
			"rel":            "preconnect",
			"href":           origin,
			"crossorigin":    "",
			adnet.MarkerAttr: "preconnect",
		}})
		if err != nil {
			l.cfg.Logger.Warn("loader: preconnect injection failed", "origin", origin, "error", err)
		}
	}
}

func (l *Loader) injectStylesheet() {
	if l.cfg.StylesheetURL == "" || l.doc.Has(l.stylesheetMatch()) {
		return
	}
	err := l.doc.Append(adnet.Element{Tag: "link", Attrs: map[string]string{
		"rel":            "stylesheet",
		"href":           l.cfg.StylesheetURL,
		adnet.MarkerAttr: "stylesheet",
	}})
	if err != nil {
		l.cfg.Logger.Warn("loader: stylesheet injection failed", "href", l.cfg.StylesheetURL, "error", err)
	}
}

func (l *Loader) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.cfg.Logger.Error("loader: queued callback panicked", "panic", r)
		}
	}()
	fn()
}

func (l *Loader) scriptMatch() adnet.Match {
	return adnet.Match{Tag: "script", Attrs: map[string]string{"src": l.cfg.ScriptURL}}
}

func (l *Loader) stylesheetMatch() adnet.Match {
	return adnet.Match{Tag: "link", Attrs: map[string]string{"rel": "stylesheet", "href": l.cfg.StylesheetURL}}
}

func preconnectMatch(origin string) adnet.Match {
	return adnet.Match{Tag: "link", Attrs: map[string]string{"rel": "preconnect", "href": origin}}
}

func sameOrigin(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
