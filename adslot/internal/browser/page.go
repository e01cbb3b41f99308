package browser

import (
	"fmt"

	"github.com/hazyhaar/adslot/adnet"
)

// Document implements adnet.Document on a live page.
type Document struct{ b *Bridge }

// Origin implements adnet.Document.
func (d *Document) Origin() string {
	res, err := d.b.eval(`() => location.origin`)
	if err != nil {
		d.b.cfg.Logger.Warn("browser: read origin", "error", err)
		return ""
	}
	return res.Value.Str()
}

// Has implements adnet.Document.
func (d *Document) Has(m adnet.Match) bool {
	res, err := d.b.eval(`(sel) => document.querySelector(sel) !== null`, selector(m))
	if err != nil {
		d.b.cfg.Logger.Warn("browser: query", "selector", selector(m), "error", err)
		return false
	}
	return res.Value.Bool()
}

const appendJS = `(tag, attrs) => {
	const el = document.createElement(tag);
	for (const [k, v] of Object.entries(attrs || {})) el.setAttribute(k, v);
	document.head.appendChild(el);
}`

// Append implements adnet.Document.
func (d *Document) Append(e adnet.Element) error {
	if _, err := d.b.eval(appendJS, e.Tag, e.Attrs); err != nil {
		return fmt.Errorf("browser: append %s: %w", e.Tag, err)
	}
	return nil
}

const loadScriptJS = `(attrs, binding, id) => {
	const el = document.createElement('script');
	for (const [k, v] of Object.entries(attrs || {})) el.setAttribute(k, v);
	el.async = true;
	el.onload = () => window[binding](JSON.stringify({kind: 'load', id}));
	el.onerror = () => window[binding](JSON.stringify({kind: 'error', id, message: 'failed to load ' + el.src}));
	document.head.appendChild(el);
}`

// LoadScript implements adnet.Document. The outcome arrives through the
// binding and is posted onto the scheduler.
func (d *Document) LoadScript(e adnet.Element, done func(error)) error {
	id := d.b.registerLoad(done)
	if _, err := d.b.eval(loadScriptJS, e.Attrs, BindingName, id); err != nil {
		d.b.forget(id)
		return fmt.Errorf("browser: load script: %w", err)
	}
	return nil
}

// Remove implements adnet.Document.
func (d *Document) Remove(m adnet.Match) int {
	res, err := d.b.eval(`(sel) => {
		const els = document.querySelectorAll(sel);
		els.forEach((el) => el.remove());
		return els.length;
	}`, selector(m))
	if err != nil {
		d.b.cfg.Logger.Warn("browser: remove", "selector", selector(m), "error", err)
		return 0
	}
	return res.Value.Int()
}

// Namespace implements adnet.Namespace and adnet.Refresher on the library
// global.
type Namespace struct{ b *Bridge }

const ensureJS = `(g) => {
	const ns = window[g] = window[g] || {};
	ns.queue = ns.queue || [];
	ns.config = ns.config || {};
	ns.config.enabled_slots = ns.config.enabled_slots || [];
	if (typeof ns.newAdSlots !== 'function') {
		ns.newAdSlots = function () {};
		ns.newAdSlots.__stub = true;
	}
}`

// Ensure implements adnet.Namespace.
func (n *Namespace) Ensure() {
	if _, err := n.b.eval(ensureJS, n.b.cfg.Global); err != nil {
		n.b.cfg.Logger.Warn("browser: ensure namespace", "error", err)
	}
}

// Defined implements adnet.Namespace.
func (n *Namespace) Defined() bool {
	res, err := n.b.eval(`(g) => {
		const ns = window[g];
		return !!ns && typeof ns.newAdSlots === 'function' && !ns.newAdSlots.__stub;
	}`, n.b.cfg.Global)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// IsStub implements adnet.Namespace.
func (n *Namespace) IsStub() bool { return !n.Defined() }

// Push implements adnet.Namespace.
func (n *Namespace) Push(fn func()) {
	id := n.b.register(n.b.queued, fn)
	_, err := n.b.eval(`(g, binding, id) => {
		window[g].queue.push(() => window[binding](JSON.stringify({kind: 'queue', id})));
	}`, n.b.cfg.Global, BindingName, id)
	if err != nil {
		n.b.forget(id)
		n.b.cfg.Logger.Warn("browser: queue push", "error", err)
	}
}

// SetEnabledSlots implements adnet.Namespace.
func (n *Namespace) SetEnabledSlots(slots []adnet.Slot) {
	if slots == nil {
		slots = []adnet.Slot{}
	}
	_, err := n.b.eval(`(g, slots) => { window[g].config.enabled_slots = slots; }`, n.b.cfg.Global, slots)
	if err != nil {
		n.b.cfg.Logger.Warn("browser: set enabled_slots", "error", err)
	}
}

// SetInitCallback implements adnet.Namespace.
func (n *Namespace) SetInitCallback(fn func()) {
	n.b.mu.Lock()
	n.b.init = fn
	n.b.mu.Unlock()
	_, err := n.b.eval(`(g, binding) => {
		window[g].initCallback = () => window[binding](JSON.stringify({kind: 'init'}));
	}`, n.b.cfg.Global, BindingName)
	if err != nil {
		n.b.cfg.Logger.Warn("browser: set initCallback", "error", err)
	}
}

// NewAdSlots implements adnet.Namespace.
func (n *Namespace) NewAdSlots(slots []adnet.Slot) error {
	if _, err := n.b.eval(`(g, slots) => { window[g].newAdSlots(slots); }`, n.b.cfg.Global, slots); err != nil {
		return fmt.Errorf("browser: newAdSlots: %w", err)
	}
	return nil
}

// ClearQueue implements adnet.Namespace.
func (n *Namespace) ClearQueue() {
	n.b.mu.Lock()
	clear(n.b.queued)
	n.b.mu.Unlock()
	_, err := n.b.eval(`(g) => {
		const ns = window[g];
		if (ns && Array.isArray(ns.queue)) ns.queue.length = 0;
	}`, n.b.cfg.Global)
	if err != nil {
		n.b.cfg.Logger.Warn("browser: clear queue", "error", err)
	}
}

// RefreshSlots implements adnet.Refresher. It returns adnet.ErrNoRefresh
// when the library exposes no refreshSlots function.
func (n *Namespace) RefreshSlots() error {
	res, err := n.b.eval(`(g) => {
		const ns = window[g];
		if (!ns || typeof ns.refreshSlots !== 'function') return false;
		ns.refreshSlots();
		return true;
	}`, n.b.cfg.Global)
	if err != nil {
		return fmt.Errorf("browser: refreshSlots: %w", err)
	}
	if !res.Value.Bool() {
		return adnet.ErrNoRefresh
	}
	return nil
}

// TagManager implements adnet.TagManager on the tag-manager global.
type TagManager struct{ b *Bridge }

// Ready implements adnet.TagManager.
func (t *TagManager) Ready() bool {
	res, err := t.b.eval(`(g) => !!window[g] && typeof window[g].pubads === 'function'`, t.b.cfg.TagGlobal)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// Set implements adnet.TagManager.
func (t *TagManager) Set(key, value string) error {
	if _, err := t.b.eval(`(g, k, v) => { window[g].pubads().set(k, v); }`, t.b.cfg.TagGlobal, key, value); err != nil {
		return fmt.Errorf("browser: pubads().set(%s): %w", key, err)
	}
	return nil
}

var (
	_ adnet.Document   = (*Document)(nil)
	_ adnet.Namespace  = (*Namespace)(nil)
	_ adnet.Refresher  = (*Namespace)(nil)
	_ adnet.TagManager = (*TagManager)(nil)
)
