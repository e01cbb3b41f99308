// Package policy holds the process-wide "ads enabled" flag. Flipping it off
// runs the registered teardown hooks exactly once per transition; flipping it
// back on clears nothing, so the next registration re-arms the runtime from a
// clean state.
package policy

import (
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/adslot/adslot/internal/metrics"
)

// Gate is the ads policy flag. Enabled may be read from any goroutine;
// SetEnabled and the hook registration belong to the scheduler goroutine.
type Gate struct {
	enabled   atomic.Bool
	onDisable []func()
	onEnable  []func()
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New returns a gate in the given initial state.
func New(enabled bool, logger *slog.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{logger: logger, metrics: m}
	g.enabled.Store(enabled)
	return g
}

// Enabled reports the current policy.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// OnDisable registers a hook run on every enabled -> disabled transition.
func (g *Gate) OnDisable(fn func()) { g.onDisable = append(g.onDisable, fn) }

// OnEnable registers a hook run on every disabled -> enabled transition.
func (g *Gate) OnEnable(fn func()) { g.onEnable = append(g.onEnable, fn) }

// SetEnabled updates the policy and reports whether it changed. Setting the
// current value again is a no-op.
func (g *Gate) SetEnabled(v bool) bool {
	if !g.enabled.CompareAndSwap(!v, v) {
		return false
	}
	g.metrics.PolicyTransition(v)
	g.logger.Info("policy: ads policy changed", "enabled", v)

	hooks := g.onEnable
	if !v {
		hooks = g.onDisable
	}
	for _, fn := range hooks {
		g.run(fn)
	}
	return true
}

func (g *Gate) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("policy: hook panicked", "panic", r)
		}
	}()
	fn()
}
