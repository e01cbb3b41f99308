// Package metrics exposes Prometheus counters for the ad runtime. Every
// method is nil-safe so components can run without metrics wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the runtime's collectors.
type Metrics struct {
	ScriptLoads       *prometheus.CounterVec
	Registrations     *prometheus.CounterVec
	Flushes           *prometheus.CounterVec
	PolicyTransitions *prometheus.CounterVec
	EnabledSlots      prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ScriptLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adslot_script_loads_total",
			Help: "Ad library script load outcomes (loaded, present, failed, timeout)",
		}, []string{"result"}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adslot_registrations_total",
			Help: "Slot registration calls by outcome (added, duplicate, disabled)",
		}, []string{"result"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adslot_flushes_total",
			Help: "Batch flushes to the ad library by outcome (flushed, abandoned, error)",
		}, []string{"result"}),
		PolicyTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adslot_policy_transitions_total",
			Help: "Ads policy transitions by target state",
		}, []string{"to"}),
		EnabledSlots: f.NewGauge(prometheus.GaugeOpts{
			Name: "adslot_enabled_slots",
			Help: "Slots currently registered",
		}),
	}
}

// ScriptLoad records a script load outcome.
func (m *Metrics) ScriptLoad(result string) {
	if m == nil {
		return
	}
	m.ScriptLoads.WithLabelValues(result).Inc()
}

// Registration records a registration outcome.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

// Flush records a flush outcome.
func (m *Metrics) Flush(result string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(result).Inc()
}

// PolicyTransition records a policy flip.
func (m *Metrics) PolicyTransition(enabled bool) {
	if m == nil {
		return
	}
	to := "disabled"
	if enabled {
		to = "enabled"
	}
	m.PolicyTransitions.WithLabelValues(to).Inc()
}

// SetEnabledSlots updates the slot gauge.
func (m *Metrics) SetEnabledSlots(n int) {
	if m == nil {
		return
	}
	m.EnabledSlots.Set(float64(n))
}
