package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ScriptLoad("loaded")
	m.Flush("flushed")
	m.Flush("flushed")
	m.PolicyTransition(false)
	m.SetEnabledSlots(3)

	if got := testutil.ToFloat64(m.Flushes.WithLabelValues("flushed")); got != 2 {
		t.Errorf("flushes: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PolicyTransitions.WithLabelValues("disabled")); got != 1 {
		t.Errorf("policy transitions: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EnabledSlots); got != 3 {
		t.Errorf("enabled slots: got %v, want 3", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ScriptLoad("loaded")
	m.Registration("added")
	m.Flush("error")
	m.PolicyTransition(true)
	m.SetEnabledSlots(1)
}
