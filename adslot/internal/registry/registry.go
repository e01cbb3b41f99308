// Package registry keeps the ordered set of enabled ad slots and hands the
// whole set to the ad library in debounced batches.
//
// Components mounting during one render pass register in a burst; a single
// trailing-edge timer coalesces the burst into one flush. The library's
// contract is "give me everything currently enabled", so a flush always
// carries the complete current set, never a delta.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/adslot/internal/metrics"
	"github.com/hazyhaar/adslot/sched"
)

// Gate reports whether ads are enabled.
type Gate interface {
	Enabled() bool
}

// Loader defers work until the ad library script has loaded.
type Loader interface {
	WhenLoaded(fn func())
}

// Config controls batching.
type Config struct {
	// Debounce is the quiet period before a flush. Default: 50ms.
	Debounce time.Duration
	// StubRetry is the delay before the single retry of a flush that found
	// newAdSlots still stubbed. Default: 200ms.
	StubRetry time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.StubRetry <= 0 {
		c.StubRetry = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are cumulative counters.
type Stats struct {
	Registered int `json:"registered"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Released   int `json:"released"`
	Flushes    int `json:"flushes"`
	Abandoned  int `json:"abandoned"`
	Errors     int `json:"errors"`
}

// Registry is owned by the scheduler goroutine.
type Registry struct {
	cfg    Config
	s      sched.Scheduler
	gate   Gate
	loader Loader
	ns     adnet.Namespace

	slots []adnet.Slot
	index map[string]struct{}

	timer       sched.Timer
	retry       sched.Timer
	flushQueued bool // a flush waits on the loader
	libQueued   bool // a flush waits in the library queue
	flushing    bool
	announced   int // size of the last batch handed to the library
	gen         uint64
	stats       Stats
}

// New creates an empty Registry.
func New(s sched.Scheduler, gate Gate, loader Loader, ns adnet.Namespace, cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:    cfg,
		s:      s,
		gate:   gate,
		loader: loader,
		ns:     ns,
		index:  make(map[string]struct{}),
	}
}

// Register appends (placementName, slotID) and restarts the debounce timer.
// It is a no-op when ads are disabled or slotID is already registered; the
// same placement may register again under a new slotID.
func (r *Registry) Register(placementName, slotID string) bool {
	if !r.gate.Enabled() {
		r.stats.Rejected++
		r.cfg.Metrics.Registration("disabled")
		return false
	}
	if placementName == "" || slotID == "" {
		r.stats.Rejected++
		r.cfg.Metrics.Registration("invalid")
		return false
	}
	if _, dup := r.index[slotID]; dup {
		r.stats.Duplicates++
		r.cfg.Metrics.Registration("duplicate")
		return false
	}

	r.slots = append(r.slots, adnet.Slot{PlacementName: placementName, SlotID: slotID})
	r.index[slotID] = struct{}{}
	r.stats.Registered++
	r.cfg.Metrics.Registration("added")
	r.cfg.Metrics.SetEnabledSlots(len(r.slots))
	r.cfg.Logger.Debug("registry: slot registered", "placement", placementName, "slot_id", slotID)

	r.schedule()
	return true
}

// Release removes a slot whose component went away. The next flush reflects
// the removal. Releasing the last slot the library knows about schedules
// that flush itself, since no later registration may come to trigger one.
func (r *Registry) Release(slotID string) bool {
	if _, ok := r.index[slotID]; !ok {
		return false
	}
	delete(r.index, slotID)
	if i := slices.IndexFunc(r.slots, func(sl adnet.Slot) bool { return sl.SlotID == slotID }); i >= 0 {
		r.slots = slices.Delete(r.slots, i, i+1)
	}
	r.stats.Released++
	r.cfg.Metrics.SetEnabledSlots(len(r.slots))
	if len(r.slots) == 0 && r.announced > 0 && r.gate.Enabled() {
		r.schedule()
	}
	return true
}

// Rebatch schedules a flush of the current set, e.g. after a refresh on a
// library without a refresh entry point.
func (r *Registry) Rebatch() {
	if !r.gate.Enabled() || !r.pending() {
		return
	}
	r.schedule()
}

// pending reports whether a flush has anything to tell the library: slots
// to activate, or an emptied set it has not seen yet.
func (r *Registry) pending() bool {
	return len(r.slots) > 0 || r.announced > 0
}

// Reset drops every slot and cancels pending timers. Used when ads are
// disabled.
func (r *Registry) Reset() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.slots = nil
	r.index = make(map[string]struct{})
	r.flushQueued = false
	r.libQueued = false
	r.flushing = false
	r.announced = 0
	r.cfg.Metrics.SetEnabledSlots(0)
}

// Slots returns a copy of the enabled slots in registration order.
func (r *Registry) Slots() []adnet.Slot {
	return append([]adnet.Slot(nil), r.slots...)
}

// Len returns the number of enabled slots.
func (r *Registry) Len() int { return len(r.slots) }

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats { return r.stats }

// schedule (re)starts the trailing-edge debounce timer.
func (r *Registry) schedule() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.s.AfterFunc(r.cfg.Debounce, r.onDebounce)
}

func (r *Registry) onDebounce() {
	r.timer = nil
	if r.flushQueued {
		// The queued flush reads the current set when it runs.
		return
	}
	r.flushQueued = true
	gen := r.gen
	r.loader.WhenLoaded(func() {
		if gen != r.gen {
			return
		}
		r.flushQueued = false
		r.flush()
	})
}

func (r *Registry) flush() {
	if r.flushing || !r.pending() {
		return
	}
	r.flushing = true
	r.attempt(false)
}

func (r *Registry) attempt(retried bool) {
	r.retry = nil
	if r.ns.IsStub() {
		r.queueInLibrary()
		if !retried {
			gen := r.gen
			r.retry = r.s.AfterFunc(r.cfg.StubRetry, func() {
				if gen == r.gen {
					r.attempt(true)
				}
			})
			return
		}
		r.flushing = false
		r.stats.Abandoned++
		r.cfg.Metrics.Flush("abandoned")
		r.cfg.Logger.Debug("registry: library still stubbed, flush abandoned", "slots", len(r.slots))
		return
	}

	batch := r.Slots()
	r.ns.SetEnabledSlots(batch)
	err := r.activate(batch)
	r.flushing = false
	if err != nil {
		r.stats.Errors++
		r.cfg.Metrics.Flush("error")
		r.cfg.Logger.Warn("registry: newAdSlots failed", "slots", len(batch), "error", err)
		return
	}
	r.announced = len(batch)
	r.stats.Flushes++
	r.cfg.Metrics.Flush("flushed")
	r.cfg.Logger.Debug("registry: batch flushed", "slots", len(batch))
}

// queueInLibrary pushes one flush onto the library queue, which the library
// drains once its real API replaces the stub. At most one is outstanding.
func (r *Registry) queueInLibrary() {
	if r.libQueued {
		return
	}
	r.libQueued = true
	gen := r.gen
	r.ns.Push(func() {
		if gen != r.gen {
			return
		}
		r.libQueued = false
		r.flush()
	})
}

func (r *Registry) activate(batch []adnet.Slot) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("registry: newAdSlots panicked: %v", rec)
		}
	}()
	return r.ns.NewAdSlots(batch)
}
