package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/adslot/adnet"
)

// WatchOptions tunes the Watcher.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before reloading. More
	// changes during the window restart it. 0 reloads immediately.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WatchStats are point-in-time counters.
type WatchStats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// Watcher polls the store version and hands a freshly loaded table to a
// callback after every settled change.
type Watcher struct {
	store *Store
	opts  WatchOptions

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// NewWatcher creates a Watcher. Call Run to start polling.
func NewWatcher(s *Store, opts WatchOptions) *Watcher {
	opts.defaults()
	w := &Watcher{store: s, opts: opts}
	w.version.Store(-1)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() WatchStats {
	return WatchStats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
}

// Run blocks until ctx is cancelled. The current table is delivered once
// on start, then again after each change. If onChange cannot be fed (load
// error) the version is not advanced and the next poll retries.
func (w *Watcher) Run(ctx context.Context, onChange func(adnet.RouteGroupTable)) {
	log := w.opts.Logger

	if v, err := w.store.Version(ctx); err != nil {
		log.Warn("store: initial version check failed", "error", err)
	} else {
		w.reload(ctx, onChange, v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.store.Version(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.errors.Add(1)
				log.Warn("store: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.reload(ctx, onChange, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("store: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.reload(ctx, onChange, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context, onChange func(adnet.RouteGroupTable), v int64) {
	table, err := w.store.Load(ctx)
	if err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("store: reload failed", "error", err, "version", v)
		return
	}
	onChange(table)
	w.reloads.Add(1)
	w.version.Store(v)
	w.opts.Logger.Info("store: route groups reloaded", "version", v, "groups", len(table))
}
