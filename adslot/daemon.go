package adslot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/adslot/adslot/internal/browser"
	"github.com/hazyhaar/adslot/adslot/internal/store"
	"github.com/hazyhaar/adslot/sched"
)

// Daemon drives a Runtime against a real browser page: it launches Chrome,
// opens the host page, binds the page to the runtime, keeps the route-group
// table in sync with the SQLite store, audits control calls there and serves
// the control API.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	mgr    *browser.Manager
	tab    *browser.Tab
	bridge *browser.Bridge
	loop   *sched.Loop
	store  *store.Store
	rt     *Runtime
}

// NewDaemon creates a Daemon. Call Start, then Run.
func NewDaemon(cfg *Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		mgr: browser.NewManager(browser.Config{
			RemoteURL: cfg.Browser.Remote,
			Headful:   cfg.Browser.Stealth == "headful",
			Logger:    logger,
		}),
		loop: sched.NewLoop(logger),
	}
}

// Start launches the browser, opens pageURL (cfg.Browser.URL when empty)
// and wires the runtime.
func (d *Daemon) Start(ctx context.Context, pageURL string) error {
	if pageURL == "" {
		pageURL = d.cfg.Browser.URL
	}
	if pageURL == "" {
		return errors.New("adslot: no page url configured")
	}

	if _, err := d.mgr.Start(ctx); err != nil {
		return fmt.Errorf("adslot: start browser: %w", err)
	}
	tab, err := browser.OpenTab(ctx, d.mgr, pageURL, browser.TabOptions{
		Stealth:    true,
		Width:      d.cfg.Browser.Width,
		NavTimeout: d.cfg.Browser.Timeout,
	})
	if err != nil {
		return fmt.Errorf("adslot: open tab: %w", err)
	}
	d.tab = tab

	bridge, err := browser.NewBridge(tab.Page, d.loop, browser.BridgeConfig{Logger: d.logger})
	if err != nil {
		return fmt.Errorf("adslot: bridge: %w", err)
	}
	d.bridge = bridge

	rt, err := New(d.cfg, Bindings{
		Document:   bridge.Document(),
		Namespace:  bridge.Namespace(),
		TagManager: bridge.TagManager(),
	}, WithScheduler(d.loop), WithLogger(d.logger))
	if err != nil {
		return err
	}
	d.rt = rt

	if d.cfg.Store.Path != "" {
		st, err := store.Open(d.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("adslot: %w", err)
		}
		d.store = st
		if err := d.seedStore(ctx); err != nil {
			return err
		}
		rt.audit = st.NewAuditLogger(0, d.logger)
	}

	d.logger.Info("adslot: daemon started",
		"url", pageURL, "session", rt.Session(), "device", rt.DeviceClass(tab.Width(ctx)))
	return nil
}

// seedStore copies the configured route groups into an empty store.
func (d *Daemon) seedStore(ctx context.Context) error {
	t, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("adslot: %w", err)
	}
	if len(t) > 0 {
		return nil
	}
	if seed := d.cfg.Table(); len(seed) > 0 {
		if err := d.store.Replace(ctx, seed); err != nil {
			return fmt.Errorf("adslot: seed route groups: %w", err)
		}
	}
	return nil
}

// Runtime returns the wired runtime. Nil before Start.
func (d *Daemon) Runtime() *Runtime { return d.rt }

// Handler returns the control API, backed by the store when configured.
func (d *Daemon) Handler() http.Handler {
	if d.store != nil {
		return d.rt.handler(d.store)
	}
	return d.rt.handler(nil)
}

// Run blocks until ctx ends, running the scheduler loop, the store watcher
// and the control server.
func (d *Daemon) Run(ctx context.Context) error {
	if d.rt == nil {
		return errors.New("adslot: daemon not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	go func() { errc <- d.loop.Run(ctx) }()

	if d.store != nil {
		w := store.NewWatcher(d.store, store.WatchOptions{
			Interval: d.cfg.Store.PollInterval,
			Debounce: d.cfg.Store.Debounce,
			Logger:   d.logger,
		})
		go w.Run(ctx, d.rt.SetRouteGroups)
	}

	var srv *http.Server
	if addr := d.cfg.Control.Addr; addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           d.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			d.logger.Info("adslot: control api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("adslot: control api: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		cancel()
	}

	if srv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		srv.Shutdown(shutCtx)
	}
	return err
}

// Close releases the browser and the store.
func (d *Daemon) Close() error {
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.tab != nil {
		d.tab.Close()
	}
	var errs []error
	if d.rt != nil && d.rt.audit != nil {
		errs = append(errs, d.rt.audit.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	errs = append(errs, d.mgr.Close())
	return errors.Join(errs...)
}
