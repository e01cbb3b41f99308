package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// TabOptions controls how a page is opened.
type TabOptions struct {
	Stealth bool
	// Width and Height set the emulated viewport; Width drives the device
	// class. Zero keeps the browser default.
	Width  int
	Height int
	// NavTimeout bounds navigation. Default: 30s.
	NavTimeout time.Duration
}

// Tab wraps a Rod page opened on the host application.
type Tab struct {
	Page    *rod.Page
	PageURL string
	width   int
}

// OpenTab creates a new tab, applies stealth and the viewport, and
// navigates to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string, opts TabOptions) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}

	var page *rod.Page
	var err error
	if opts.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if opts.Width > 0 {
		h := opts.Height
		if h <= 0 {
			h = opts.Width * 3 / 4
		}
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Width,
			Height:            h,
			DeviceScaleFactor: 1,
			Mobile:            false,
		})
		if err != nil {
			mgr.cfg.Logger.Warn("browser: set viewport failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, opts.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return &Tab{Page: page, PageURL: pageURL, width: opts.Width}, nil
}

// Width returns the viewport width, asking the page when no override was set.
func (t *Tab) Width(ctx context.Context) int {
	if t.width > 0 {
		return t.width
	}
	res, err := t.Page.Context(ctx).Eval(`() => window.innerWidth`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
