package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/adslot/adnet"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adslot.yaml")
	yml := `
publisher:
  script_url: https://cdn.adnet.example/bundle.js
  stylesheet_url: https://cdn.adnet.example/bundle.css
  preconnect_origins:
    - https://securepubads.example
  canonical_origin: https://www.example.com
ads_enabled: false
timings:
  debounce: 80ms
route_groups:
  messages:
    desktop:
      top: X
    mobile:
      bottom: Y
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Publisher.ScriptURL != "https://cdn.adnet.example/bundle.js" {
		t.Errorf("script_url: got %q", cfg.Publisher.ScriptURL)
	}
	if cfg.Enabled() {
		t.Error("Enabled: got true, want false")
	}
	if cfg.Timings.Debounce != 80*time.Millisecond {
		t.Errorf("debounce: got %v, want 80ms", cfg.Timings.Debounce)
	}
	if cfg.Timings.StubRetry != 200*time.Millisecond {
		t.Errorf("stub_retry default: got %v", cfg.Timings.StubRetry)
	}
	table := cfg.Table()
	if got := table["messages"].Lookup(adnet.Desktop, adnet.PositionTop); got != "X" {
		t.Errorf("table messages.desktop.top: got %q, want X", got)
	}
	if got := table["messages"].Lookup(adnet.Mobile, adnet.PositionBottom); got != "Y" {
		t.Errorf("table messages.mobile.bottom: got %q, want Y", got)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.Enabled() {
		t.Error("Enabled: default should be true")
	}
	if cfg.Timings.Debounce != 50*time.Millisecond {
		t.Errorf("debounce: got %v", cfg.Timings.Debounce)
	}
	if cfg.Timings.LoadTimeout != 10*time.Second {
		t.Errorf("load_timeout: got %v", cfg.Timings.LoadTimeout)
	}
	if cfg.Timings.TagManagerRetries != 50 || cfg.Timings.ScriptRetries != 100 {
		t.Errorf("retries: got %d/%d", cfg.Timings.TagManagerRetries, cfg.Timings.ScriptRetries)
	}
	if cfg.Breakpoint != adnet.DefaultMobileBreakpoint {
		t.Errorf("breakpoint: got %d", cfg.Breakpoint)
	}
	if cfg.Table() != nil {
		t.Error("Table: want nil without route_groups")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"bad device", "route_groups:\n  x:\n    tablet:\n      top: A\n", "unknown device class"},
		{"bad position", "route_groups:\n  x:\n    desktop:\n      left: A\n", "unknown position"},
		{"bad stealth", "browser:\n  stealth: maybe\n", "browser.stealth"},
		{"bad yaml", "publisher: [", "config: parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse: got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadFile: want error for missing file")
	}
}
