// Package config handles adslot configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/adslot/adnet"
)

// Config is the top-level adslot configuration.
type Config struct {
	Publisher   PublisherConfig                         `yaml:"publisher"`
	AdsEnabled  *bool                                   `yaml:"ads_enabled"`
	Timings     TimingConfig                            `yaml:"timings"`
	Breakpoint  int                                     `yaml:"mobile_breakpoint"`
	RouteGroups map[string]map[string]map[string]string `yaml:"route_groups"`
	Browser     BrowserConfig                           `yaml:"browser"`
	Control     ControlConfig                           `yaml:"control"`
	Store       StoreConfig                             `yaml:"store"`
}

// PublisherConfig points at the ad network assets.
type PublisherConfig struct {
	ScriptURL         string   `yaml:"script_url"`
	StylesheetURL     string   `yaml:"stylesheet_url"`
	PreconnectOrigins []string `yaml:"preconnect_origins"`
	CanonicalOrigin   string   `yaml:"canonical_origin"`
}

// TimingConfig holds every timer of the runtime.
type TimingConfig struct {
	Debounce          time.Duration `yaml:"debounce"`
	StubRetry         time.Duration `yaml:"stub_retry"`
	LoadTimeout       time.Duration `yaml:"load_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TagManagerRetries int           `yaml:"tag_manager_retries"`
	ScriptRetries     int           `yaml:"script_retries"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote  string        `yaml:"remote"`
	Stealth string        `yaml:"stealth"` // headless | headful
	URL     string        `yaml:"url"`
	Width   int           `yaml:"width"`
	Timeout time.Duration `yaml:"timeout"`
}

// ControlConfig configures the HTTP control API. An empty Addr disables it.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig points at the SQLite route-group store. An empty Path disables it.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Enabled reports the initial ads policy. Ads are on unless disabled.
func (c *Config) Enabled() bool {
	return c.AdsEnabled == nil || *c.AdsEnabled
}

// Table converts the route_groups section into a lookup table.
func (c *Config) Table() adnet.RouteGroupTable {
	if len(c.RouteGroups) == 0 {
		return nil
	}
	t := make(adnet.RouteGroupTable, len(c.RouteGroups))
	for group, devices := range c.RouteGroups {
		cfg := make(adnet.AdUnitsConfig, len(devices))
		for dev, positions := range devices {
			pp := make(map[adnet.Position]string, len(positions))
			for pos, id := range positions {
				pp[adnet.Position(pos)] = id
			}
			cfg[adnet.DeviceClass(dev)] = pp
		}
		t[group] = cfg
	}
	return t
}

func (c *Config) applyDefaults() {
	if c.Timings.Debounce <= 0 {
		c.Timings.Debounce = 50 * time.Millisecond
	}
	if c.Timings.StubRetry <= 0 {
		c.Timings.StubRetry = 200 * time.Millisecond
	}
	if c.Timings.LoadTimeout <= 0 {
		c.Timings.LoadTimeout = 10 * time.Second
	}
	if c.Timings.PollInterval <= 0 {
		c.Timings.PollInterval = 100 * time.Millisecond
	}
	if c.Timings.TagManagerRetries <= 0 {
		c.Timings.TagManagerRetries = 50
	}
	if c.Timings.ScriptRetries <= 0 {
		c.Timings.ScriptRetries = 100
	}
	if c.Breakpoint <= 0 {
		c.Breakpoint = adnet.DefaultMobileBreakpoint
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.Width <= 0 {
		c.Browser.Width = 1280
	}
	if c.Browser.Timeout <= 0 {
		c.Browser.Timeout = 30 * time.Second
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = time.Second
	}
	if c.Store.Debounce <= 0 {
		c.Store.Debounce = 500 * time.Millisecond
	}
}

func (c *Config) validate() error {
	for group, devices := range c.RouteGroups {
		for dev, positions := range devices {
			if !adnet.DeviceClass(dev).Valid() {
				return fmt.Errorf("config: route_groups.%s: unknown device class %q", group, dev)
			}
			for pos := range positions {
				if !adnet.Position(pos).Valid() {
					return fmt.Errorf("config: route_groups.%s.%s: unknown position %q", group, dev, pos)
				}
			}
		}
	}
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth: want headless or headful, got %q", c.Browser.Stealth)
	}
	return nil
}
