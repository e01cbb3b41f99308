package adslot

import (
	"github.com/hazyhaar/adslot/adslot/internal/config"
	"github.com/hazyhaar/adslot/adslot/internal/loader"
	"github.com/hazyhaar/adslot/adslot/internal/registry"
)

// Re-exported configuration types.
type (
	Config          = config.Config
	PublisherConfig = config.PublisherConfig
	TimingConfig    = config.TimingConfig
	BrowserConfig   = config.BrowserConfig
	ControlConfig   = config.ControlConfig
	StoreConfig     = config.StoreConfig
)

// Re-exported status types.
type (
	LoaderStats   = loader.Stats
	RegistryStats = registry.Stats
)

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) { return config.LoadFile(path) }

// ParseConfig decodes YAML bytes and applies defaults.
func ParseConfig(data []byte) (*Config, error) { return config.Parse(data) }

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config { return config.Default() }
