// Package adnet defines the contract between the ad runtime and the outside
// world: the placement vocabulary, the slot wire shape handed to the external
// ad library, and the boundary interfaces (host document, library namespace,
// tag manager) that production code binds to a real browser page and tests
// bind to in-memory stubs.
package adnet

import (
	"strconv"
	"strings"
	"time"
)

// Position is where a placement sits on the page.
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
	PositionRight  Position = "right"
)

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	switch p {
	case PositionTop, PositionBottom, PositionRight:
		return true
	}
	return false
}

// DeviceClass buckets viewports by width.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Mobile  DeviceClass = "mobile"
)

// Valid reports whether d is a known device class.
func (d DeviceClass) Valid() bool {
	return d == Desktop || d == Mobile
}

// DefaultMobileBreakpoint is the viewport width below which a device is mobile.
const DefaultMobileBreakpoint = 768

// DeviceClassFor classifies a viewport width. A non-positive breakpoint uses
// DefaultMobileBreakpoint.
func DeviceClassFor(width, breakpoint int) DeviceClass {
	if breakpoint <= 0 {
		breakpoint = DefaultMobileBreakpoint
	}
	if width < breakpoint {
		return Mobile
	}
	return Desktop
}

// AdUnitsConfig maps a device class to the placement identifier of each
// position. A missing entry or an empty identifier means no placement.
type AdUnitsConfig map[DeviceClass]map[Position]string

// Lookup returns the identifier for (device, position), or "".
func (c AdUnitsConfig) Lookup(device DeviceClass, pos Position) string {
	if c == nil {
		return ""
	}
	return c[device][pos]
}

// RouteGroupTable is the static fallback configuration keyed by the first
// segment of a navigation path.
type RouteGroupTable map[string]AdUnitsConfig

// Clone returns a deep copy of t.
func (t RouteGroupTable) Clone() RouteGroupTable {
	if t == nil {
		return nil
	}
	out := make(RouteGroupTable, len(t))
	for seg, cfg := range t {
		cc := make(AdUnitsConfig, len(cfg))
		for dev, positions := range cfg {
			pp := make(map[Position]string, len(positions))
			for pos, id := range positions {
				pp[pos] = id
			}
			cc[dev] = pp
		}
		out[seg] = cc
	}
	return out
}

// Slot is one instantiated occurrence of a placement. Its JSON shape is the
// one the external library reads from config.enabled_slots.
type Slot struct {
	PlacementName string `json:"placementName"`
	SlotID        string `json:"slotId"`
}

// SlotID builds the slot identifier for a placement mounted at t. The
// placement name is a prefix so that later code can tell whether a slot still
// belongs to the same logical placement.
func SlotID(placement string, t time.Time) string {
	return placement + "_" + strconv.FormatInt(t.UnixMilli(), 10)
}

// SamePlacement reports whether slotID was generated for placement.
func SamePlacement(slotID, placement string) bool {
	return placement != "" && strings.HasPrefix(slotID, placement+"_")
}
