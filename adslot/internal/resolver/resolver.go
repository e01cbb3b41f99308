// Package resolver answers two independent questions about a navigation
// snapshot: should ads render at all, and which placement identifier applies
// to a (position, device class) pair. Both are overridable per route level,
// so they are resolved separately rather than through a merged config.
package resolver

import (
	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/navtree"
)

// Route data keys.
const (
	KeyShowAds = "showAds"
	KeyAdUnits = "adUnits"
)

// ShouldShowAds returns the nearest explicit showAds flag. Given the root
// without a flag of its own, it starts from the deepest active node; either
// way it walks up towards the root. Ads are opt-in: no flag means false.
func ShouldShowAds(node *navtree.Node) bool {
	if node == nil {
		return false
	}
	if node.IsRoot() {
		if v, ok := flag(node); ok {
			return v
		}
		node = node.Deepest()
	}
	for cur := node; cur != nil; cur = cur.Parent() {
		if v, ok := flag(cur); ok {
			return v
		}
	}
	return false
}

// ResolveAdUnit returns the placement identifier for (pos, device) or "".
// The first adUnits config found walking up from the deepest active node
// wins outright; configs are never merged across levels. Without any node
// config the first path segment selects an entry of table.
func ResolveAdUnit(pos adnet.Position, device adnet.DeviceClass, node *navtree.Node, table adnet.RouteGroupTable) string {
	if node == nil {
		return ""
	}
	deepest := node.Deepest()
	for cur := deepest; cur != nil; cur = cur.Parent() {
		if cfg, ok := adUnits(cur); ok {
			return cfg.Lookup(device, pos)
		}
	}
	if cfg, ok := table[deepest.FirstSegment()]; ok {
		return cfg.Lookup(device, pos)
	}
	return ""
}

func flag(n *navtree.Node) (bool, bool) {
	v, ok := n.Value(KeyShowAds)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// adUnits accepts the typed config as well as the map[string]any shape
// produced by JSON decoding. Anything else counts as absent.
func adUnits(n *navtree.Node) (adnet.AdUnitsConfig, bool) {
	v, ok := n.Value(KeyAdUnits)
	if !ok || v == nil {
		return nil, false
	}
	switch c := v.(type) {
	case adnet.AdUnitsConfig:
		return c, true
	case map[adnet.DeviceClass]map[adnet.Position]string:
		return adnet.AdUnitsConfig(c), true
	case map[string]map[string]string:
		return convertStrings(c), true
	case map[string]any:
		return convertAny(c)
	}
	return nil, false
}

func convertStrings(in map[string]map[string]string) adnet.AdUnitsConfig {
	out := make(adnet.AdUnitsConfig, len(in))
	for dev, positions := range in {
		pp := make(map[adnet.Position]string, len(positions))
		for pos, id := range positions {
			pp[adnet.Position(pos)] = id
		}
		out[adnet.DeviceClass(dev)] = pp
	}
	return out
}

func convertAny(in map[string]any) (adnet.AdUnitsConfig, bool) {
	out := make(adnet.AdUnitsConfig, len(in))
	for dev, raw := range in {
		positions, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pp := make(map[adnet.Position]string, len(positions))
		for pos, id := range positions {
			if s, ok := id.(string); ok {
				pp[adnet.Position(pos)] = s
			}
		}
		out[adnet.DeviceClass(dev)] = pp
	}
	return out, true
}
