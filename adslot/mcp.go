package adslot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/kit"
	"github.com/hazyhaar/adslot/navtree"
)

// RegisterMCP registers the adslot tools on an MCP server.
func (r *Runtime) RegisterMCP(srv *mcp.Server) {
	r.registerStatusTool(srv)
	r.registerNavigateTool(srv)
	r.registerPlacementTool(srv)
	r.registerMountTool(srv)
	r.registerReleaseTool(srv)
	r.registerPolicyTool(srv)
	r.registerRefreshTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (r *Runtime) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error), extra ...kit.Middleware) {
	mw := kit.Chain(append([]kit.Middleware{kit.WithRequestIDs(), kit.Logging(r.logger, tool.Name)}, extra...)...)
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

func decodeArgs[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var v T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &v}, nil
}

func noArgs(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

var (
	positionProp = map[string]any{"type": "string", "enum": []string{"top", "bottom", "right"}}
	deviceProp   = map[string]any{"type": "string", "enum": []string{"desktop", "mobile"}}
	widthProp    = map[string]any{"type": "integer", "description": "Viewport width; overrides device"}
)

// --- status ---

func (r *Runtime) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_status",
		Description: "Report the ad runtime state: policy, script loader state, registered slots and counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return r.Status(), nil
	}
	r.tool(srv, tool, endpoint, noArgs)
}

// --- navigate ---

type navigateReq struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

func (r *Runtime) registerNavigateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_navigate",
		Description: "Install a navigation snapshot: a tree of {data, segments, children} where the first child is the active branch.",
		InputSchema: inputSchema(map[string]any{
			"snapshot": map[string]any{"type": "object", "description": "Root navigation node"},
		}, []string{"snapshot"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		nr := req.(*navigateReq)
		if len(nr.Snapshot) == 0 {
			return nil, errors.New("snapshot is required")
		}
		root, err := navtree.Decode(bytes.NewReader(nr.Snapshot))
		if err != nil {
			return nil, err
		}
		r.Navigate(root)
		return map[string]any{"path": root.Deepest().Path(), "show_ads": r.ShowAds()}, nil
	}
	r.tool(srv, tool, endpoint, decodeArgs[navigateReq])
}

// --- placement ---

type placementReq struct {
	Position adnet.Position    `json:"position"`
	Device   adnet.DeviceClass `json:"device"`
	Width    int               `json:"width"`
}

func (r *Runtime) registerPlacementTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_placement",
		Description: "Resolve the placement identifier for a position and device class on the current route.",
		InputSchema: inputSchema(map[string]any{
			"position": positionProp,
			"device":   deviceProp,
			"width":    widthProp,
		}, []string{"position"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		pr := req.(*placementReq)
		device := pr.Device
		if pr.Width > 0 {
			device = r.DeviceClass(pr.Width)
		}
		if !pr.Position.Valid() || !device.Valid() {
			return nil, errors.New("need a valid position and device or width")
		}
		return map[string]string{
			"position":  string(pr.Position),
			"device":    string(device),
			"placement": r.Placement(pr.Position, device),
		}, nil
	}
	r.tool(srv, tool, endpoint, decodeArgs[placementReq])
}

// --- mount ---

func (r *Runtime) registerMountTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_mount",
		Description: "Mount an ad slot: resolve the placement for position/device and register a fresh slot id, or register an explicit placementName/slotId pair.",
		InputSchema: inputSchema(map[string]any{
			"position":      positionProp,
			"device":        deviceProp,
			"width":         widthProp,
			"placementName": map[string]any{"type": "string"},
			"slotId":        map[string]any{"type": "string"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		return mount(r, *req.(*mountRequest))
	}
	r.tool(srv, tool, endpoint, decodeArgs[mountRequest], r.auditing("mount"))
}

// --- release ---

type releaseReq struct {
	SlotID string `json:"slotId"`
}

func (r *Runtime) registerReleaseTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_release",
		Description: "Release a mounted slot; the next batch no longer carries it.",
		InputSchema: inputSchema(map[string]any{
			"slotId": map[string]any{"type": "string"},
		}, []string{"slotId"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		rr := req.(*releaseReq)
		if rr.SlotID == "" {
			return nil, errors.New("slotId is required")
		}
		r.Release(rr.SlotID)
		return map[string]string{"released": rr.SlotID}, nil
	}
	r.tool(srv, tool, endpoint, decodeArgs[releaseReq], r.auditing("release"))
}

// --- policy ---

type policyReq struct {
	Enabled *bool `json:"enabled"`
}

func (r *Runtime) registerPolicyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_set_policy",
		Description: "Enable or disable ads. Disabling removes the ad script, stylesheet and preconnect hints and forgets every slot.",
		InputSchema: inputSchema(map[string]any{
			"enabled": map[string]any{"type": "boolean"},
		}, []string{"enabled"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		pr := req.(*policyReq)
		if pr.Enabled == nil {
			return nil, errors.New("enabled is required")
		}
		r.SetAdsEnabled(*pr.Enabled)
		return map[string]bool{"enabled": *pr.Enabled}, nil
	}
	r.tool(srv, tool, endpoint, decodeArgs[policyReq], r.auditing("set_policy"))
}

// --- refresh ---

func (r *Runtime) registerRefreshTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "adslot_refresh",
		Description: "Refresh ads on the current route: re-assert page_url and refresh or re-batch every slot.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		r.Refresh()
		return map[string]string{"status": "refreshing"}, nil
	}
	r.tool(srv, tool, endpoint, noArgs, r.auditing("refresh"))
}
