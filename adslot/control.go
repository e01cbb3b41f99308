package adslot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/idgen"
	"github.com/hazyhaar/adslot/kit"
	"github.com/hazyhaar/adslot/navtree"
)

// maxBody caps control request bodies.
const maxBody = 1 << 20

// routeStore persists the route-group table. The watcher feeding
// SetRouteGroups picks stored changes up.
type routeStore interface {
	Load(ctx context.Context) (adnet.RouteGroupTable, error)
	Replace(ctx context.Context, t adnet.RouteGroupTable) error
}

type control struct {
	rt    *Runtime
	store routeStore
}

// Handler returns the HTTP control API of the runtime:
//
//	GET    /healthz
//	GET    /status
//	PUT    /policy              {"enabled": bool}
//	POST   /navigate            navigation snapshot
//	GET    /placement           ?position=top&device=desktop (or &width=1280)
//	POST   /slots               {"position": "top", "device": "desktop"} or {"placementName", "slotId"}
//	DELETE /slots/{slotID}
//	POST   /refresh
//	GET    /route-groups
//	PUT    /route-groups        route-group table
//	GET    /audit               ?operation=mount&limit=50
//	GET    /metrics
func (r *Runtime) Handler() http.Handler {
	return r.handler(nil)
}

func (r *Runtime) handler(st routeStore) http.Handler {
	c := &control{rt: r, store: st}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(c.requestContext)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": r.Session()})
	})
	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.Status())
	})
	mux.Put("/policy", c.handlePolicy)
	mux.Post("/navigate", c.handleNavigate)
	mux.Get("/placement", c.handlePlacement)
	mux.Route("/slots", func(sr chi.Router) {
		sr.Post("/", c.handleMount)
		sr.Delete("/{slotID}", c.handleRelease)
	})
	mux.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
		_ = r.audited(req.Context(), "refresh", nil, func() error {
			r.Refresh()
			return nil
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
	})
	mux.Get("/route-groups", c.handleGetRouteGroups)
	mux.Put("/route-groups", c.handlePutRouteGroups)
	mux.Get("/audit", c.handleAudit)
	mux.Handle("/metrics", promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{}))
	return mux
}

func (c *control) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := kit.WithTransport(req.Context(), "http")
		ctx = kit.WithSessionID(ctx, c.rt.Session())
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = idgen.Request()
		}
		ctx = kit.WithRequestID(ctx, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func (c *control) handlePolicy(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(req, &body); err != nil || body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"enabled\": bool}"})
		return
	}
	_ = c.rt.audited(req.Context(), "set_policy", body, func() error {
		c.rt.SetAdsEnabled(*body.Enabled)
		return nil
	})
	writeJSON(w, http.StatusAccepted, map[string]bool{"enabled": *body.Enabled})
}

func (c *control) handleNavigate(w http.ResponseWriter, req *http.Request) {
	root, err := navtree.Decode(http.MaxBytesReader(w, req.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	c.rt.Navigate(root)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     root.Deepest().Path(),
		"show_ads": c.rt.ShowAds(),
	})
}

func (c *control) handlePlacement(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	pos := adnet.Position(q.Get("position"))
	device, err := c.device(q.Get("device"), q.Get("width"))
	if err != nil || !pos.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "need a valid position and device or width"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"position":  string(pos),
		"device":    string(device),
		"placement": c.rt.Placement(pos, device),
	})
}

type mountRequest struct {
	Position      adnet.Position    `json:"position"`
	Device        adnet.DeviceClass `json:"device"`
	Width         int               `json:"width"`
	PlacementName string            `json:"placementName"`
	SlotID        string            `json:"slotId"`
}

func (c *control) handleMount(w http.ResponseWriter, req *http.Request) {
	var body mountRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var slot adnet.Slot
	err := c.rt.audited(req.Context(), "mount", body, func() (err error) {
		slot, err = mount(c.rt, body)
		return err
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errNoPlacement) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, slot)
}

func (c *control) handleRelease(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "slotID")
	_ = c.rt.audited(req.Context(), "release", map[string]string{"slotId": id}, func() error {
		c.rt.Release(id)
		return nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"released": id})
}

func (c *control) handleGetRouteGroups(w http.ResponseWriter, req *http.Request) {
	if c.store == nil {
		writeJSON(w, http.StatusOK, c.rt.RouteGroups())
		return
	}
	t, err := c.store.Load(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *control) handlePutRouteGroups(w http.ResponseWriter, req *http.Request) {
	var t adnet.RouteGroupTable
	if err := decodeBody(req, &t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validateTable(t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := c.rt.audited(req.Context(), "replace_route_groups", t, func() error {
		if c.store != nil {
			if err := c.store.Replace(req.Context(), t); err != nil {
				return err
			}
		}
		c.rt.SetRouteGroups(t)
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"groups": len(t)})
}

func (c *control) handleAudit(w http.ResponseWriter, req *http.Request) {
	if c.rt.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no audit log configured"})
		return
	}
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := c.rt.audit.Recent(req.Context(), q.Get("operation"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (c *control) device(name, width string) (adnet.DeviceClass, error) {
	if width != "" {
		n, err := strconv.Atoi(width)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid width %q", width)
		}
		return c.rt.DeviceClass(n), nil
	}
	d := adnet.DeviceClass(name)
	if !d.Valid() {
		return "", fmt.Errorf("invalid device %q", name)
	}
	return d, nil
}

var errNoPlacement = errors.New("no placement for this route, position and device")

// mount serves both the HTTP and MCP surfaces: either an explicit
// (placementName, slotId) registration or a (position, device) mount.
func mount(rt *Runtime, m mountRequest) (adnet.Slot, error) {
	if m.PlacementName != "" || m.SlotID != "" {
		if m.PlacementName == "" || m.SlotID == "" {
			return adnet.Slot{}, errors.New("placementName and slotId go together")
		}
		if !rt.AdsEnabled() {
			return adnet.Slot{}, errors.New("ads are disabled")
		}
		rt.Register(m.PlacementName, m.SlotID)
		return adnet.Slot{PlacementName: m.PlacementName, SlotID: m.SlotID}, nil
	}
	if !m.Position.Valid() {
		return adnet.Slot{}, fmt.Errorf("invalid position %q", m.Position)
	}
	device := m.Device
	if m.Width > 0 {
		device = rt.DeviceClass(m.Width)
	}
	if !device.Valid() {
		return adnet.Slot{}, fmt.Errorf("invalid device %q", m.Device)
	}
	slot, ok := rt.Mount(m.Position, device)
	if !ok {
		return adnet.Slot{}, errNoPlacement
	}
	return slot, nil
}

func validateTable(t adnet.RouteGroupTable) error {
	for group, cfg := range t {
		for device, positions := range cfg {
			if !device.Valid() {
				return fmt.Errorf("route group %q: unknown device class %q", group, device)
			}
			for pos := range positions {
				if !pos.Valid() {
					return fmt.Errorf("route group %q: unknown position %q", group, pos)
				}
			}
		}
	}
	return nil
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("adslot: write response", "error", err)
	}
}
