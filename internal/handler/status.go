package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nebloop/fleetbridge/internal/httputil"
	"github.com/nebloop/fleetbridge/internal/registry"
	"github.com/nebloop/fleetbridge/internal/switcher"
)

// StatusDeps bundles what the liveness/status endpoints need. Kept
// separate from Deps since these routes are mounted on the
// loopback-only agent listener, not the public dialect surface.
type StatusDeps struct {
	Registry   *registry.Registry
	Switcher   *switcher.Switcher
	AdminToken string
}

// MountStatus registers §6's liveness probe and admin status endpoint.
// Both are intended for the loopback-only listener — never the public
// listen address — so neither carries the API-key middleware.
func MountStatus(r chi.Router, d StatusDeps) {
	r.Get("/healthz", healthz(d))
	r.Get("/internal/status", internalStatus(d))
}

func healthz(d StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := d.Switcher.CurrentAuthIndex()
		_, connected := d.Registry.GetSocketByIdentity(active)
		httputil.OkJSON(w, map[string]any{
			"status":            "ok",
			"activeIdentity":    active,
			"socketConnected":   connected,
			"graceWindowActive": d.Registry.IsGraceWindowActive(),
		})
	}
}

// internalStatus is the admin-token-gated superset of healthz, for
// operators poking at a running instance from localhost.
func internalStatus(d StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.AdminToken != "" {
			got := r.Header.Get("X-Admin-Token")
			if got == "" || got != d.AdminToken {
				httputil.Unauthorized(w, "invalid admin token")
				return
			}
		}

		active := d.Switcher.CurrentAuthIndex()
		_, connected := d.Registry.GetSocketByIdentity(active)
		httputil.OkJSON(w, map[string]any{
			"activeIdentity":    active,
			"socketConnected":   connected,
			"graceWindowActive": d.Registry.IsGraceWindowActive(),
		})
	}
}
