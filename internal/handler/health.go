package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	cookies *session.Cookies
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, cookies *session.Cookies, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, cookies: cookies, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the proxy version and the calling client's target state.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"outage_store": h.cfg.Outage.Store,
	}
	if active, ok := h.cookies.Active(c.Request()); ok {
		body["active_target"] = active.String()
	}
	if last, ok := h.cookies.Last(c.Request()); ok {
		body["last_target"] = last.String()
	}
	return c.JSON(http.StatusOK, body)
}
