package handler

import (
	"fmt"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/metrics"
	"nomad-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// not claimed by the proxy itself is relayed to the active target.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	selection *SelectionHandler,
	proxy *ProxyHandler,
	health *HealthHandler,
) {
	pages := middleware.SecurityHeaders()
	formLimit := echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.FormMaxBytes))

	e.GET("/_proxy/healthz", health.Healthz)
	e.GET("/_proxy/status", health.Status)

	e.GET("/", selection.Form, pages)
	e.POST("/", selection.Select, pages, formLimit)
	e.GET("/reset", selection.Reset, pages)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.GET("/*", proxy.Handle)
}
