// Package middleware provides Echo middleware for logging, metrics and the
// headers attached to the proxy's own pages.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// probePaths are logged at debug level so liveness checks do not flood the log.
var probePaths = map[string]bool{
	"/_proxy/healthz": true,
	"/_proxy/status":  true,
}

// RequestLogger returns an Echo middleware that logs each completed request
// with slog. Relays aborted mid-stream are logged by the proxy handler.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if probePaths[req.URL.Path] {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
