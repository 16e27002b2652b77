package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"go.uber.org/multierr"

	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/metrics"
	"nomad-proxy-go/internal/model"
	"nomad-proxy-go/internal/outage"
	"nomad-proxy-go/internal/relay"
	"nomad-proxy-go/internal/service"
	"nomad-proxy-go/internal/session"
)

// outageWriteTimeout bounds the outage store update made after the client
// request context may already be gone.
const outageWriteTimeout = 2 * time.Second

// ProxyHandler relays requests to the backend selected by the client's cookie.
type ProxyHandler struct {
	service *service.ProxyService
	cookies *session.Cookies
	outages outage.Store
	metrics *metrics.Metrics
	stream  config.StreamConfig
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(
	svc *service.ProxyService,
	cookies *session.Cookies,
	outages outage.Store,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cookies: cookies,
		outages: outages,
		metrics: m,
		stream:  cfg.Stream,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the active target and relays the response.
//
// Without a usable active target, or after a previous relay to the same
// target broke mid-stream, the client is sent back to the selection form.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := h.cookies.RequireActive(req)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/")
	}

	clientIP := c.RealIP()
	if h.recordedOutage(req.Context(), clientIP, target) {
		c.SetCookie(h.cookies.ClearActive())
		return c.Redirect(http.StatusSeeOther, "/")
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Target:   target,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		ClientIP: clientIP,
	}

	start := time.Now()
	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.fail(c, pr, err)
	}

	if resp.Mode == model.Streaming && h.metrics != nil {
		h.metrics.StreamsActive.Inc()
		defer h.metrics.StreamsActive.Dec()
	}

	resp.Header.Set("Connection", "close")
	res, relayErr := relay.Copy(c.Response(), resp.StatusCode, resp.Header, resp.Body, relay.Options{
		ChunkBytes:   h.stream.ChunkBytes,
		Flush:        resp.Mode == model.Streaming,
		WriteTimeout: h.stream.WriteTimeout(),
	})
	closeErr := resp.Body.Close()

	if h.metrics != nil {
		h.metrics.RelayedBytes.WithLabelValues(resp.Mode.String()).Add(float64(res.Bytes))
	}

	if relayErr == nil {
		h.logger.Debug("relay complete",
			"target", target.Host,
			"path", pr.Path,
			"mode", resp.Mode.String(),
			"boundary", resp.Boundary,
			"status", resp.StatusCode,
			"bytes", humanize.Bytes(uint64(res.Bytes)),
			"duration", time.Since(start).String(),
		)
		if closeErr != nil {
			h.logger.Debug("closing backend body", "err", closeErr)
		}
		return nil
	}

	relayErr = multierr.Append(relayErr, closeErr)
	if !res.Committed {
		return h.fail(c, pr, relayErr)
	}
	h.abort(pr, resp, res, relayErr)
	return nil
}

// fail answers a request whose backend failed before any response byte was
// sent: 502 with a short explanation, and the active target is dropped.
func (h *ProxyHandler) fail(c echo.Context, pr *model.ProxyRequest, err error) error {
	stage := failureStage(err)
	h.logger.Error("proxy error",
		"err", err,
		"target", pr.Target.Host,
		"path", pr.Path,
		"stage", stage,
	)
	if h.metrics != nil {
		h.metrics.RelayFailures.WithLabelValues(stage).Inc()
	}

	c.SetCookie(h.cookies.ClearActive())
	c.Response().Header().Set("Connection", "close")
	return c.String(http.StatusBadGateway, "Bad Gateway: "+failureReason(err)+"\n")
}

// abort handles a relay that broke after the status line went out, on either
// side. The failure is recorded so the client's next request drops the
// target, and the client connection is torn down so the truncation is visible.
func (h *ProxyHandler) abort(pr *model.ProxyRequest, resp *model.ProxyResponse, res relay.Result, err error) {
	h.logger.Warn("relay interrupted",
		"err", err,
		"target", pr.Target.Host,
		"path", pr.Path,
		"mode", resp.Mode.String(),
		"boundary", resp.Boundary,
		"sent", humanize.Bytes(uint64(res.Bytes)),
		"stage", metrics.StageMidstream,
	)
	if h.metrics != nil {
		h.metrics.RelayFailures.WithLabelValues(metrics.StageMidstream).Inc()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(pr.Ctx), outageWriteTimeout)
	defer cancel()
	if rerr := h.outages.Record(ctx, pr.ClientIP, pr.Target.String()); rerr != nil {
		h.logger.Error("recording outage", "err", rerr, "target", pr.Target.Host)
	}

	panic(http.ErrAbortHandler)
}

// recordedOutage reports whether a relay to target previously broke for this
// client. The record is consumed.
func (h *ProxyHandler) recordedOutage(ctx context.Context, clientIP string, target *url.URL) bool {
	failed, err := h.outages.Failed(ctx, clientIP, target.String())
	if err != nil {
		h.logger.Warn("checking outage store", "err", err)
		return false
	}
	if !failed {
		return false
	}
	if err := h.outages.Forget(ctx, clientIP, target.String()); err != nil {
		h.logger.Warn("clearing outage record", "err", err)
	}
	return true
}

// failureStage tells a failure to get response headers apart from a failure
// reading the first body chunk after they arrived.
func failureStage(err error) string {
	if errors.Is(err, relay.ErrBackendRead) {
		return metrics.StageResponse
	}
	return metrics.StageConnect
}

// failureReason turns a backend error into a message safe to show clients.
func failureReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "backend did not respond in time"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "backend host not found"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "backend connection failed"
	}

	if errors.Is(err, relay.ErrBackendRead) {
		return "backend closed the connection"
	}

	return "backend request failed"
}
