package handler

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"nomad-proxy-go/internal/metrics"
	"nomad-proxy-go/internal/outage"
	"nomad-proxy-go/internal/session"
)

//go:embed templates/form.html
var templateFS embed.FS

var formTemplate = template.Must(template.ParseFS(templateFS, "templates/form.html"))

// formView is the data rendered into the selection form.
type formView struct {
	Prefill string
	Active  string
	Error   string
}

// SelectionHandler serves the target selection form and commits selections.
type SelectionHandler struct {
	cookies *session.Cookies
	outages outage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSelectionHandler creates a SelectionHandler. The metrics parameter may be nil.
func NewSelectionHandler(cookies *session.Cookies, outages outage.Store, m *metrics.Metrics, logger *slog.Logger) *SelectionHandler {
	return &SelectionHandler{
		cookies: cookies,
		outages: outages,
		metrics: m,
		logger:  logger.With("component", "selection_handler"),
	}
}

// Form renders the selection form. With an active target the page shows the
// connection and is pre-filled with it; otherwise it is pre-filled with the
// last selected target.
func (h *SelectionHandler) Form(c echo.Context) error {
	req := c.Request()

	if active, ok := h.cookies.Active(req); ok {
		if h.dropIfFailed(c, active) {
			return h.render(c, formView{Prefill: active.String()})
		}
		return h.render(c, formView{Prefill: active.String(), Active: active.String()})
	}

	view := formView{}
	if last, ok := h.cookies.Last(req); ok {
		view.Prefill = last.String()
	}
	return h.render(c, view)
}

// Select validates the submitted target. A valid target becomes both the
// active and the last target; an invalid one re-renders the form with an
// error and changes nothing.
func (h *SelectionHandler) Select(c echo.Context) error {
	raw := c.Request().PostFormValue("target")

	target, err := session.ParseTarget(raw)
	if err != nil {
		h.count("invalid")
		h.logger.Debug("rejected target", "err", err)
		return h.render(c, formView{Prefill: raw, Error: selectionError(err)})
	}

	if err := h.outages.Forget(c.Request().Context(), c.RealIP(), target.String()); err != nil {
		h.logger.Warn("clearing outage record", "err", err)
	}

	for _, cookie := range h.cookies.Commit(target) {
		c.SetCookie(cookie)
	}
	h.count("accepted")
	h.logger.Info("target selected", "target", target.Host, "client", c.RealIP())

	return c.Redirect(http.StatusSeeOther, "/")
}

// Reset drops the active target and keeps the last one for pre-filling.
func (h *SelectionHandler) Reset(c echo.Context) error {
	c.SetCookie(h.cookies.ClearActive())
	return c.Redirect(http.StatusSeeOther, "/")
}

// dropIfFailed clears the active cookie when the outage store holds a failure
// for it, and reports whether it did.
func (h *SelectionHandler) dropIfFailed(c echo.Context, target *url.URL) bool {
	ctx := c.Request().Context()
	failed, err := h.outages.Failed(ctx, c.RealIP(), target.String())
	if err != nil {
		h.logger.Warn("checking outage store", "err", err)
		return false
	}
	if !failed {
		return false
	}
	if err := h.outages.Forget(ctx, c.RealIP(), target.String()); err != nil {
		h.logger.Warn("clearing outage record", "err", err)
	}
	c.SetCookie(h.cookies.ClearActive())
	return true
}

func (h *SelectionHandler) render(c echo.Context, view formView) error {
	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, view); err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (h *SelectionHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.SelectionsTotal.WithLabelValues(result).Inc()
	}
}

func selectionError(err error) string {
	if errors.Is(err, session.ErrInvalidTarget) {
		return "Enter an http:// or https:// URL with a host, for example http://192.168.1.203:8080"
	}
	return "That target could not be used"
}
