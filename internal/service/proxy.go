// Package service implements the forwarding core: composing the backend
// request, classifying the response, and sanitizing headers in both directions.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	httpheader "github.com/golang/gddo/httputil/header"

	"nomad-proxy-go/internal/client"
	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/model"
)

// ErrBackendUnreachable is returned when the backend could not be connected
// to, or failed before sending response headers.
var ErrBackendUnreachable = errors.New("backend unreachable")

// ProxyService handles the forwarding logic for proxied requests.
type ProxyService struct {
	client *client.BackendClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to its target on a fresh connection and
// returns the response with headers sanitized and the relay mode decided.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	backendURL := BuildBackendURL(pr.Target, pr.Path, pr.RawQuery)
	header := s.buildRequestHeaders(pr.Header, pr.ClientIP)

	s.logger.Debug("forwarding request",
		"target", pr.Target.Host,
		"path", pr.Path,
	)

	resp, err := s.client.Get(pr.Ctx, backendURL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	}

	streaming, boundary := IsStreaming(pr.Path, resp.Header, &s.cfg.Stream)
	if streaming {
		resp.Mode = model.Streaming
		resp.Boundary = boundary
	}
	resp.Header = filterResponseHeaders(resp.Header, resp.Mode)
	return resp, nil
}

// IsStreaming decides whether a backend response is a continuous multipart
// stream. A response that declares its length is always bounded; otherwise it
// streams when its media type is one of cfg.ContentTypes or the requested
// path ends in one of cfg.PathSuffixes. The multipart boundary is returned
// when the response declares one.
func IsStreaming(path string, h http.Header, cfg *config.StreamConfig) (bool, string) {
	if h.Get("Content-Length") != "" {
		return false, ""
	}

	mediaType, params := httpheader.ParseValueAndParams(h, "Content-Type")
	for _, ct := range cfg.ContentTypes {
		if mediaType != "" && strings.EqualFold(mediaType, ct) {
			return true, params["boundary"]
		}
	}

	lower := strings.ToLower(path)
	for _, suffix := range cfg.PathSuffixes {
		if suffix != "" && strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true, params["boundary"]
		}
	}
	return false, ""
}

// BuildBackendURL appends path to the target's base path and carries the
// inbound query over, minus the form's "target" parameter.
func BuildBackendURL(target *url.URL, path, rawQuery string) string {
	u := *target
	u.Path = singleJoiningSlash(target.Path, path)
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""

	q := withoutTargetParam(rawQuery)
	switch {
	case target.RawQuery == "":
		u.RawQuery = q
	case q != "":
		u.RawQuery = target.RawQuery + "&" + q
	}

	return u.String()
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	if a == "" || a == "/" {
		if b == "" {
			return "/"
		}
		return b
	}
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

func withoutTargetParam(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if _, ok := values["target"]; !ok {
		return rawQuery
	}
	values.Del("target")
	return values.Encode()
}

// buildRequestHeaders copies the inbound headers for the backend leg.
func (s *ProxyService) buildRequestHeaders(src http.Header, clientIP string) http.Header {
	dst := withoutHopByHop(src)
	stripOwnCookies(dst)
	appendForwardedFor(dst, clientIP)

	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", s.cfg.Upstream.UserAgent)
	}
	dst.Set("Connection", "close")
	return dst
}

// filterResponseHeaders mirrors the backend headers minus hop-by-hop ones.
// Streaming responses lose Content-Length: their length is unbounded.
func filterResponseHeaders(src http.Header, mode model.Mode) http.Header {
	dst := withoutHopByHop(src)
	if mode == model.Streaming {
		dst.Del("Content-Length")
	}
	return dst
}
