// Package client provides the outbound HTTP client for the selected backend.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/metrics"
	"nomad-proxy-go/internal/model"
)

// BackendClient sends requests to whichever backend a client has selected.
//
// Every request gets its own connection: keep-alives are disabled, so the
// connection is closed as soon as the response body is closed.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connect, header and per-read timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	dialer := &net.Dialer{Timeout: cfg.Upstream.DialTimeout()}
	idle := cfg.Upstream.IdleTimeout()

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if idle > 0 {
				return &idleConn{Conn: conn, timeout: idle}, nil
			}
			return conn, nil
		},
		TLSHandshakeTimeout:   cfg.Upstream.DialTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.HeaderTimeout(),
		DisableKeepAlives:     true,
		// Never negotiate gzip on the client's behalf; bytes must pass through unchanged.
		DisableCompression: true,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client rather than followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body, which also closes
// the backend connection.
func (c *BackendClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(req.URL.Scheme).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Get issues a GET for url on a fresh connection and returns the response
// with its body unread. The provided context controls the lifetime of the
// backend request: when it is canceled (e.g. the client disconnects), the
// backend connection is torn down.
func (c *BackendClient) Get(ctx context.Context, url string, header http.Header) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = header
	req.Close = true

	return c.Do(req)
}

// idleConn bounds how long a single read from the backend may block, so a
// backend that stalls silently mid-stream is detected.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

// Read extends the read deadline before every read.
func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}
