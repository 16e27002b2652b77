// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Mode selects how a backend response body is relayed to the client.
type Mode int

const (
	// Bounded responses have a determinable end: a declared length or a
	// normal end of body.
	Bounded Mode = iota
	// Streaming responses are continuous multipart streams (e.g. MJPEG) that
	// end only when the backend closes the connection.
	Streaming
)

// String returns the mode label used in logs and metrics.
func (m Mode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "bounded"
}

// ProxyRequest represents a client GET request to be forwarded to the active target.
type ProxyRequest struct {
	Ctx      context.Context
	Target   *url.URL
	Path     string
	RawQuery string
	Header   http.Header
	ClientIP string
}

// ProxyResponse represents the backend response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Mode       Mode

	// Boundary is the multipart boundary declared by a streaming response, if any.
	Boundary string
}
