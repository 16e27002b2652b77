package service

import (
	"net/http"
	"strings"

	httpheader "github.com/golang/gddo/httputil/header"

	"nomad-proxy-go/internal/session"
)

// isHopByHopHeader reports whether name is meaningful only for a single
// connection leg. The name must already be canonicalized.
func isHopByHopHeader(name string) bool {
	switch name {
	case
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade":
		return true
	default:
		return false
	}
}

// withoutHopByHop copies src, dropping hop-by-hop headers and any header
// named in the Connection header.
func withoutHopByHop(src http.Header) http.Header {
	listed := map[string]bool{}
	for _, token := range httpheader.ParseList(src, "Connection") {
		listed[http.CanonicalHeaderKey(token)] = true
	}

	dst := make(http.Header, len(src))
	for name, values := range src {
		if isHopByHopHeader(name) || listed[name] {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}

// stripOwnCookies removes the target cookies from the Cookie header so the
// backend never sees the proxy's own state.
func stripOwnCookies(h http.Header) {
	lines := h.Values("Cookie")
	if len(lines) == 0 {
		return
	}

	var kept []string
	for _, line := range lines {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, _, _ := strings.Cut(part, "=")
			if session.IsOwnCookie(strings.TrimSpace(name)) {
				continue
			}
			kept = append(kept, part)
		}
	}

	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

// appendForwardedFor adds clientIP to the X-Forwarded-For chain.
func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}
