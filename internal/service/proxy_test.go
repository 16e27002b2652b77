package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"nomad-proxy-go/internal/client"
	"nomad-proxy-go/internal/config"
	"nomad-proxy-go/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds:   2,
			HeaderTimeoutSeconds: 5,
			IdleTimeoutSeconds:   5,
			UserAgent:            "NomadProxy/1.0",
		},
		Stream: config.StreamConfig{
			ContentTypes: []string{"multipart/x-mixed-replace"},
			PathSuffixes: []string{".mjpeg"},
			ChunkBytes:   8192,
		},
	}
}

func newTestService(cfg *config.Config) *ProxyService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestBuildRequestHeaders(t *testing.T) {
	s := &ProxyService{cfg: testConfig()}
	src := http.Header{
		"Accept":              {"image/jpeg"},
		"Authorization":       {"Basic Zm9vOmJhcg=="},
		"Connection":          {"keep-alive, X-Hop"},
		"X-Hop":               {"one-leg-only"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic c2VjcmV0"},
		"Te":                  {"trailers"},
		"Upgrade":             {"websocket"},
		"Cookie":              {"ProxyTarget=http%3A%2F%2Fcam; sid=42; LastTarget=x"},
	}

	dst := s.buildRequestHeaders(src, "10.0.0.7")

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"Te stripped", "Te", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"Connection-listed header stripped", "X-Hop", 0},
		{"User-Agent injected", "User-Agent", 1},
		{"X-Forwarded-For added", "X-Forwarded-For", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if got := dst.Get("Cookie"); got != "sid=42" {
		t.Errorf("Cookie = %q, want %q", got, "sid=42")
	}
	if got := dst.Get("Connection"); got != "close" {
		t.Errorf("Connection = %q, want %q", got, "close")
	}
	if got := dst.Get("User-Agent"); got != "NomadProxy/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "NomadProxy/1.0")
	}
	if got := dst.Get("X-Forwarded-For"); got != "10.0.0.7" {
		t.Errorf("X-Forwarded-For = %q, want %q", got, "10.0.0.7")
	}
	if src.Get("X-Hop") == "" {
		t.Error("source headers must not be modified")
	}
}

func TestBuildRequestHeaders_KeepsClientUserAgent(t *testing.T) {
	s := &ProxyService{cfg: testConfig()}
	dst := s.buildRequestHeaders(http.Header{"User-Agent": {"VLC/3.0"}}, "")

	if got := dst.Get("User-Agent"); got != "VLC/3.0" {
		t.Errorf("User-Agent = %q, want %q", got, "VLC/3.0")
	}
	if got := dst.Get("X-Forwarded-For"); got != "" {
		t.Errorf("X-Forwarded-For = %q, want empty without a client IP", got)
	}
}

func TestBuildRequestHeaders_AppendsForwardedFor(t *testing.T) {
	s := &ProxyService{cfg: testConfig()}
	dst := s.buildRequestHeaders(http.Header{"X-Forwarded-For": {"203.0.113.5"}}, "10.0.0.7")

	if got := dst.Get("X-Forwarded-For"); got != "203.0.113.5, 10.0.0.7" {
		t.Errorf("X-Forwarded-For = %q, want %q", got, "203.0.113.5, 10.0.0.7")
	}
}

func TestBuildRequestHeaders_OnlyOwnCookies(t *testing.T) {
	s := &ProxyService{cfg: testConfig()}
	dst := s.buildRequestHeaders(http.Header{"Cookie": {"ProxyTarget=a; LastTarget=b"}}, "")

	if got := dst.Values("Cookie"); len(got) != 0 {
		t.Errorf("Cookie = %q, want header removed", got)
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"image/jpeg"},
		"Content-Length":    {"42"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close, X-Backend-Hop"},
		"X-Backend-Hop":     {"1"},
		"Set-Cookie":        {"cam_session=abc"},
		"Cache-Control":     {"no-cache"},
	}

	tests := []struct {
		name    string
		mode    model.Mode
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", model.Bounded, "Content-Type", 1},
		{"Content-Length kept when bounded", model.Bounded, "Content-Length", 1},
		{"Content-Length dropped when streaming", model.Streaming, "Content-Length", 0},
		{"Set-Cookie forwarded", model.Bounded, "Set-Cookie", 1},
		{"Cache-Control forwarded", model.Bounded, "Cache-Control", 1},
		{"Transfer-Encoding stripped", model.Bounded, "Transfer-Encoding", 0},
		{"Connection stripped", model.Bounded, "Connection", 0},
		{"Connection-listed header stripped", model.Bounded, "X-Backend-Hop", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filterResponseHeaders(src, tt.mode)
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestIsStreaming(t *testing.T) {
	cfg := testConfig().Stream

	tests := []struct {
		name         string
		path         string
		header       http.Header
		want         bool
		wantBoundary string
	}{
		{
			name:         "multipart content type",
			path:         "/video",
			header:       http.Header{"Content-Type": {"multipart/x-mixed-replace; boundary=frame"}},
			want:         true,
			wantBoundary: "frame",
		},
		{
			name:         "content type match is case-insensitive",
			path:         "/video",
			header:       http.Header{"Content-Type": {"Multipart/X-Mixed-Replace;boundary=\"b1\""}},
			want:         true,
			wantBoundary: "b1",
		},
		{
			name:   "mjpeg path suffix",
			path:   "/cam/video.MJPEG",
			header: http.Header{"Content-Type": {"image/jpeg"}},
			want:   true,
		},
		{
			name:   "declared length is bounded",
			path:   "/cam/video.mjpeg",
			header: http.Header{"Content-Type": {"multipart/x-mixed-replace; boundary=frame"}, "Content-Length": {"100"}},
			want:   false,
		},
		{
			name:   "plain html",
			path:   "/index.html",
			header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			want:   false,
		},
		{
			name:   "no content type",
			path:   "/",
			header: http.Header{},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, boundary := IsStreaming(tt.path, tt.header, &cfg)
			if got != tt.want {
				t.Errorf("IsStreaming() = %v, want %v", got, tt.want)
			}
			if boundary != tt.wantBoundary {
				t.Errorf("boundary = %q, want %q", boundary, tt.wantBoundary)
			}
		})
	}
}

func TestBuildBackendURL(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		path     string
		rawQuery string
		want     string
	}{
		{
			name:   "root target",
			target: "http://cam.local:8081",
			path:   "/video.mjpeg",
			want:   "http://cam.local:8081/video.mjpeg",
		},
		{
			name:   "target with base path",
			target: "http://cam.local/base/",
			path:   "/stream",
			want:   "http://cam.local/base/stream",
		},
		{
			name:   "target base path without trailing slash",
			target: "http://cam.local/base",
			path:   "/stream",
			want:   "http://cam.local/base/stream",
		},
		{
			name:     "inbound query carried over",
			target:   "http://cam.local",
			path:     "/snap",
			rawQuery: "w=640&h=480",
			want:     "http://cam.local/snap?w=640&h=480",
		},
		{
			name:     "target parameter removed",
			target:   "http://cam.local",
			path:     "/snap",
			rawQuery: "target=http%3A%2F%2Fother&w=640",
			want:     "http://cam.local/snap?w=640",
		},
		{
			name:     "only target parameter leaves no query",
			target:   "http://cam.local",
			path:     "/snap",
			rawQuery: "target=x",
			want:     "http://cam.local/snap",
		},
		{
			name:     "target query merged",
			target:   "http://cam.local/?user=admin",
			path:     "/snap",
			rawQuery: "w=640",
			want:     "http://cam.local/snap?user=admin&w=640",
		},
		{
			name:   "target query kept without inbound query",
			target: "https://cam.local/?user=admin",
			path:   "/",
			want:   "https://cam.local/?user=admin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildBackendURL(mustParse(t, tt.target), tt.path, tt.rawQuery)
			if got != tt.want {
				t.Errorf("BuildBackendURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_HappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cam/snap.jpg" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/cam/snap.jpg")
		}
		if r.URL.Query().Get("target") != "" {
			t.Errorf("target query param should be stripped, got %q", r.URL.Query().Get("target"))
		}
		if r.URL.Query().Get("w") != "640" {
			t.Errorf("w = %q, want %q", r.URL.Query().Get("w"), "640")
		}
		if strings.Contains(r.Header.Get("Cookie"), "ProxyTarget") {
			t.Errorf("Cookie leaked proxy state: %q", r.Header.Get("Cookie"))
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer backend.Close()

	svc := newTestService(testConfig())

	pr := &model.ProxyRequest{
		Ctx:      context.Background(),
		Target:   mustParse(t, backend.URL+"/cam"),
		Path:     "/snap.jpg",
		RawQuery: "w=640&target=nope",
		Header:   http.Header{"Cookie": {"ProxyTarget=abc"}},
		ClientIP: "127.0.0.1",
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Mode != model.Bounded {
		t.Errorf("Mode = %v, want %v", resp.Mode, model.Bounded)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "jpeg" {
		t.Errorf("body = %q, want %q", string(body), "jpeg")
	}
}

func TestForward_StreamingResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("--frame\r\n"))
	}))
	defer backend.Close()

	svc := newTestService(testConfig())

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, backend.URL),
		Path:   "/video",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Mode != model.Streaming {
		t.Errorf("Mode = %v, want %v", resp.Mode, model.Streaming)
	}
	if resp.Boundary != "frame" {
		t.Errorf("Boundary = %q, want %q", resp.Boundary, "frame")
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Errorf("Content-Length = %q, want none for a stream", resp.Header.Get("Content-Length"))
	}
}

func TestForward_RelaysErrorStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such camera", http.StatusNotFound)
	}))
	defer backend.Close()

	svc := newTestService(testConfig())

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, backend.URL),
		Path:   "/missing",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestForward_Unreachable(t *testing.T) {
	svc := newTestService(testConfig())

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: mustParse(t, "http://127.0.0.1:1"),
		Path:   "/",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error, got nil")
	}
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("Forward() error = %v, want ErrBackendUnreachable", err)
	}
}
