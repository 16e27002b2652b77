// Package session carries the per-client target selection in cookies.
//
// There is no server-side session table: the active target and the last
// selected target travel with every request as the ProxyTarget and
// LastTarget cookies.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nomad-proxy-go/internal/config"
)

const (
	// ActiveCookie holds the backend base URL driving forwarding.
	ActiveCookie = "ProxyTarget"
	// LastCookie holds the last successfully selected URL, used only to
	// pre-fill the selection form.
	LastCookie = "LastTarget"
)

var (
	// ErrInvalidTarget is returned for an empty or malformed target URL.
	ErrInvalidTarget = errors.New("invalid target URL")
	// ErrNoActiveTarget is returned when a request carries no usable active target.
	ErrNoActiveTarget = errors.New("no active target")
)

// ParseTarget validates a submitted backend base URL. Only absolute http and
// https URLs with a host are accepted.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https; got %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Cookies reads and writes the target cookies.
type Cookies struct {
	secure     bool
	lastMaxAge int
}

// NewCookies creates a Cookies codec from the cookie settings.
func NewCookies(cfg *config.Config) *Cookies {
	return &Cookies{
		secure:     cfg.Cookie.Secure,
		lastMaxAge: int((time.Duration(cfg.Cookie.LastTargetMaxAgeDays) * 24 * time.Hour).Seconds()),
	}
}

// Active returns the active target carried by r. A cookie that does not
// decode to a valid target is treated as absent.
func (c *Cookies) Active(r *http.Request) (*url.URL, bool) {
	return readTarget(r, ActiveCookie)
}

// Last returns the last selected target carried by r.
func (c *Cookies) Last(r *http.Request) (*url.URL, bool) {
	return readTarget(r, LastCookie)
}

// RequireActive is Active with ErrNoActiveTarget in place of the boolean.
func (c *Cookies) RequireActive(r *http.Request) (*url.URL, error) {
	u, ok := c.Active(r)
	if !ok {
		return nil, ErrNoActiveTarget
	}
	return u, nil
}

// Commit returns the cookies selecting u: the active cookie and the last
// cookie, both set to u.
func (c *Cookies) Commit(u *url.URL) []*http.Cookie {
	value := url.QueryEscape(u.String())

	active := c.base(ActiveCookie, value)

	last := c.base(LastCookie, value)
	last.MaxAge = c.lastMaxAge

	return []*http.Cookie{active, last}
}

// ClearActive returns an expired active cookie. The last cookie is left alone.
func (c *Cookies) ClearActive() *http.Cookie {
	cookie := c.base(ActiveCookie, "deleted")
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)
	return cookie
}

func (c *Cookies) base(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func readTarget(r *http.Request, name string) (*url.URL, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	raw, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return nil, false
	}
	u, err := ParseTarget(raw)
	if err != nil {
		return nil, false
	}
	return u, true
}

// IsOwnCookie reports whether name is one of the cookies managed here.
func IsOwnCookie(name string) bool {
	return name == ActiveCookie || name == LastCookie
}
