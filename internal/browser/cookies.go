// internal/browser/cookies.go - Cookie snapshots shared by the drivers
package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cookie is the on-disk form of a browser cookie. Expires is seconds since
// the epoch; zero or negative means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// LoadCookies reads a snapshot. A missing file yields no cookies.
func LoadCookies(path string) ([]Cookie, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie snapshot: %w", err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse cookie snapshot %s: %w", path, err)
	}
	return cookies, nil
}

// SaveCookies writes a snapshot readable only by the current user.
func SaveCookies(path string, cookies []Cookie) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cookie directory: %w", err)
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write cookie snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Expired reports whether the cookie is past its expiry at now.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now)
}

// HTTPCookie converts to net/http form together with the URL the cookie
// belongs to, as needed by a cookie jar.
func (c Cookie) HTTPCookie() (*url.URL, *http.Cookie) {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	u := &url.URL{Scheme: scheme, Host: strings.TrimPrefix(c.Domain, "."), Path: path}

	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if strings.HasPrefix(c.Domain, ".") {
		hc.Domain = c.Domain
	}
	if c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	return u, hc
}
