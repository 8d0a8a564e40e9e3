// internal/browser/http.go - Driver for pages that render without JavaScript
package browser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/monitoring"
)

const maxPageSize = 10 << 20

type httpSession struct {
	name string
}

func (s httpSession) Name() string { return s.name }

// HTTPDriver fetches pages with a plain HTTP client. It cannot click, and
// navigation is a GET whose response is discarded.
type HTTPDriver struct {
	client    *http.Client
	userAgent string
}

func NewHTTPDriver(cfg config.BrowserConfig) (*HTTPDriver, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	cookies, err := LoadCookies(cfg.CookiesFile)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	restored := 0
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		u, hc := c.HTTPCookie()
		jar.SetCookies(u, []*http.Cookie{hc})
		restored++
	}
	if restored > 0 {
		logrus.WithField("cookies", restored).Info("Restored cookie snapshot")
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; pagewatch/1.0)"
	}

	return &HTTPDriver{
		client:    &http.Client{Jar: jar},
		userAgent: userAgent,
	}, nil
}

// Session returns a named handle; all sessions share the cookie jar.
func (d *HTTPDriver) Session(ctx context.Context, name string) (monitoring.Session, error) {
	return httpSession{name: name}, nil
}

func (d *HTTPDriver) Fetch(ctx context.Context, session monitoring.Session, target *database.Target) (string, error) {
	body, err := d.get(ctx, target.URL)
	if err != nil {
		return "", classify(target.ID, err)
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", monitoring.NewFetchError(monitoring.FetchUnknown, target.ID, fmt.Errorf("failed to parse page: %w", err))
	}

	value, found, err := Extract(root, target.Selector, target.SelectorType)
	if err != nil {
		return "", monitoring.NewFetchError(monitoring.FetchUnknown, target.ID, err)
	}
	if !found {
		return "", monitoring.NewFetchError(monitoring.FetchNotFound, target.ID,
			fmt.Errorf("no element matches %s selector %q", target.SelectorType, target.Selector))
	}
	return value, nil
}

func (d *HTTPDriver) NavigateTo(ctx context.Context, session monitoring.Session, url string) error {
	if _, err := d.get(ctx, url); err != nil {
		return &monitoring.NavError{URL: url, Err: err}
	}
	return nil
}

func (d *HTTPDriver) Click(ctx context.Context, session monitoring.Session, selector string, selectorType database.SelectorType) error {
	return &monitoring.ClickError{Selector: selector, Err: fmt.Errorf("http driver: %w", monitoring.ErrUnsupported)}
}

func (d *HTTPDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

func (d *HTTPDriver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))
		return nil, &statusError{code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
}

func classify(targetID string, err error) error {
	if se, ok := err.(*statusError); ok {
		switch se.code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return monitoring.NewFetchError(monitoring.FetchSessionInvalid, targetID, err)
		case http.StatusNotFound, http.StatusGone:
			return monitoring.NewFetchError(monitoring.FetchNotFound, targetID, err)
		}
	}
	return monitoring.NewFetchError(monitoring.FetchUnknown, targetID, err)
}

// Extract reads the value of the first element matching selector in a
// parsed document: its text, else its value attribute, else its inner HTML.
func Extract(root *html.Node, selector string, selectorType database.SelectorType) (string, bool, error) {
	if selectorType == database.SelectorXPath {
		node, err := htmlquery.Query(root, selector)
		if err != nil {
			return "", false, fmt.Errorf("invalid xpath %q: %w", selector, err)
		}
		if node == nil {
			return "", false, nil
		}
		if text := strings.TrimSpace(htmlquery.InnerText(node)); text != "" {
			return text, true, nil
		}
		if value := strings.TrimSpace(htmlquery.SelectAttr(node, "value")); value != "" {
			return value, true, nil
		}
		return strings.TrimSpace(htmlquery.OutputHTML(node, false)), true, nil
	}

	css := cssFor(selector, selectorType)
	// goquery silently matches nothing on a bad selector
	if _, err := cascadia.Compile(css); err != nil {
		return "", false, fmt.Errorf("invalid selector %q: %w", css, err)
	}
	sel := goquery.NewDocumentFromNode(root).Find(css).First()
	if sel.Length() == 0 {
		return "", false, nil
	}
	if text := strings.TrimSpace(sel.Text()); text != "" {
		return text, true, nil
	}
	if value := strings.TrimSpace(sel.AttrOr("value", "")); value != "" {
		return value, true, nil
	}
	inner, err := sel.Html()
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(inner), true, nil
}
