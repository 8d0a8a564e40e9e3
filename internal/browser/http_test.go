package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/monitoring"
)

const productPage = `<!DOCTYPE html>
<html><body>
  <h1 class="title main">Widget</h1>
  <span id="stock"> 7 </span>
  <div class="price">$12.50</div>
  <input name="qty" value="3">
  <div id="empty"><b></b></div>
  <table><tr><td>row</td></tr></table>
</body></html>`

func TestExtract(t *testing.T) {
	root, err := html.Parse(strings.NewReader(productPage))
	require.NoError(t, err)

	tests := []struct {
		name         string
		selector     string
		selectorType database.SelectorType
		want         string
		found        bool
	}{
		{"id", "stock", database.SelectorID, "7", true},
		{"class", "price", database.SelectorClass, "$12.50", true},
		{"multiple classes", "title main", database.SelectorClass, "Widget", true},
		{"css", "body > h1", database.SelectorCSS, "Widget", true},
		{"tag", "td", database.SelectorTag, "row", true},
		{"name falls back to value", "qty", database.SelectorName, "3", true},
		{"xpath", "//span[@id='stock']", database.SelectorXPath, "7", true},
		{"xpath value attribute", "//input[@name='qty']", database.SelectorXPath, "3", true},
		{"inner html when no text", "empty", database.SelectorID, "<b></b>", true},
		{"missing", "nope", database.SelectorID, "", false},
		{"missing xpath", "//article", database.SelectorXPath, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := Extract(root, tt.selector, tt.selectorType)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_InvalidSelectors(t *testing.T) {
	root, err := html.Parse(strings.NewReader(productPage))
	require.NoError(t, err)

	_, _, err = Extract(root, "//span[", database.SelectorXPath)
	assert.Error(t, err)

	_, _, err = Extract(root, "div[", database.SelectorCSS)
	assert.Error(t, err)
}

func TestCSSFor(t *testing.T) {
	assert.Equal(t, `[id="stock"]`, cssFor("stock", database.SelectorID))
	assert.Equal(t, ".a.b", cssFor("a  b", database.SelectorClass))
	assert.Equal(t, `[name="q"]`, cssFor("q", database.SelectorName))
	assert.Equal(t, "div > p", cssFor("div > p", database.SelectorCSS))
	assert.Equal(t, "td", cssFor("td", database.SelectorTag))
}

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/product", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(productPage))
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil || c.Value != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`<p id="balance">42</p>`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func target(url, selector string, selectorType database.SelectorType) *database.Target {
	return &database.Target{ID: "t1", URL: url, Selector: selector, SelectorType: selectorType}
}

func TestHTTPDriver_Fetch(t *testing.T) {
	srv := newPageServer(t)
	d, err := NewHTTPDriver(config.BrowserConfig{Driver: "http"})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	session, err := d.Session(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "default", session.Name())

	value, err := d.Fetch(ctx, session, target(srv.URL+"/product", "stock", database.SelectorID))
	require.NoError(t, err)
	assert.Equal(t, "7", value)

	_, err = d.Fetch(ctx, session, target(srv.URL+"/product", "missing", database.SelectorID))
	assert.Equal(t, monitoring.FetchNotFound, monitoring.FetchErrorKindOf(err))

	_, err = d.Fetch(ctx, session, target(srv.URL+"/account", "balance", database.SelectorID))
	assert.Equal(t, monitoring.FetchSessionInvalid, monitoring.FetchErrorKindOf(err))

	_, err = d.Fetch(ctx, session, target(srv.URL+"/broken", "x", database.SelectorID))
	assert.Equal(t, monitoring.FetchUnknown, monitoring.FetchErrorKindOf(err))
}

func TestHTTPDriver_FetchTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	d, err := NewHTTPDriver(config.BrowserConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	session, _ := d.Session(ctx, "default")

	_, err = d.Fetch(ctx, session, target(srv.URL, "x", database.SelectorID))
	assert.Equal(t, monitoring.FetchTimeout, monitoring.FetchErrorKindOf(err))
}

func TestHTTPDriver_UsesCookieSnapshot(t *testing.T) {
	srv := newPageServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, SaveCookies(path, []Cookie{
		{Name: "sid", Value: "secret", Domain: u.Hostname(), Path: "/"},
		{Name: "old", Value: "x", Domain: u.Hostname(), Path: "/", Expires: 1},
	}))

	d, err := NewHTTPDriver(config.BrowserConfig{CookiesFile: path})
	require.NoError(t, err)

	ctx := context.Background()
	session, _ := d.Session(ctx, "default")
	value, err := d.Fetch(ctx, session, target(srv.URL+"/account", "balance", database.SelectorID))
	require.NoError(t, err)
	assert.Equal(t, "42", value)
}

func TestHTTPDriver_Actions(t *testing.T) {
	srv := newPageServer(t)
	d, err := NewHTTPDriver(config.BrowserConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	session, _ := d.Session(ctx, "default")

	assert.NoError(t, d.NavigateTo(ctx, session, srv.URL+"/product"))

	err = d.NavigateTo(ctx, session, srv.URL+"/broken")
	var navErr *monitoring.NavError
	require.True(t, errors.As(err, &navErr))
	assert.Equal(t, srv.URL+"/broken", navErr.URL)

	err = d.Click(ctx, session, "#buy", database.SelectorCSS)
	var clickErr *monitoring.ClickError
	require.True(t, errors.As(err, &clickErr))
	assert.ErrorIs(t, err, monitoring.ErrUnsupported)
}

func TestCookies_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cookies.json")

	cookies, err := LoadCookies(path)
	require.NoError(t, err)
	assert.Nil(t, cookies, "missing snapshot is empty")

	want := []Cookie{{Name: "sid", Value: "v", Domain: ".example.com", Path: "/", Expires: 2e9, HTTPOnly: true, Secure: true}}
	require.NoError(t, SaveCookies(path, want))

	got, err := LoadCookies(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	u, hc := got[0].HTTPCookie()
	assert.Equal(t, "https://example.com/", u.String())
	assert.Equal(t, ".example.com", hc.Domain)
	assert.False(t, got[0].Expired(time.Unix(1e9, 0)))
	assert.True(t, got[0].Expired(time.Unix(3e9, 0)))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(config.BrowserConfig{Driver: "lynx"})
	assert.ErrorContains(t, err, "unknown browser driver")
}
