package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"pagewatch/internal/config"
	"pagewatch/internal/monitoring"
)

func newProductServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><span class="stock">12 left</span></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_PrintsValueAndStanza(t *testing.T) {
	srv := newProductServer(t)
	out := filepath.Join(t.TempDir(), "target.yaml")

	opts := &probeOptions{
		selectorType: "class",
		driver:       "http",
		name:         "Widget stock",
		interval:     time.Minute,
		session:      "shop",
		output:       out,
		timeout:      5 * time.Second,
	}

	var buf bytes.Buffer
	require.NoError(t, probe(context.Background(), &buf, opts, srv.URL, "stock"))
	assert.Contains(t, buf.String(), `"12 left"`)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var parsed struct {
		Targets []config.TargetConfig `yaml:"targets"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Len(t, parsed.Targets, 1)
	assert.Equal(t, "Widget stock", parsed.Targets[0].Name)
	assert.Equal(t, "stock", parsed.Targets[0].Selector)
	assert.Equal(t, "class", parsed.Targets[0].SelectorType)
	assert.Equal(t, time.Minute, parsed.Targets[0].Interval)
	assert.Equal(t, "shop", parsed.Targets[0].Session)
}

func TestProbe_ReportsFetchKind(t *testing.T) {
	srv := newProductServer(t)
	opts := &probeOptions{selectorType: "id", driver: "http", interval: time.Minute, session: "default", timeout: 5 * time.Second}

	var buf bytes.Buffer
	err := probe(context.Background(), &buf, opts, srv.URL, "missing")
	require.Error(t, err)
	assert.Equal(t, monitoring.FetchNotFound, monitoring.FetchErrorKindOf(err))
	assert.Contains(t, err.Error(), "not_found")
}

func TestProbe_RejectsBadTarget(t *testing.T) {
	opts := &probeOptions{selectorType: "regex", driver: "http", interval: time.Minute, timeout: time.Second}
	err := probe(context.Background(), &bytes.Buffer{}, opts, "https://example.com", "x")
	assert.ErrorContains(t, err, "selector_type")
}
