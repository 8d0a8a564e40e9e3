package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/database"
)

const sampleConfig = `
logging:
  level: debug
monitoring:
  default_interval: 10s
browser:
  driver: http
targets:
  - name: Stock Price
    url: https://example.com/stock
    selector: "#price"
  - id: news
    url: https://example.com/news
    selector: //h1
    selector_type: xpath
    interval: 1m
    session: reader
    enabled: false
rules:
  - target: stock-price
    condition: greater
    value: "100"
    action_url: https://example.com/sell
    action_selector: button.confirm
  - id: headline
    target: news
    condition: any_change
    notify: false
`

func TestParse_DefaultsAndConversion(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Port)
	assert.Equal(t, "http", cfg.Browser.Driver)
	assert.Equal(t, 45*time.Second, cfg.Monitoring.FetchTimeout)
	require.Len(t, cfg.Targets, 2)

	stock := cfg.Targets[0].ToTarget()
	assert.Equal(t, "stock-price", stock.ID, "id derived from name")
	assert.Equal(t, database.SelectorCSS, stock.SelectorType)
	assert.Equal(t, 10*time.Second, stock.PollInterval, "falls back to default_interval")
	assert.Empty(t, stock.Session, "no shared session unless named")
	assert.Equal(t, "target/stock-price", stock.SessionName())
	assert.True(t, stock.Enabled)

	news := cfg.Targets[1].ToTarget()
	assert.Equal(t, database.SelectorXPath, news.SelectorType)
	assert.Equal(t, "reader", news.Session)
	assert.False(t, news.Enabled)

	require.Len(t, cfg.Rules, 2)
	sell := cfg.Rules[0].ToRule()
	assert.Equal(t, "stock-price-rule-1", sell.ID)
	assert.Equal(t, database.ConditionGreater, sell.Condition)
	assert.Equal(t, "100", sell.Threshold)
	assert.Equal(t, database.SelectorCSS, sell.ActionSelectorType)
	assert.True(t, sell.Notify, "notify defaults to true")

	headline := cfg.Rules[1].ToRule()
	assert.False(t, headline.Notify)
}

func TestParse_RejectsInvalidRules(t *testing.T) {
	base := `
targets:
  - id: t1
    url: https://example.com
    selector: "#v"
rules:
`
	tests := []struct {
		name string
		rule string
		msg  string
	}{
		{"missing threshold", "  - target: t1\n    condition: contains\n", "requires a value"},
		{"non numeric threshold", "  - target: t1\n    condition: less\n    value: abc\n", "numeric value"},
		{"unknown condition", "  - target: t1\n    condition: regex\n    value: x\n", "unknown condition"},
		{"unknown target", "  - target: nope\n    condition: any_change\n", "non-existent target"},
		{"bad action url", "  - target: t1\n    condition: any_change\n    action_url: ftp://x\n", "action_url"},
		{"bad click selector type", "  - target: t1\n    condition: any_change\n    action_selector: x\n    action_selector_type: link\n", "action_selector_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(base + tt.rule))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, "rule", cfgErr.Kind)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParse_RejectsInvalidTargets(t *testing.T) {
	tests := []struct {
		name   string
		target string
		msg    string
	}{
		{"no url scheme", "  - id: a\n    url: example.com\n    selector: x\n", "url"},
		{"empty selector", "  - id: a\n    url: https://example.com\n    selector: \"\"\n", "selector is required"},
		{"bad selector type", "  - id: a\n    url: https://example.com\n    selector: x\n    selector_type: link\n", "selector_type"},
		{"negative interval", "  - id: a\n    url: https://example.com\n    selector: x\n    interval: -1s\n", "interval"},
		{"duplicate", "  - id: a\n    url: https://example.com\n    selector: x\n  - id: a\n    url: https://example.com\n    selector: y\n", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte("targets:\n" + tt.target))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParse_RejectsUnknownDriver(t *testing.T) {
	_, err := Parse([]byte("browser:\n  driver: firefox\n"))
	assert.ErrorContains(t, err, "browser.driver")
}

func TestPushoverValidation(t *testing.T) {
	_, err := Parse([]byte(`
notifications:
  enabled: true
  pushover:
    enabled: true
    user_key: u
`))
	assert.ErrorContains(t, err, "api_token")

	_, err = Parse([]byte(`
notifications:
  enabled: true
  pushover:
    enabled: true
    user_key: u
    api_token: t
    priority: 2
    retry: 10
`))
	assert.ErrorContains(t, err, "retry")

	cfg, err := Parse([]byte(`
notifications:
  enabled: true
  pushover:
    enabled: true
    user_key: u
    api_token: t
`))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Notifications.Pushover.Throttle.Window)
	assert.Equal(t, "pagewatch: {{.Title}}", cfg.Notifications.Pushover.Title)
}

func TestQuietHours(t *testing.T) {
	q := &QuietHours{Enabled: true, StartHour: 22, EndHour: 7, Timezone: "UTC"}
	assert.True(t, q.IsQuietTime(time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, q.IsQuietTime(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, q.IsQuietTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))

	var none *QuietHours
	assert.False(t, none.IsQuietTime(time.Now()))
}

func TestLoad_WithIncludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf.d"), 0755))

	main := `
include:
  enabled: true
  directory: conf.d
targets:
  - id: a
    url: https://example.com/a
    selector: "#a"
`
	extra := `
logging:
  format: json
targets:
  - id: a
    url: https://example.com/a2
    selector: "#a2"
  - id: b
    url: https://example.com/b
    selector: "#b"
rules:
  - target: b
    condition: equals
    value: done
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pagewatch.yaml"), []byte(main), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf.d", "10-extra.yml"), []byte(extra), 0644))

	cfg, err := Load(filepath.Join(dir, "pagewatch.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Logging.Format)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "https://example.com/a2", cfg.Targets[0].URL, "same id overrides")
	assert.Equal(t, "b", cfg.Targets[1].ID)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "b-rule-1", cfg.Rules[0].ID)
}

func TestLoad_MissingIncludeDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pagewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("include:\n  enabled: true\n  directory: missing\n"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "include directory does not exist")
}
