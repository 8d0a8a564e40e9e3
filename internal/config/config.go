// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pagewatch/internal/database"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Prometheus    PrometheusConfig   `yaml:"prometheus"`
	Monitoring    MonitoringConfig   `yaml:"monitoring"`
	Browser       BrowserConfig      `yaml:"browser"`
	Logging       LoggingConfig      `yaml:"logging"`
	Notifications NotificationConfig `yaml:"notifications"`
	Targets       []TargetConfig     `yaml:"targets"`
	Rules         []RuleConfig       `yaml:"rules"`
	Include       IncludeConfig      `yaml:"include"`
}

type NotificationConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Pushover PushoverConfig `yaml:"pushover"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type MonitoringConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	RestoreState    bool          `yaml:"restore_state"`
	EventBuffer     int           `yaml:"event_buffer"`
	EventHistory    int           `yaml:"event_history"`
}

// BrowserConfig selects and tunes the driver that reads pages.
type BrowserConfig struct {
	Driver         string        `yaml:"driver"` // chrome or http
	Headless       bool          `yaml:"headless"`
	ExecPath       string        `yaml:"exec_path"`
	UserDataDir    string        `yaml:"user_data_dir"`
	UserAgent      string        `yaml:"user_agent"`
	CookiesFile    string        `yaml:"cookies_file"`
	PageLoadWait   time.Duration `yaml:"page_load_wait"`
	ElementTimeout time.Duration `yaml:"element_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TargetConfig struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	URL          string        `yaml:"url"`
	Selector     string        `yaml:"selector"`
	SelectorType string        `yaml:"selector_type"`
	Interval     time.Duration `yaml:"interval"`
	Session      string        `yaml:"session"`
	Enabled      *bool         `yaml:"enabled"`
}

type RuleConfig struct {
	ID                 string `yaml:"id"`
	Target             string `yaml:"target"`
	Description        string `yaml:"description"`
	Condition          string `yaml:"condition"`
	Value              string `yaml:"value"`
	ActionURL          string `yaml:"action_url"`
	ActionSelector     string `yaml:"action_selector"`
	ActionSelectorType string `yaml:"action_selector_type"`
	Notify             *bool  `yaml:"notify"`
	Enabled            *bool  `yaml:"enabled"`
}

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
	Server        *ServerConfig       `yaml:"server,omitempty"`
	Database      *DatabaseConfig     `yaml:"database,omitempty"`
	Prometheus    *PrometheusConfig   `yaml:"prometheus,omitempty"`
	Monitoring    *MonitoringConfig   `yaml:"monitoring,omitempty"`
	Browser       *BrowserConfig      `yaml:"browser,omitempty"`
	Logging       *LoggingConfig      `yaml:"logging,omitempty"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`
	Targets       []TargetConfig      `yaml:"targets,omitempty"`
	Rules         []RuleConfig        `yaml:"rules,omitempty"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse builds a configuration from raw YAML without includes.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	setDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	// Targets and rules accumulate, a later definition with the same id wins
	config.Targets = mergeByID(config.Targets, partial.Targets, func(t TargetConfig) string { return t.ID })
	config.Rules = mergeByID(config.Rules, partial.Rules, func(r RuleConfig) string { return r.ID })

	if partial.Server != nil {
		if partial.Server.Port != "" {
			config.Server.Port = partial.Server.Port
		}
		if partial.Server.ReadTimeout != 0 {
			config.Server.ReadTimeout = partial.Server.ReadTimeout
		}
		if partial.Server.WriteTimeout != 0 {
			config.Server.WriteTimeout = partial.Server.WriteTimeout
		}
	}

	if partial.Database != nil {
		if partial.Database.Path != "" {
			config.Database.Path = partial.Database.Path
		}
		if partial.Database.CleanupInterval != 0 {
			config.Database.CleanupInterval = partial.Database.CleanupInterval
		}
	}

	if partial.Prometheus != nil {
		config.Prometheus.Enabled = partial.Prometheus.Enabled
		if partial.Prometheus.MetricsPath != "" {
			config.Prometheus.MetricsPath = partial.Prometheus.MetricsPath
		}
	}

	if partial.Monitoring != nil {
		mergeMonitoringConfig(&config.Monitoring, partial.Monitoring)
	}

	if partial.Browser != nil {
		mergeBrowserConfig(&config.Browser, partial.Browser)
	}

	if partial.Logging != nil {
		if partial.Logging.Level != "" {
			config.Logging.Level = partial.Logging.Level
		}
		if partial.Logging.Format != "" {
			config.Logging.Format = partial.Logging.Format
		}
	}

	if partial.Notifications != nil {
		mergeNotificationConfig(&config.Notifications, partial.Notifications)
	}
}

func mergeByID[T any](existing, incoming []T, id func(T) string) []T {
	index := make(map[string]int, len(existing))
	for i, item := range existing {
		if key := id(item); key != "" {
			index[key] = i
		}
	}
	for _, item := range incoming {
		if i, ok := index[id(item)]; ok && id(item) != "" {
			existing[i] = item
			continue
		}
		existing = append(existing, item)
		if key := id(item); key != "" {
			index[key] = len(existing) - 1
		}
	}
	return existing
}

func mergeMonitoringConfig(main *MonitoringConfig, partial *MonitoringConfig) {
	if partial.DefaultInterval != 0 {
		main.DefaultInterval = partial.DefaultInterval
	}
	if partial.FetchTimeout != 0 {
		main.FetchTimeout = partial.FetchTimeout
	}
	if partial.ActionTimeout != 0 {
		main.ActionTimeout = partial.ActionTimeout
	}
	if partial.EventBuffer != 0 {
		main.EventBuffer = partial.EventBuffer
	}
	if partial.EventHistory != 0 {
		main.EventHistory = partial.EventHistory
	}
	main.RestoreState = partial.RestoreState
}

func mergeBrowserConfig(main *BrowserConfig, partial *BrowserConfig) {
	if partial.Driver != "" {
		main.Driver = partial.Driver
	}
	if partial.ExecPath != "" {
		main.ExecPath = partial.ExecPath
	}
	if partial.UserDataDir != "" {
		main.UserDataDir = partial.UserDataDir
	}
	if partial.UserAgent != "" {
		main.UserAgent = partial.UserAgent
	}
	if partial.CookiesFile != "" {
		main.CookiesFile = partial.CookiesFile
	}
	if partial.PageLoadWait != 0 {
		main.PageLoadWait = partial.PageLoadWait
	}
	if partial.ElementTimeout != 0 {
		main.ElementTimeout = partial.ElementTimeout
	}
	main.Headless = partial.Headless
}

func mergeNotificationConfig(main *NotificationConfig, partial *NotificationConfig) {
	main.Enabled = partial.Enabled

	p := partial.Pushover
	if p.APIToken != "" {
		main.Pushover.APIToken = p.APIToken
	}
	if p.UserKey != "" {
		main.Pushover.UserKey = p.UserKey
	}
	if p.Priority != 0 {
		main.Pushover.Priority = p.Priority
	}
	if p.Retry != 0 {
		main.Pushover.Retry = p.Retry
	}
	if p.Expire != 0 {
		main.Pushover.Expire = p.Expire
	}
	if p.Sound != "" {
		main.Pushover.Sound = p.Sound
	}
	if p.Device != "" {
		main.Pushover.Device = p.Device
	}
	if p.Title != "" {
		main.Pushover.Title = p.Title
	}
	if p.Template != "" {
		main.Pushover.Template = p.Template
	}
	if p.QuietHours != nil {
		main.Pushover.QuietHours = p.QuietHours
	}
	if p.Throttle.Enabled {
		main.Pushover.Throttle = p.Throttle
	}
	main.Pushover.Enabled = p.Enabled
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/pagewatch.db"
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = 6 * time.Hour
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	if cfg.Monitoring.DefaultInterval == 0 {
		cfg.Monitoring.DefaultInterval = 30 * time.Second
	}
	if cfg.Monitoring.FetchTimeout == 0 {
		cfg.Monitoring.FetchTimeout = 45 * time.Second
	}
	if cfg.Monitoring.ActionTimeout == 0 {
		cfg.Monitoring.ActionTimeout = 30 * time.Second
	}
	if cfg.Monitoring.EventBuffer == 0 {
		cfg.Monitoring.EventBuffer = 1024
	}
	if cfg.Monitoring.EventHistory == 0 {
		cfg.Monitoring.EventHistory = 500
	}

	if cfg.Browser.Driver == "" {
		cfg.Browser.Driver = "chrome"
	}
	if cfg.Browser.PageLoadWait == 0 {
		cfg.Browser.PageLoadWait = 2 * time.Second
	}
	if cfg.Browser.ElementTimeout == 0 {
		cfg.Browser.ElementTimeout = 10 * time.Second
	}
	if cfg.Browser.CookiesFile == "" {
		cfg.Browser.CookiesFile = "./data/cookies.json"
	}

	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	setPushoverDefaults(&cfg.Notifications.Pushover)

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.ID == "" {
			t.ID = slug(t.Name)
		}
		if t.SelectorType == "" {
			t.SelectorType = string(database.SelectorCSS)
		}
		if t.Interval == 0 {
			t.Interval = cfg.Monitoring.DefaultInterval
		}
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s-rule-%d", r.Target, i+1)
		}
		if r.ActionSelector != "" && r.ActionSelectorType == "" {
			r.ActionSelectorType = string(database.SelectorCSS)
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Browser.Driver {
	case "chrome", "http":
	default:
		return fmt.Errorf("browser.driver must be chrome or http, got %q", cfg.Browser.Driver)
	}

	if cfg.Monitoring.DefaultInterval <= 0 {
		return fmt.Errorf("monitoring.default_interval must be positive")
	}
	if cfg.Monitoring.EventBuffer < 1 {
		return fmt.Errorf("monitoring.event_buffer must be at least 1")
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	if cfg.Notifications.Enabled {
		if err := cfg.Notifications.Pushover.Validate(); err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
	}

	targetIDs := make(map[string]bool)
	for _, t := range cfg.Targets {
		target := t.ToTarget()
		if err := ValidateTarget(&target); err != nil {
			return err
		}
		if targetIDs[t.ID] {
			return &ConfigError{Kind: "target", ID: t.ID, Msg: "duplicate target id"}
		}
		targetIDs[t.ID] = true
	}

	ruleIDs := make(map[string]bool)
	for _, r := range cfg.Rules {
		rule := r.ToRule()
		if err := ValidateRule(&rule); err != nil {
			return err
		}
		if !targetIDs[r.Target] {
			return &ConfigError{Kind: "rule", ID: r.ID, Msg: fmt.Sprintf("references non-existent target: %s", r.Target)}
		}
		if ruleIDs[r.ID] {
			return &ConfigError{Kind: "rule", ID: r.ID, Msg: "duplicate rule id"}
		}
		ruleIDs[r.ID] = true
	}

	return nil
}

// ToTarget converts the YAML stanza into the stored model.
func (t TargetConfig) ToTarget() database.Target {
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	return database.Target{
		ID:           t.ID,
		Name:         t.Name,
		Description:  t.Description,
		URL:          t.URL,
		Selector:     t.Selector,
		SelectorType: database.SelectorType(t.SelectorType),
		PollInterval: t.Interval,
		Session:      t.Session,
		Enabled:      enabled,
		Managed:      true,
	}
}

// ToRule converts the YAML stanza into the stored model.
func (r RuleConfig) ToRule() database.Rule {
	notify := true
	if r.Notify != nil {
		notify = *r.Notify
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return database.Rule{
		ID:                 r.ID,
		TargetID:           r.Target,
		Description:        r.Description,
		Condition:          database.Condition(r.Condition),
		Threshold:          r.Value,
		ActionURL:          r.ActionURL,
		ActionSelector:     r.ActionSelector,
		ActionSelectorType: database.SelectorType(r.ActionSelectorType),
		Notify:             notify,
		Enabled:            enabled,
		Managed:            true,
	}
}

// isValidURL checks if a string is a valid URL
func isValidURL(str string) bool {
	return strings.HasPrefix(str, "http://") || strings.HasPrefix(str, "https://")
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return b.String()
}
