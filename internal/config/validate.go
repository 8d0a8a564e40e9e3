package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"pagewatch/internal/database"
)

// ConfigError reports a target or rule that must not be scheduled.
type ConfigError struct {
	Kind string // "target" or "rule"
	ID   string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ID, e.Msg)
}

// ValidateTarget checks a target before it is stored or scheduled.
func ValidateTarget(t *database.Target) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Kind: "target", ID: t.ID, Msg: fmt.Sprintf(format, args...)}
	}

	if t.ID == "" {
		return fail("id (or name) is required")
	}
	if !isValidURL(t.URL) {
		return fail("url must start with http:// or https://")
	}
	if strings.TrimSpace(t.Selector) == "" {
		return fail("selector is required")
	}
	if !t.SelectorType.Valid() {
		return fail("unknown selector_type %q", t.SelectorType)
	}
	if t.PollInterval <= 0 {
		return fail("interval must be positive")
	}
	return nil
}

// ValidateRule checks the rule on its own; the caller verifies the target exists.
func ValidateRule(r *database.Rule) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Kind: "rule", ID: r.ID, Msg: fmt.Sprintf(format, args...)}
	}

	if r.TargetID == "" {
		return fail("target is required")
	}
	if !r.Condition.Valid() {
		return fail("unknown condition %q", r.Condition)
	}
	if r.Condition.NeedsThreshold() && r.Threshold == "" {
		return fail("condition %s requires a value", r.Condition)
	}
	if r.Condition.Numeric() && !isNumber(r.Threshold) {
		return fail("condition %s requires a numeric value, got %q", r.Condition, r.Threshold)
	}
	if r.ActionURL != "" && !isValidURL(r.ActionURL) {
		return fail("action_url must start with http:// or https://")
	}
	if r.ActionSelector != "" && !r.ClickSelectorType().Valid() {
		return fail("unknown action_selector_type %q", r.ActionSelectorType)
	}
	return nil
}

func isNumber(s string) bool {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}
