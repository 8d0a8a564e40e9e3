// internal/database/models.go
package database

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SelectorType tells a driver how to resolve Target.Selector on the page.
type SelectorType string

const (
	SelectorID    SelectorType = "id"
	SelectorClass SelectorType = "class"
	SelectorXPath SelectorType = "xpath"
	SelectorCSS   SelectorType = "css"
	SelectorName  SelectorType = "name"
	SelectorTag   SelectorType = "tag"
)

// Valid reports whether s is one of the known selector types.
func (s SelectorType) Valid() bool {
	switch s {
	case SelectorID, SelectorClass, SelectorXPath, SelectorCSS, SelectorName, SelectorTag:
		return true
	}
	return false
}

// Condition is the closed set of rule conditions.
type Condition string

const (
	ConditionAnyChange Condition = "any_change"
	ConditionContains  Condition = "contains"
	ConditionEquals    Condition = "equals"
	ConditionGreater   Condition = "greater"
	ConditionLess      Condition = "less"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionAnyChange, ConditionContains, ConditionEquals, ConditionGreater, ConditionLess:
		return true
	}
	return false
}

// NeedsThreshold reports whether rules with this condition must carry a threshold.
func (c Condition) NeedsThreshold() bool {
	return c != ConditionAnyChange
}

// Numeric reports whether the condition compares parsed numbers.
func (c Condition) Numeric() bool {
	return c == ConditionGreater || c == ConditionLess
}

// Describe renders the condition together with its threshold for messages.
func (c Condition) Describe(threshold string) string {
	switch c {
	case ConditionAnyChange:
		return "any change"
	case ConditionContains:
		return fmt.Sprintf("contains %q", threshold)
	case ConditionEquals:
		return fmt.Sprintf("equals %q", threshold)
	case ConditionGreater:
		return "greater than " + threshold
	case ConditionLess:
		return "less than " + threshold
	}
	return string(c)
}

type Target struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	URL          string        `json:"url"`
	Selector     string        `json:"selector"`
	SelectorType SelectorType  `json:"selector_type"`
	PollInterval time.Duration `json:"poll_interval"`
	Session      string        `json:"session"`
	Enabled      bool          `json:"enabled"`
	Managed      bool          `json:"managed"` // defined in the config file
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DisplayName returns the name used in logs and notifications.
func (t *Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Description != "" {
		return t.Description
	}
	return t.ID
}

// SessionName returns the browsing context the target is polled in. A target
// without a session gets a private one; only targets naming the same session
// share a browsing context and its lock.
func (t *Target) SessionName() string {
	if t.Session == "" {
		return PrivateSession(t.ID)
	}
	return t.Session
}

// PrivateSession names the browsing context of a target that did not ask to
// share one.
func PrivateSession(targetID string) string {
	return "target/" + targetID
}

// SameLocation reports whether a loop polling t must be restarted to poll other.
func (t *Target) SameLocation(other *Target) bool {
	return t.URL == other.URL &&
		t.Selector == other.Selector &&
		t.SelectorType == other.SelectorType &&
		t.PollInterval == other.PollInterval &&
		t.SessionName() == other.SessionName()
}

type Rule struct {
	ID                 string       `json:"id"`
	TargetID           string       `json:"target_id"`
	Description        string       `json:"description"`
	Condition          Condition    `json:"condition"`
	Threshold          string       `json:"threshold,omitempty"`
	ActionURL          string       `json:"action_url,omitempty"`
	ActionSelector     string       `json:"action_selector,omitempty"`
	ActionSelectorType SelectorType `json:"action_selector_type,omitempty"`
	Notify             bool         `json:"notify"`
	Enabled            bool         `json:"enabled"`
	Managed            bool         `json:"managed"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ClickSelectorType returns the selector type used for ActionSelector.
func (r *Rule) ClickSelectorType() SelectorType {
	if r.ActionSelectorType == "" {
		return SelectorCSS
	}
	return r.ActionSelectorType
}

// TargetState is the last observation of a target. LastValue is nil until
// the first successful fetch.
// SortRules orders rules by id, comparing runs of digits by value so that
// "stock-rule-2" comes before "stock-rule-10".
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return naturalLess(rules[i].ID, rules[j].ID) })
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		if isDigit(a[0]) && isDigit(b[0]) {
			na, restA := digitRun(a)
			nb, restB := digitRun(b)
			ta, tb := strings.TrimLeft(na, "0"), strings.TrimLeft(nb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			a, b = restA, restB
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func digitRun(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

type TargetState struct {
	TargetID          string    `json:"target_id"`
	LastValue         *string   `json:"last_value,omitempty"`
	LastCheckedAt     time.Time `json:"last_checked_at"`
	LastError         string    `json:"last_error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastMatchAt       time.Time `json:"last_match_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s TargetState) Clone() TargetState {
	if s.LastValue != nil {
		v := *s.LastValue
		s.LastValue = &v
	}
	return s
}

type TargetFilters struct {
	Enabled *bool
	Session string
}

type RuleFilters struct {
	TargetID string
	Enabled  *bool
}
