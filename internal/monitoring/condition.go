package monitoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"pagewatch/internal/database"
)

const ReasonNonNumeric = "non-numeric value"

type MatchResult struct {
	Matched bool
	Reason  string
}

// Evaluate decides whether rule matches the new observation. prev is nil
// before the first successful fetch. It has no side effects.
func Evaluate(prev *string, value string, rule *database.Rule) MatchResult {
	switch rule.Condition {
	case database.ConditionAnyChange:
		if prev == nil {
			return MatchResult{Reason: "first observation"}
		}
		if value == *prev {
			return MatchResult{Reason: "value unchanged"}
		}
		return MatchResult{Matched: true, Reason: fmt.Sprintf("value changed from %q to %q", truncate(*prev), truncate(value))}

	case database.ConditionContains:
		if strings.Contains(value, rule.Threshold) {
			return MatchResult{Matched: true, Reason: fmt.Sprintf("value contains %q", rule.Threshold)}
		}
		return MatchResult{Reason: fmt.Sprintf("value does not contain %q", rule.Threshold)}

	case database.ConditionEquals:
		if value == rule.Threshold {
			return MatchResult{Matched: true, Reason: fmt.Sprintf("value equals %q", rule.Threshold)}
		}
		return MatchResult{Reason: fmt.Sprintf("value does not equal %q", rule.Threshold)}

	case database.ConditionGreater, database.ConditionLess:
		v, okV := parseNumber(value)
		t, okT := parseNumber(rule.Threshold)
		if !okV || !okT {
			return MatchResult{Reason: ReasonNonNumeric}
		}
		if rule.Condition == database.ConditionGreater {
			if v > t {
				return MatchResult{Matched: true, Reason: fmt.Sprintf("%s > %s", value, rule.Threshold)}
			}
			return MatchResult{Reason: fmt.Sprintf("%s <= %s", value, rule.Threshold)}
		}
		if v < t {
			return MatchResult{Matched: true, Reason: fmt.Sprintf("%s < %s", value, rule.Threshold)}
		}
		return MatchResult{Reason: fmt.Sprintf("%s >= %s", value, rule.Threshold)}
	}

	return MatchResult{Reason: fmt.Sprintf("unknown condition %q", rule.Condition)}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

const maxValueLen = 100

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxValueLen {
		return s
	}
	return string(r[:maxValueLen]) + "..."
}
