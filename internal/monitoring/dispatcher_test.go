package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
)

type denyAll struct{}

func (denyAll) Allow(string, time.Time) bool { return false }

func newTestDispatcher(d *fakeDriver, throttle Throttle, events EventSink) *ActionDispatcher {
	return NewActionDispatcher(d, d, d, throttle, time.Second, metrics.NewCollector(nil), events)
}

func TestActionDispatcher_Run(t *testing.T) {
	target := &database.Target{ID: "stock", Name: "Stock", URL: "https://example.com/s"}
	fullRule := database.Rule{
		ID:             "stock-rule-1",
		TargetID:       "stock",
		Condition:      database.ConditionGreater,
		Threshold:      "3",
		ActionURL:      "https://example.com/buy",
		ActionSelector: "#confirm",
		Notify:         true,
	}

	tests := []struct {
		name      string
		rule      func(r database.Rule) database.Rule
		setup     func(d *fakeDriver)
		throttle  Throttle
		wantCalls []string
		wantError []string
	}{
		{
			name:      "navigate click notify in order",
			rule:      func(r database.Rule) database.Rule { return r },
			wantCalls: []string{"navigate:https://example.com/buy", "click:css:#confirm", "notify:Stock changed"},
		},
		{
			name:      "navigation failure skips click",
			rule:      func(r database.Rule) database.Rule { return r },
			setup:     func(d *fakeDriver) { d.navErr = errors.New("net down") },
			wantCalls: []string{"navigate:https://example.com/buy", "notify:Stock changed"},
			wantError: []string{"Navigation failed", "skipped"},
		},
		{
			name:      "click failure still notifies",
			rule:      func(r database.Rule) database.Rule { return r },
			setup:     func(d *fakeDriver) { d.clickErr = errors.New("no such element") },
			wantCalls: []string{"navigate:https://example.com/buy", "click:css:#confirm", "notify:Stock changed"},
			wantError: []string{"Click failed"},
		},
		{
			name:      "notify failure becomes error record",
			rule:      func(r database.Rule) database.Rule { return r },
			setup:     func(d *fakeDriver) { d.notifyErr = &NotifyError{Channel: "pushover", Err: errors.New("401")} },
			wantCalls: []string{"navigate:https://example.com/buy", "click:css:#confirm", "notify:Stock changed"},
			wantError: []string{"Notification failed"},
		},
		{
			name: "click without navigation uses selector type",
			rule: func(r database.Rule) database.Rule {
				r.ActionURL = ""
				r.ActionSelectorType = database.SelectorXPath
				r.Notify = false
				return r
			},
			wantCalls: []string{"click:xpath:#confirm"},
		},
		{
			name:      "throttled notification is suppressed",
			rule:      func(r database.Rule) database.Rule { r.ActionURL, r.ActionSelector = "", ""; return r },
			throttle:  denyAll{},
			wantCalls: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := newFakeDriver(nil)
			if tt.setup != nil {
				tt.setup(driver)
			}
			log := &eventLog{}
			rule := tt.rule(fullRule)

			newTestDispatcher(driver, tt.throttle, log).Run(context.Background(), fakeSession("default"), target, &rule, "7")

			assert.Equal(t, tt.wantCalls, driver.callLog())
			for _, msg := range tt.wantError {
				_, ok := log.find("stock", LevelError, msg)
				assert.True(t, ok, "expected error record containing %q", msg)
			}
			if len(tt.wantError) == 0 {
				assert.Zero(t, log.count("stock", LevelError))
			}
			for _, r := range log.all() {
				assert.Equal(t, rule.ID, r.RuleID)
			}
		})
	}
}

func TestActionDispatcher_MissingCollaborators(t *testing.T) {
	log := &eventLog{}
	d := NewActionDispatcher(nil, nil, nil, nil, 0, nil, log)
	rule := &database.Rule{ID: "r", ActionURL: "https://x", Notify: true}

	d.Run(context.Background(), fakeSession("s"), &database.Target{ID: "t"}, rule, "v")

	_, ok := log.find("t", LevelError, ErrUnsupported.Error())
	assert.True(t, ok)
	_, ok = log.find("t", LevelError, "no notifier")
	assert.True(t, ok)
}

func TestNotificationText_ReferencesValueAndThreshold(t *testing.T) {
	target := &database.Target{ID: "stock", Name: "ACME", URL: "https://example.com"}
	rule := &database.Rule{ID: "r1", Condition: database.ConditionLess, Threshold: "12.5", Description: "buy the dip"}

	title, body := NotificationText(target, rule, "11.9")
	assert.Equal(t, "ACME changed", title)
	assert.Contains(t, body, "11.9")
	assert.Contains(t, body, "less than 12.5")
	assert.Contains(t, body, "buy the dip")
	assert.Contains(t, body, "https://example.com")
}

func TestErrorTypes_Unwrap(t *testing.T) {
	cause := errors.New("root")

	var navErr *NavError
	require.True(t, errors.As(asNavError("u", cause), &navErr))
	assert.ErrorIs(t, navErr, cause)

	var clickErr *ClickError
	require.True(t, errors.As(asClickError("s", cause), &clickErr))
	assert.ErrorIs(t, clickErr, cause)

	fe := NewFetchError(FetchUnknown, "t", context.DeadlineExceeded)
	assert.Equal(t, FetchTimeout, fe.Kind)
	assert.Equal(t, FetchNotFound, FetchErrorKindOf(NewFetchError(FetchNotFound, "t", cause)))
	assert.Equal(t, FetchUnknown, FetchErrorKindOf(cause))
}
