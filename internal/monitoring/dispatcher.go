// internal/monitoring/dispatcher.go - Runs the side effects of a matched rule
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
)

// Throttle decides whether a notification for a target may be sent now.
type Throttle interface {
	Allow(targetID string, now time.Time) bool
}

type ActionDispatcher struct {
	navigator Navigator
	clicker   Clicker
	notifier  Notifier
	throttle  Throttle
	timeout   time.Duration
	metrics   *metrics.Collector
	events    EventSink
}

// NewActionDispatcher wires the action collaborators. Any of navigator,
// clicker, notifier and throttle may be nil; rules needing a missing
// collaborator get an error record instead of the action.
func NewActionDispatcher(navigator Navigator, clicker Clicker, notifier Notifier, throttle Throttle,
	timeout time.Duration, collector *metrics.Collector, events EventSink) *ActionDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ActionDispatcher{
		navigator: navigator,
		clicker:   clicker,
		notifier:  notifier,
		throttle:  throttle,
		timeout:   timeout,
		metrics:   collector,
		events:    events,
	}
}

// Run executes navigate, click and notify for rule in that order. A failed
// navigation skips the click; the notification is still attempted.
// Failures become error records and are never returned.
func (d *ActionDispatcher) Run(ctx context.Context, session Session, target *database.Target, rule *database.Rule, value string) {
	navigated := true

	if rule.ActionURL != "" {
		err := d.navigate(ctx, session, rule.ActionURL)
		d.record("navigate", err)
		if err != nil {
			navigated = false
			d.emit(LevelError, target, rule, fmt.Sprintf("Navigation failed: %v", err))
		} else {
			d.emit(LevelInfo, target, rule, fmt.Sprintf("Navigated to %s", rule.ActionURL))
		}
	}

	if rule.ActionSelector != "" {
		if !navigated {
			d.emit(LevelError, target, rule, fmt.Sprintf("Click on %s skipped: navigation failed", rule.ActionSelector))
		} else {
			err := d.click(ctx, session, rule.ActionSelector, rule.ClickSelectorType())
			d.record("click", err)
			if err != nil {
				d.emit(LevelError, target, rule, fmt.Sprintf("Click failed: %v", err))
			} else {
				d.emit(LevelInfo, target, rule, fmt.Sprintf("Clicked %s", rule.ActionSelector))
			}
		}
	}

	if rule.Notify {
		d.notify(ctx, target, rule, value)
	}
}

func (d *ActionDispatcher) navigate(ctx context.Context, session Session, url string) error {
	if d.navigator == nil {
		return &NavError{URL: url, Err: ErrUnsupported}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.navigator.NavigateTo(ctx, session, url); err != nil {
		return asNavError(url, err)
	}
	return nil
}

func (d *ActionDispatcher) click(ctx context.Context, session Session, selector string, selectorType database.SelectorType) error {
	if d.clicker == nil {
		return &ClickError{Selector: selector, Err: ErrUnsupported}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.clicker.Click(ctx, session, selector, selectorType); err != nil {
		return asClickError(selector, err)
	}
	return nil
}

func (d *ActionDispatcher) notify(ctx context.Context, target *database.Target, rule *database.Rule, value string) {
	if d.notifier == nil {
		d.emit(LevelError, target, rule, "Notification failed: no notifier configured")
		return
	}

	if d.throttle != nil && !d.throttle.Allow(target.ID, time.Now()) {
		logrus.WithFields(logrus.Fields{
			"target": target.ID,
			"rule":   rule.ID,
		}).Debug("Notification throttled")
		d.emit(LevelInfo, target, rule, "Notification suppressed by throttle")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	title, body := NotificationText(target, rule, value)
	err := d.notifier.Notify(ctx, title, body)
	d.record("notify", err)
	if err != nil {
		d.emit(LevelError, target, rule, fmt.Sprintf("Notification failed: %v", err))
		return
	}
	d.emit(LevelInfo, target, rule, "Notification sent")
}

// NotificationText renders the title and body for a matched rule.
func NotificationText(target *database.Target, rule *database.Rule, value string) (string, string) {
	title := fmt.Sprintf("%s changed", target.DisplayName())

	body := fmt.Sprintf("%s is now %s (rule %s: %s)",
		target.DisplayName(), truncate(value), rule.ID, rule.Condition.Describe(rule.Threshold))
	if rule.Description != "" {
		body += "\n" + rule.Description
	}
	body += "\n" + target.URL

	return title, body
}

func (d *ActionDispatcher) emit(level Level, target *database.Target, rule *database.Rule, msg string) {
	if d.events == nil {
		return
	}
	d.events.Emit(NewEvent(level, target.ID, rule.ID, msg))
}

func (d *ActionDispatcher) record(action string, err error) {
	if d.metrics != nil {
		d.metrics.RecordAction(action, err)
	}
}

func asNavError(url string, err error) error {
	if _, ok := err.(*NavError); ok {
		return err
	}
	return &NavError{URL: url, Err: err}
}

func asClickError(selector string, err error) error {
	if _, ok := err.(*ClickError); ok {
		return err
	}
	return &ClickError{Selector: selector, Err: err}
}
