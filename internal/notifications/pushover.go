// internal/notifications/pushover.go - Pushover notification service
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
	"pagewatch/internal/monitoring"
)

const (
	PushoverAPIURL = "https://api.pushover.net/1/messages.json"
	UserAgent      = "pagewatch/1.0"
)

// NotificationService routes rule notifications to the enabled channels.
type NotificationService struct {
	config    *config.NotificationConfig
	pushover  *PushoverService
	throttler *NotificationThrottler
}

// PushoverService handles Pushover-specific notifications
type PushoverService struct {
	config     *config.PushoverConfig
	httpClient *http.Client
	apiURL     string

	mu        sync.Mutex
	templates map[string]*template.Template
}

// PushoverMessage represents a message sent to Pushover API
type PushoverMessage struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Title     string `json:"title,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Retry     int    `json:"retry,omitempty"`
	Expire    int    `json:"expire,omitempty"`
	Sound     string `json:"sound,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PushoverResponse represents the API response
type PushoverResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

// NewNotificationService creates a new notification service
func NewNotificationService(cfg *config.NotificationConfig) (*NotificationService, error) {
	service := &NotificationService{config: cfg}

	if cfg.Enabled && cfg.Pushover.Enabled {
		client := &http.Client{Timeout: 30 * time.Second}
		pushoverService, err := NewPushoverService(&cfg.Pushover, client, PushoverAPIURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Pushover service: %w", err)
		}
		service.pushover = pushoverService

		if cfg.Pushover.Throttle.Enabled {
			service.throttler = NewNotificationThrottler(&cfg.Pushover.Throttle)
		}
	}

	logrus.WithFields(logrus.Fields{
		"notifications_enabled": cfg.Enabled,
		"pushover_enabled":      cfg.Pushover.Enabled,
		"throttle_enabled":      cfg.Pushover.Throttle.Enabled,
	}).Info("Notification service initialized")

	return service, nil
}

// Enabled reports whether any channel will deliver messages.
func (ns *NotificationService) Enabled() bool {
	return ns.config.Enabled && ns.pushover != nil
}

// Notify sends title and body through every enabled channel.
func (ns *NotificationService) Notify(ctx context.Context, title, body string) error {
	if !ns.Enabled() {
		return nil
	}
	return ns.pushover.Notify(ctx, title, body)
}

// Throttle returns the throttler for the action dispatcher, or nil when
// throttling is off.
func (ns *NotificationService) Throttle() monitoring.Throttle {
	if ns.throttler == nil {
		return nil
	}
	return ns.throttler
}

// TestNotification sends a test notification
func (ns *NotificationService) TestNotification(ctx context.Context, message string) error {
	if !ns.Enabled() {
		return fmt.Errorf("notifications are not enabled or configured")
	}

	testMessage := &PushoverMessage{
		Token:   ns.pushover.config.APIToken,
		User:    ns.pushover.config.UserKey,
		Title:   "pagewatch test notification",
		Message: message,
		Sound:   ns.pushover.config.Sound,
	}
	return ns.pushover.send(ctx, testMessage)
}

// GetStats returns notification statistics
func (ns *NotificationService) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"enabled":          ns.config.Enabled,
		"pushover_enabled": false,
		"throttle_enabled": false,
	}

	if ns.pushover != nil {
		stats["pushover_enabled"] = ns.pushover.config.Enabled
		stats["pushover_priority"] = ns.pushover.config.Priority
		stats["pushover_sound"] = ns.pushover.config.Sound
		stats["quiet_hours_active"] = ns.pushover.config.QuietHours.IsQuietTime(time.Now())
	}

	if ns.throttler != nil {
		stats["throttle_enabled"] = true
		stats["throttle_window"] = ns.throttler.config.Window.String()
		stats["throttle_max_per_target"] = ns.throttler.config.MaxPerTarget
		stats["throttle_max_total"] = ns.throttler.config.MaxTotal

		ns.throttler.mu.Lock()
		stats["throttle_target_count"] = len(ns.throttler.targetCounts)
		stats["throttle_total_recent"] = len(ns.throttler.totalCounts)
		ns.throttler.mu.Unlock()
	}

	return stats
}

// NewPushoverService creates a new Pushover service posting to apiURL.
func NewPushoverService(cfg *config.PushoverConfig, httpClient *http.Client, apiURL string) (*PushoverService, error) {
	if apiURL == "" {
		apiURL = PushoverAPIURL
	}
	service := &PushoverService{
		config:     cfg,
		httpClient: httpClient,
		apiURL:     apiURL,
		templates:  make(map[string]*template.Template),
	}

	if err := service.parseTemplates(); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return service, nil
}

// Notify renders the configured templates around title and body and posts
// the message. Messages inside quiet hours are dropped.
func (ps *PushoverService) Notify(ctx context.Context, title, body string) error {
	now := time.Now()
	if ps.config.QuietHours.IsQuietTime(now) {
		logrus.WithField("title", title).Debug("Skipping notification during quiet hours")
		return nil
	}

	message, err := ps.buildMessage(title, body, now)
	if err != nil {
		return &monitoring.NotifyError{Channel: "pushover", Err: err}
	}

	if err := ps.send(ctx, message); err != nil {
		return &monitoring.NotifyError{Channel: "pushover", Err: err}
	}
	return nil
}

func (ps *PushoverService) buildMessage(title, body string, now time.Time) (*PushoverMessage, error) {
	templateData := map[string]interface{}{
		"Title":     title,
		"Body":      body,
		"Timestamp": now.Format("2006-01-02 15:04:05"),
	}

	renderedTitle, err := ps.renderTemplate("title", templateData)
	if err != nil {
		return nil, fmt.Errorf("failed to render title: %w", err)
	}

	messageText, err := ps.renderTemplate("message", templateData)
	if err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	message := &PushoverMessage{
		Token:     ps.config.APIToken,
		User:      ps.config.UserKey,
		Title:     renderedTitle,
		Message:   messageText,
		Priority:  ps.config.Priority,
		Sound:     ps.config.Sound,
		Device:    ps.config.Device,
		Timestamp: now.Unix(),
	}

	// Set emergency priority options
	if ps.config.Priority == 2 {
		message.Retry = ps.config.Retry
		message.Expire = ps.config.Expire
	}

	return message, nil
}

func (ps *PushoverService) renderTemplate(name string, data map[string]interface{}) (string, error) {
	ps.mu.Lock()
	tmpl := ps.templates[name]
	ps.mu.Unlock()

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}

	return buf.String(), nil
}

// send posts the message to the Pushover API
func (ps *PushoverService) send(ctx context.Context, message *PushoverMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var pushoverResp PushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushoverResp); err != nil {
		return fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if pushoverResp.Status != 1 {
		return fmt.Errorf("pushover API error: %v", pushoverResp.Errors)
	}

	logrus.WithFields(logrus.Fields{
		"title":    message.Title,
		"priority": message.Priority,
		"sound":    message.Sound,
	}).Info("Pushover notification sent successfully")

	return nil
}

func (ps *PushoverService) parseTemplates() error {
	titleTemplate, err := template.New("title").Parse(ps.config.Title)
	if err != nil {
		return fmt.Errorf("failed to parse title template: %w", err)
	}
	ps.templates["title"] = titleTemplate

	messageTemplate, err := template.New("message").Parse(ps.config.Template)
	if err != nil {
		return fmt.Errorf("failed to parse message template: %w", err)
	}
	ps.templates["message"] = messageTemplate

	return nil
}
