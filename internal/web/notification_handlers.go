// internal/web/notification_handlers.go - Web handlers for Pushover notifications
package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
)

// NotificationSettings is the read-only view of the notification config.
// Credentials are masked.
type NotificationSettings struct {
	Enabled  bool             `json:"enabled"`
	Pushover PushoverSettings `json:"pushover"`
}

type PushoverSettings struct {
	Enabled    bool               `json:"enabled"`
	APIToken   string             `json:"api_token"`
	UserKey    string             `json:"user_key"`
	Priority   int                `json:"priority"`
	Retry      int                `json:"retry"`
	Expire     int                `json:"expire"`
	Sound      string             `json:"sound"`
	Device     string             `json:"device"`
	Title      string             `json:"title"`
	Template   string             `json:"template"`
	QuietHours *config.QuietHours `json:"quiet_hours,omitempty"`
	Throttle   ThrottleSettings   `json:"throttle"`
}

type ThrottleSettings struct {
	Enabled      bool `json:"enabled"`
	WindowMin    int  `json:"window_minutes"`
	MaxPerTarget int  `json:"max_per_target"`
	MaxTotal     int  `json:"max_total"`
}

// ValidatePushoverRequest carries candidate settings to check without
// applying them. Durations are minutes to match the settings view.
type ValidatePushoverRequest struct {
	PushoverSettings
}

func (s *Server) setupNotificationRoutes(api *gin.RouterGroup) {
	notifications := api.Group("/notifications")
	{
		notifications.GET("/settings", s.getNotificationSettings)
		notifications.GET("/status", s.getNotificationStatus)
		notifications.POST("/test", s.sendTestNotification)
		notifications.POST("/validate", s.validateNotificationSettings)
		notifications.GET("/template/variables", s.getNotificationTemplateVariables)
	}
}

// GET /api/notifications/settings
func (s *Server) getNotificationSettings(c *gin.Context) {
	cfg := s.engine.Config().Notifications
	p := cfg.Pushover

	settings := NotificationSettings{
		Enabled: cfg.Enabled,
		Pushover: PushoverSettings{
			Enabled:    p.Enabled,
			APIToken:   maskToken(p.APIToken),
			UserKey:    maskToken(p.UserKey),
			Priority:   p.Priority,
			Retry:      p.Retry,
			Expire:     p.Expire,
			Sound:      p.Sound,
			Device:     p.Device,
			Title:      p.Title,
			Template:   p.Template,
			QuietHours: p.QuietHours,
			Throttle: ThrottleSettings{
				Enabled:      p.Throttle.Enabled,
				WindowMin:    int(p.Throttle.Window.Minutes()),
				MaxPerTarget: p.Throttle.MaxPerTarget,
				MaxTotal:     p.Throttle.MaxTotal,
			},
		},
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

// GET /api/notifications/status
func (s *Server) getNotificationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.engine.NotificationStatus()})
}

// POST /api/notifications/test
func (s *Server) sendTestNotification(c *gin.Context) {
	if !s.engine.Config().Notifications.Enabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Notifications are not enabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.engine.TestNotification(ctx); err != nil {
		logrus.WithError(err).Error("Failed to send test notification")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send test notification: " + err.Error()})
		return
	}

	logrus.Info("Test notification sent")
	c.JSON(http.StatusOK, gin.H{
		"message":   "Test notification sent",
		"timestamp": time.Now(),
	})
}

// POST /api/notifications/validate
func (s *Server) validateNotificationSettings(c *gin.Context) {
	var req ValidatePushoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current := s.engine.Config().Notifications.Pushover
	candidate := config.PushoverConfig{
		Enabled:    true,
		APIToken:   unmasked(req.APIToken, current.APIToken),
		UserKey:    unmasked(req.UserKey, current.UserKey),
		Priority:   req.Priority,
		Retry:      req.Retry,
		Expire:     req.Expire,
		Sound:      req.Sound,
		Device:     req.Device,
		Title:      req.Title,
		Template:   req.Template,
		QuietHours: req.QuietHours,
		Throttle: config.ThrottleConfig{
			Enabled:      req.Throttle.Enabled,
			Window:       time.Duration(req.Throttle.WindowMin) * time.Minute,
			MaxPerTarget: req.Throttle.MaxPerTarget,
			MaxTotal:     req.Throttle.MaxTotal,
		},
	}

	if err := candidate.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GET /api/notifications/template/variables
func (s *Server) getNotificationTemplateVariables(c *gin.Context) {
	variables := map[string]interface{}{
		"variables": []map[string]string{
			{"variable": "{{.Title}}", "description": "Short summary, e.g. \"Stock changed\""},
			{"variable": "{{.Body}}", "description": "New value, matched rule and target URL"},
			{"variable": "{{.Timestamp}}", "description": "Time the notification was built, 2006-01-02 15:04:05"},
		},
		"examples": []map[string]string{
			{
				"name":     "Default",
				"title":    "pagewatch: {{.Title}}",
				"template": "{{.Body}}",
			},
			{
				"name":     "Timestamped",
				"title":    "{{.Title}}",
				"template": "{{.Body}}\n\nSeen at {{.Timestamp}}",
			},
		},
	}

	c.JSON(http.StatusOK, gin.H{"data": variables})
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

func isMaskedToken(token string) bool {
	return strings.Contains(token, "*")
}

// unmasked returns current when token is a masked echo of it.
func unmasked(token, current string) string {
	if isMaskedToken(token) {
		return current
	}
	return token
}
