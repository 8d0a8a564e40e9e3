// internal/config/pushover.go - Pushover configuration structures
package config

import (
	"fmt"
	"text/template"
	"time"
)

type PushoverConfig struct {
	Enabled    bool           `yaml:"enabled"`
	APIToken   string         `yaml:"api_token"`
	UserKey    string         `yaml:"user_key"`
	Priority   int            `yaml:"priority"` // -2 (silent) .. 2 (emergency)
	Retry      int            `yaml:"retry"`    // emergency priority only (seconds)
	Expire     int            `yaml:"expire"`   // emergency priority only (seconds)
	Sound      string         `yaml:"sound"`
	Device     string         `yaml:"device"`
	Title      string         `yaml:"title"`    // title template
	Template   string         `yaml:"template"` // message template
	QuietHours *QuietHours    `yaml:"quiet_hours,omitempty"`
	Throttle   ThrottleConfig `yaml:"throttle"`
}

// QuietHours defines when notifications should be suppressed
type QuietHours struct {
	Enabled   bool   `yaml:"enabled"`
	StartHour int    `yaml:"start_hour"` // 0-23
	EndHour   int    `yaml:"end_hour"`   // 0-23
	Timezone  string `yaml:"timezone"`   // IANA timezone, e.g. "Europe/Berlin"
}

type ThrottleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	MaxPerTarget int           `yaml:"max_per_target"`
	MaxTotal     int           `yaml:"max_total"`
}

func setPushoverDefaults(p *PushoverConfig) {
	if p.Title == "" {
		p.Title = "pagewatch: {{.Title}}"
	}
	if p.Template == "" {
		p.Template = "{{.Body}}"
	}
	if p.Sound == "" {
		p.Sound = "pushover"
	}
	if p.Throttle.Window == 0 {
		p.Throttle.Window = 15 * time.Minute
	}
	if p.Throttle.MaxPerTarget == 0 {
		p.Throttle.MaxPerTarget = 5
	}
	if p.Throttle.MaxTotal == 0 {
		p.Throttle.MaxTotal = 20
	}
	if p.QuietHours != nil && p.QuietHours.Timezone == "" {
		p.QuietHours.Timezone = "UTC"
	}
}

// Validate ensures the Pushover configuration is valid
func (p *PushoverConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.APIToken == "" {
		return fmt.Errorf("pushover.api_token is required when Pushover is enabled")
	}
	if p.UserKey == "" {
		return fmt.Errorf("pushover.user_key is required when Pushover is enabled")
	}
	if p.Priority < -2 || p.Priority > 2 {
		return fmt.Errorf("pushover.priority must be between -2 and 2")
	}
	if p.Priority == 2 {
		if p.Retry < 30 {
			return fmt.Errorf("pushover.retry must be at least 30 seconds for emergency priority")
		}
		if p.Expire < 60 || p.Expire > 10800 {
			return fmt.Errorf("pushover.expire must be between 60 and 10800 seconds for emergency priority")
		}
	}

	if q := p.QuietHours; q != nil && q.Enabled {
		if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
			return fmt.Errorf("quiet hours must be between 0 and 23")
		}
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("quiet hours timezone: %w", err)
		}
	}

	if _, err := template.New("title").Parse(p.Title); err != nil {
		return fmt.Errorf("invalid title template: %w", err)
	}
	if _, err := template.New("message").Parse(p.Template); err != nil {
		return fmt.Errorf("invalid message template: %w", err)
	}

	return nil
}

// IsQuietTime checks if t falls within quiet hours
func (q *QuietHours) IsQuietTime(t time.Time) bool {
	if q == nil || !q.Enabled {
		return false
	}

	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}

	hour := t.In(loc).Hour()

	// Handle cases where quiet hours span midnight
	if q.StartHour <= q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}
