// internal/notifications/throttle.go - Sliding window notification limits
package notifications

import (
	"sync"
	"time"

	"pagewatch/internal/config"
)

// NotificationThrottler implements rate limiting for notifications
type NotificationThrottler struct {
	config       *config.ThrottleConfig
	targetCounts map[string][]time.Time
	totalCounts  []time.Time
	mu           sync.Mutex
}

func NewNotificationThrottler(cfg *config.ThrottleConfig) *NotificationThrottler {
	return &NotificationThrottler{
		config:       cfg,
		targetCounts: make(map[string][]time.Time),
	}
}

// Allow reports whether a notification for targetID may be sent at now and,
// if so, records it against both limits.
func (nt *NotificationThrottler) Allow(targetID string, now time.Time) bool {
	if !nt.config.Enabled {
		return true
	}

	nt.mu.Lock()
	defer nt.mu.Unlock()

	windowStart := now.Add(-nt.config.Window)
	nt.cleanup(windowStart)

	if nt.config.MaxPerTarget > 0 && len(nt.targetCounts[targetID]) >= nt.config.MaxPerTarget {
		return false
	}
	if nt.config.MaxTotal > 0 && len(nt.totalCounts) >= nt.config.MaxTotal {
		return false
	}

	nt.targetCounts[targetID] = append(nt.targetCounts[targetID], now)
	nt.totalCounts = append(nt.totalCounts, now)
	return true
}

// cleanup removes entries older than windowStart
func (nt *NotificationThrottler) cleanup(windowStart time.Time) {
	for targetID, times := range nt.targetCounts {
		valid := prune(times, windowStart)
		if len(valid) == 0 {
			delete(nt.targetCounts, targetID)
		} else {
			nt.targetCounts[targetID] = valid
		}
	}
	nt.totalCounts = prune(nt.totalCounts, windowStart)
}

func prune(times []time.Time, windowStart time.Time) []time.Time {
	valid := times[:0]
	for _, t := range times {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	return valid
}
