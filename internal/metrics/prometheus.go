// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pagewatch/internal/database"
)

// Prometheus metrics
var (
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagewatch_fetch_duration_seconds",
			Help:    "Time spent reading target values",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"target", "result"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_cycles_total",
			Help: "Total number of monitoring cycles executed",
		},
		[]string{"target", "result"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"target", "rule"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_actions_total",
			Help: "Actions dispatched for matched rules",
		},
		[]string{"action", "status"},
	)

	ConsecutiveErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagewatch_target_consecutive_errors",
			Help: "Consecutive failed cycles per target",
		},
		[]string{"target"},
	)

	ActiveTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagewatch_active_targets",
			Help: "Number of target loops currently running",
		},
	)

	ConfiguredRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagewatch_rules_enabled",
			Help: "Number of enabled rules in the store",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagewatch_events_dropped_total",
			Help: "Event records discarded because the bus was full",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagewatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

// NewCollector returns a collector; store may be nil when system metrics
// are not needed.
func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordFetch(target string, duration time.Duration, err error) {
	result := resultLabel(err)
	FetchDuration.WithLabelValues(target, result).Observe(duration.Seconds())
	CyclesTotal.WithLabelValues(target, result).Inc()
}

func (c *Collector) RecordConsecutiveErrors(target string, count int) {
	ConsecutiveErrors.WithLabelValues(target).Set(float64(count))
}

func (c *Collector) RecordMatch(target, rule string) {
	RuleMatches.WithLabelValues(target, rule).Inc()
}

func (c *Collector) RecordAction(action string, err error) {
	ActionsTotal.WithLabelValues(action, resultLabel(err)).Inc()
}

func (c *Collector) SetActiveTargets(n int) {
	ActiveTargets.Set(float64(n))
}

func (c *Collector) RecordDroppedEvent() {
	DroppedEvents.Inc()
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

// RecordDatabaseOperation counts one store operation. Lookups of missing
// records are labelled not_found rather than error.
func (c *Collector) RecordDatabaseOperation(op string, err error) {
	status := resultLabel(err)
	if errors.Is(err, database.ErrNotFound) {
		status = "not_found"
	}
	DatabaseOperations.WithLabelValues(op, status).Inc()
}

// ForgetTarget removes per-target series once a target is deleted.
func (c *Collector) ForgetTarget(target string) {
	ConsecutiveErrors.DeleteLabelValues(target)
	FetchDuration.DeleteLabelValues(target, "success")
	FetchDuration.DeleteLabelValues(target, "error")
	CyclesTotal.DeleteLabelValues(target, "success")
	CyclesTotal.DeleteLabelValues(target, "error")
}

func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	enabled := true
	rules, err := c.store.GetRules(ctx, database.RuleFilters{Enabled: &enabled})
	if err != nil {
		return err
	}
	ConfiguredRules.Set(float64(len(rules)))

	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
