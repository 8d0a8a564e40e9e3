// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
)

// EngineState is the lifecycle position of an Engine.
type EngineState string

const (
	EngineCreated  EngineState = "created"
	EngineRunning  EngineState = "running"
	EngineStopping EngineState = "stopping"
	EngineStopped  EngineState = "stopped"
)

var ErrEngineStopped = errors.New("engine stopped")

// Collaborators groups the pluggable pieces the engine drives. Driver is
// required; Notifier and Throttle may be nil.
type Collaborators struct {
	Driver   Driver
	Notifier Notifier
	Throttle Throttle
}

type Engine struct {
	config    *config.Config
	store     database.Store
	metrics   *metrics.Collector
	collab    Collaborators
	bus       *Bus
	history   *History
	purger    *Purger
	scheduler *Scheduler

	reloadMu sync.Mutex // serializes Reload

	mu        sync.Mutex
	state     EngineState
	cancel    context.CancelFunc
	purgeDone <-chan struct{}
	stopped   chan struct{}
}

func NewEngine(cfg *config.Config, store database.Store, metricsCollector *metrics.Collector, collab Collaborators) (*Engine, error) {
	if collab.Driver == nil {
		return nil, fmt.Errorf("a browser driver is required")
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NewCollector(store)
	}

	engine := &Engine{
		config:  cfg,
		store:   store,
		metrics: metricsCollector,
		collab:  collab,
		history: NewHistory(cfg.Monitoring.EventHistory),
		purger:  NewPurger(store, cfg),
		state:   EngineCreated,
		stopped: make(chan struct{}),
	}

	engine.bus = NewBus(cfg.Monitoring.EventBuffer, metricsCollector.RecordDroppedEvent)
	engine.bus.Subscribe(LogSink{})
	engine.bus.Subscribe(engine.history)

	dispatcher := NewActionDispatcher(collab.Driver, collab.Driver, collab.Notifier, collab.Throttle,
		cfg.Monitoring.ActionTimeout, metricsCollector, engine.bus)

	engine.scheduler = NewScheduler(SchedulerDeps{
		Source:       store,
		States:       store,
		Sessions:     collab.Driver,
		Fetcher:      collab.Driver,
		Dispatcher:   dispatcher,
		Events:       engine.bus,
		Metrics:      metricsCollector,
		FetchTimeout: cfg.Monitoring.FetchTimeout,
		RestoreState: cfg.Monitoring.RestoreState,
	})

	return engine, nil
}

// Start syncs the configuration into the store, purges stale data and starts
// a loop per enabled target. An engine cannot be restarted once stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case EngineRunning:
		return nil
	case EngineStopping, EngineStopped:
		return ErrEngineStopped
	}

	logrus.Info("Starting monitoring engine")

	if err := e.syncConfig(ctx, e.config); err != nil {
		logrus.WithError(err).Error("Failed to sync config")
		return err
	}

	if _, err := e.purger.PurgeAll(ctx); err != nil {
		logrus.WithError(err).Warn("Initial purge completed with errors")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	purgeInterval := 6 * time.Hour
	if e.config.Database.CleanupInterval > 0 {
		purgeInterval = e.config.Database.CleanupInterval
	}
	e.purgeDone = e.purger.SchedulePeriodicPurge(runCtx, purgeInterval)

	e.cancel = cancel
	e.state = EngineRunning
	return nil
}

// Stop halts every loop, waits for them to exit and drains the event bus.
// Concurrent and repeated calls all return once the engine is stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	switch e.state {
	case EngineStopping:
		e.mu.Unlock()
		<-e.stopped
		return
	case EngineStopped:
		e.mu.Unlock()
		return
	}

	wasRunning := e.state == EngineRunning
	e.state = EngineStopping
	e.mu.Unlock()

	if wasRunning {
		logrus.Info("Stopping monitoring engine")
		e.cancel()
		e.scheduler.Stop()
		<-e.purgeDone
	}
	e.bus.Close()

	e.mu.Lock()
	e.state = EngineStopped
	e.mu.Unlock()
	close(e.stopped)
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reload replaces the configuration, syncs it into the store, purges what it
// no longer defines and reconciles the running loops.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config) error {
	logrus.Info("Reloading configuration")

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()

	err := e.purger.Apply(cfg, func() error {
		return e.syncConfig(ctx, cfg)
	})
	if err != nil {
		return err
	}
	if _, err := e.purger.PurgeAll(ctx); err != nil {
		logrus.WithError(err).Warn("Purge completed with errors")
	}
	return e.reconcile(ctx)
}

// Purge runs a purge immediately and reconciles loops of purged targets.
func (e *Engine) Purge(ctx context.Context) (PurgeResult, error) {
	result, err := e.purger.PurgeAll(ctx)
	if rerr := e.reconcile(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return result, err
}

// syncConfig writes the targets and rules of cfg into the store. Callers pass
// the config they read under e.mu.
func (e *Engine) syncConfig(ctx context.Context, cfg *config.Config) error {
	for _, targetCfg := range cfg.Targets {
		target := targetCfg.ToTarget()

		existing, err := e.store.GetTarget(ctx, target.ID)
		if errors.Is(err, database.ErrNotFound) {
			if err := e.store.CreateTarget(ctx, &target); err != nil {
				logrus.WithError(err).WithField("target", target.ID).Error("Failed to create target")
				continue
			}
			logrus.WithField("target", target.ID).Info("Created target")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load target %s: %w", target.ID, err)
		}

		target.CreatedAt = existing.CreatedAt
		if err := e.store.UpdateTarget(ctx, &target); err != nil {
			logrus.WithError(err).WithField("target", target.ID).Error("Failed to update target")
		}
	}

	for _, ruleCfg := range cfg.Rules {
		rule := ruleCfg.ToRule()

		existing, err := e.store.GetRule(ctx, rule.ID)
		if errors.Is(err, database.ErrNotFound) {
			if err := e.store.CreateRule(ctx, &rule); err != nil {
				logrus.WithError(err).WithField("rule", rule.ID).Error("Failed to create rule")
				continue
			}
			logrus.WithField("rule", rule.ID).Info("Created rule")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load rule %s: %w", rule.ID, err)
		}

		rule.CreatedAt = existing.CreatedAt
		if err := e.store.UpdateRule(ctx, &rule); err != nil {
			logrus.WithError(err).WithField("rule", rule.ID).Error("Failed to update rule")
		}
	}

	if err := e.metrics.UpdateSystemMetrics(ctx); err != nil {
		logrus.WithError(err).Debug("Failed to update system metrics")
	}
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	if !e.scheduler.Running() {
		return nil
	}
	if err := e.metrics.UpdateSystemMetrics(ctx); err != nil {
		logrus.WithError(err).Debug("Failed to update system metrics")
	}
	return e.scheduler.Reconcile(ctx)
}

// AddTarget validates and stores a target, then starts its loop if enabled.
func (e *Engine) AddTarget(ctx context.Context, target *database.Target) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	e.applyTargetDefaults(target)
	if err := config.ValidateTarget(target); err != nil {
		return err
	}
	if _, err := e.store.GetTarget(ctx, target.ID); err == nil {
		return &config.ConfigError{Kind: "target", ID: target.ID, Msg: "already exists"}
	}
	if err := e.store.CreateTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	return e.reconcile(ctx)
}

// UpdateTarget replaces a stored target. Its loop is restarted when the
// location, interval or session changed.
func (e *Engine) UpdateTarget(ctx context.Context, target *database.Target) error {
	existing, err := e.store.GetTarget(ctx, target.ID)
	if err != nil {
		return err
	}

	e.applyTargetDefaults(target)
	if err := config.ValidateTarget(target); err != nil {
		return err
	}

	target.CreatedAt = existing.CreatedAt
	target.Managed = existing.Managed
	if err := e.store.UpdateTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	return e.reconcile(ctx)
}

// RemoveTarget deletes a target, its rules and its state. The loop is
// cancelled first.
func (e *Engine) RemoveTarget(ctx context.Context, id string) error {
	if _, err := e.store.GetTarget(ctx, id); err != nil {
		return err
	}

	rules, err := e.store.GetRules(ctx, database.RuleFilters{TargetID: id})
	if err != nil {
		return fmt.Errorf("failed to get rules: %w", err)
	}

	if err := e.store.DeleteTarget(ctx, id); err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	if err := e.reconcile(ctx); err != nil {
		return err
	}
	// The loop may have saved a value between the delete and its stop.
	if err := e.store.DeleteTargetState(ctx, id); err != nil {
		logrus.WithError(err).WithField("target", id).Warn("Failed to delete state of removed target")
	}

	for _, r := range rules {
		if err := e.store.DeleteRule(ctx, r.ID); err != nil {
			logrus.WithError(err).WithField("rule", r.ID).Warn("Failed to delete rule of removed target")
		}
	}
	e.metrics.ForgetTarget(id)
	return nil
}

// SetTargetEnabled starts or stops a target's loop.
func (e *Engine) SetTargetEnabled(ctx context.Context, id string, enabled bool) error {
	target, err := e.store.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	if target.Enabled == enabled {
		return nil
	}

	target.Enabled = enabled
	if err := e.store.UpdateTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	return e.reconcile(ctx)
}

// AddRule validates and stores a rule. Rules are read every cycle, so no
// loop has to restart.
func (e *Engine) AddRule(ctx context.Context, rule *database.Rule) error {
	if err := e.checkRule(ctx, rule); err != nil {
		return err
	}
	if rule.ID != "" {
		if _, err := e.store.GetRule(ctx, rule.ID); err == nil {
			return &config.ConfigError{Kind: "rule", ID: rule.ID, Msg: "already exists"}
		}
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return e.metrics.UpdateSystemMetrics(ctx)
}

func (e *Engine) UpdateRule(ctx context.Context, rule *database.Rule) error {
	existing, err := e.store.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if err := e.checkRule(ctx, rule); err != nil {
		return err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.Managed = existing.Managed
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return e.metrics.UpdateSystemMetrics(ctx)
}

func (e *Engine) RemoveRule(ctx context.Context, id string) error {
	if _, err := e.store.GetRule(ctx, id); err != nil {
		return err
	}
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	return e.metrics.UpdateSystemMetrics(ctx)
}

func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return e.metrics.UpdateSystemMetrics(ctx)
}

func (e *Engine) checkRule(ctx context.Context, rule *database.Rule) error {
	if rule.ActionSelectorType == "" {
		rule.ActionSelectorType = database.SelectorCSS
	}
	if err := config.ValidateRule(rule); err != nil {
		return err
	}
	if _, err := e.store.GetTarget(ctx, rule.TargetID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &config.ConfigError{Kind: "rule", ID: rule.ID, Msg: fmt.Sprintf("references non-existent target: %s", rule.TargetID)}
		}
		return err
	}
	return nil
}

func (e *Engine) applyTargetDefaults(target *database.Target) {
	if target.SelectorType == "" {
		target.SelectorType = database.SelectorCSS
	}
	if target.PollInterval == 0 {
		target.PollInterval = e.Config().Monitoring.DefaultInterval
	}
}

// TargetStates returns the live state of running targets, falling back to
// the persisted last value for targets without a loop.
func (e *Engine) TargetStates(ctx context.Context) ([]database.TargetState, error) {
	live := e.scheduler.States()
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		seen[s.TargetID] = true
	}

	stored, err := e.store.GetTargetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get target states: %w", err)
	}
	for _, s := range stored {
		if !seen[s.TargetID] {
			live = append(live, s)
		}
	}
	return live, nil
}

// TargetState returns the state of one target.
func (e *Engine) TargetState(ctx context.Context, id string) (*database.TargetState, error) {
	if s, ok := e.scheduler.State(id); ok {
		return &s, nil
	}
	return e.store.GetTargetState(ctx, id)
}

// Events returns recent event records, newest first.
func (e *Engine) Events(limit int, targetID string) []EventRecord {
	return e.history.Recent(limit, targetID)
}

// Subscribe attaches a sink to the event bus.
func (e *Engine) Subscribe(sink EventSink) {
	e.bus.Subscribe(sink)
}

func (e *Engine) DroppedEvents() uint64 {
	return e.bus.Dropped()
}

// Config returns the configuration last applied by NewEngine or Reload.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *Engine) Store() database.Store {
	return e.store
}

// TestNotification sends a message through the configured notifier.
func (e *Engine) TestNotification(ctx context.Context) error {
	if e.collab.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	const message = "Test notification from pagewatch"
	if tester, ok := e.collab.Notifier.(NotificationTester); ok {
		return tester.TestNotification(ctx, message)
	}
	return e.collab.Notifier.Notify(ctx, "pagewatch test", message)
}

// NotificationStatus summarises the notifier configuration for the API.
func (e *Engine) NotificationStatus() map[string]interface{} {
	e.mu.Lock()
	cfg := e.config
	e.mu.Unlock()

	status := map[string]interface{}{
		"enabled":             cfg.Notifications.Enabled,
		"pushover_enabled":    cfg.Notifications.Pushover.Enabled,
		"pushover_configured": e.collab.Notifier != nil,
		"throttle_enabled":    e.collab.Throttle != nil,
	}
	if reporter, ok := e.collab.Notifier.(NotificationReporter); ok {
		for k, v := range reporter.GetStats() {
			status[k] = v
		}
	}
	return status
}
