// internal/monitoring/purge.go - Removes stored data the config no longer defines
package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
)

// Purger deletes managed targets and rules that were removed from the config
// file, rules pointing at missing targets and states of missing targets.
// Targets and rules created through the API are left alone.
type Purger struct {
	store database.Store

	runMu sync.Mutex // held by PurgeAll and Apply

	mu     sync.RWMutex
	config *config.Config
}

func NewPurger(store database.Store, cfg *config.Config) *Purger {
	return &Purger{
		store:  store,
		config: cfg,
	}
}

// SetConfig swaps the config used to decide what is orphaned.
func (p *Purger) SetConfig(cfg *config.Config) {
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
}

// Apply installs cfg and runs sync with no purge in progress, so a purge never
// judges freshly synced entries against the previous config.
func (p *Purger) Apply(cfg *config.Config, syncFn func() error) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.SetConfig(cfg)
	return syncFn()
}

func (p *Purger) currentConfig() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// PurgeOrphanedTargets removes managed targets that no longer exist in the configuration
func (p *Purger) PurgeOrphanedTargets(ctx context.Context) (int, error) {
	configured := make(map[string]bool)
	for _, t := range p.currentConfig().Targets {
		configured[t.ID] = true
	}

	targets, err := p.store.GetTargets(ctx, database.TargetFilters{})
	if err != nil {
		return 0, fmt.Errorf("failed to get targets: %w", err)
	}

	purged := 0
	for _, t := range targets {
		if !t.Managed || configured[t.ID] {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"target_id":   t.ID,
			"target_name": t.Name,
		}).Info("Purging orphaned target from database")

		if err := p.store.DeleteTarget(ctx, t.ID); err != nil {
			logrus.WithError(err).WithField("target_id", t.ID).Error("Failed to delete orphaned target")
			continue
		}
		purged++
	}

	return purged, nil
}

// PurgeOrphanedRules removes managed rules missing from the configuration and
// any rule whose target is gone.
func (p *Purger) PurgeOrphanedRules(ctx context.Context) (int, error) {
	configured := make(map[string]bool)
	for _, r := range p.currentConfig().Rules {
		configured[r.ID] = true
	}

	targetIDs, err := p.targetIDs(ctx)
	if err != nil {
		return 0, err
	}

	rules, err := p.store.GetRules(ctx, database.RuleFilters{})
	if err != nil {
		return 0, fmt.Errorf("failed to get rules: %w", err)
	}

	purged := 0
	for _, r := range rules {
		orphaned := !targetIDs[r.TargetID] || (r.Managed && !configured[r.ID])
		if !orphaned {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"rule_id":   r.ID,
			"target_id": r.TargetID,
		}).Info("Purging orphaned rule from database")

		if err := p.store.DeleteRule(ctx, r.ID); err != nil {
			logrus.WithError(err).WithField("rule_id", r.ID).Error("Failed to delete orphaned rule")
			continue
		}
		purged++
	}

	return purged, nil
}

// PurgeStaleStates removes stored last values of targets that no longer exist.
func (p *Purger) PurgeStaleStates(ctx context.Context) (int, error) {
	targetIDs, err := p.targetIDs(ctx)
	if err != nil {
		return 0, err
	}

	states, err := p.store.GetTargetStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get target states: %w", err)
	}

	purged := 0
	for _, s := range states {
		if targetIDs[s.TargetID] {
			continue
		}
		if err := p.store.DeleteTargetState(ctx, s.TargetID); err != nil {
			logrus.WithError(err).WithField("target_id", s.TargetID).Error("Failed to delete stale state")
			continue
		}
		purged++
	}

	return purged, nil
}

// PurgeResult counts what a purge removed.
type PurgeResult struct {
	Targets int `json:"targets"`
	Rules   int `json:"rules"`
	States  int `json:"states"`
}

// PurgeAll performs a complete purge of stale data
func (p *Purger) PurgeAll(ctx context.Context) (PurgeResult, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	var result PurgeResult
	var errs []string

	n, err := p.PurgeOrphanedTargets(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("target purge failed: %v", err))
	}
	result.Targets = n

	n, err = p.PurgeOrphanedRules(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("rule purge failed: %v", err))
	}
	result.Rules = n

	n, err = p.PurgeStaleStates(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("state purge failed: %v", err))
	}
	result.States = n

	if len(errs) > 0 {
		return result, fmt.Errorf("purge completed with errors: %s", strings.Join(errs, "; "))
	}

	if result.Targets+result.Rules+result.States > 0 {
		logrus.WithFields(logrus.Fields{
			"targets": result.Targets,
			"rules":   result.Rules,
			"states":  result.States,
		}).Info("Purge completed")
	} else {
		logrus.Debug("No stale data found to purge")
	}
	return result, nil
}

// SchedulePeriodicPurge purges every interval until ctx is done. The
// returned channel is closed when the goroutine exits.
func (p *Purger) SchedulePeriodicPurge(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Stopping periodic purge scheduler")
				return
			case <-ticker.C:
				logrus.Debug("Running scheduled purge")
				if _, err := p.PurgeAll(ctx); err != nil {
					logrus.WithError(err).Error("Scheduled purge failed")
				}
			}
		}
	}()

	logrus.WithField("interval", interval).Info("Scheduled periodic purging")
	return done
}

func (p *Purger) targetIDs(ctx context.Context) (map[string]bool, error) {
	targets, err := p.store.GetTargets(ctx, database.TargetFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to get targets: %w", err)
	}
	ids := make(map[string]bool, len(targets))
	for _, t := range targets {
		ids[t.ID] = true
	}
	return ids, nil
}
