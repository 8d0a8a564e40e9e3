// internal/database/store.go
package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups for ids that are not stored.
var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations
type Store interface {
	// Target operations
	GetTargets(ctx context.Context, filters TargetFilters) ([]Target, error)
	GetTarget(ctx context.Context, id string) (*Target, error)
	CreateTarget(ctx context.Context, target *Target) error
	UpdateTarget(ctx context.Context, target *Target) error
	DeleteTarget(ctx context.Context, id string) error

	// Rule operations
	GetRules(ctx context.Context, filters RuleFilters) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error

	// Last observed value per target
	GetTargetState(ctx context.Context, targetID string) (*TargetState, error)
	GetTargetStates(ctx context.Context) ([]TargetState, error)
	SaveTargetState(ctx context.Context, state *TargetState) error
	DeleteTargetState(ctx context.Context, targetID string) error

	// Maintenance
	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)

	// Close the database connection
	Close() error
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	TotalTargets int   `json:"total_targets"`
	TotalRules   int   `json:"total_rules"`
	TotalStates  int   `json:"total_states"`
	DatabaseSize int64 `json:"database_size_bytes"`
}
