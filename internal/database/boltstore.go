// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	TargetsBucket = []byte("targets")
	RulesBucket   = []byte("rules")
	StateBucket   = []byte("state")
	MetaBucket    = []byte("meta")
)

type BoltStore struct {
	db      *bbolt.DB
	path    string
	observe func(op string, err error)
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{TargetsBucket, RulesBucket, StateBucket, MetaBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTargets(ctx context.Context, filters TargetFilters) ([]Target, error) {
	var targets []Target

	err := s.view("get_targets", func(tx *bbolt.Tx) error {
		b := tx.Bucket(TargetsBucket)
		return b.ForEach(func(k, v []byte) error {
			var target Target
			if err := json.Unmarshal(v, &target); err != nil {
				return fmt.Errorf("failed to unmarshal target %s: %w", k, err)
			}

			if filters.Enabled != nil && target.Enabled != *filters.Enabled {
				return nil
			}
			if filters.Session != "" && target.SessionName() != filters.Session {
				return nil
			}

			targets = append(targets, target)
			return nil
		})
	})

	return targets, err
}

func (s *BoltStore) GetTarget(ctx context.Context, id string) (*Target, error) {
	var target Target

	err := s.view("get_target", func(tx *bbolt.Tx) error {
		v := tx.Bucket(TargetsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("target %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &target)
	})

	if err != nil {
		return nil, err
	}
	return &target, nil
}

func (s *BoltStore) CreateTarget(ctx context.Context, target *Target) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	target.CreatedAt = time.Now()
	target.UpdatedAt = target.CreatedAt

	return s.put("create_target", TargetsBucket, target.ID, target)
}

func (s *BoltStore) UpdateTarget(ctx context.Context, target *Target) error {
	target.UpdatedAt = time.Now()
	return s.put("update_target", TargetsBucket, target.ID, target)
}

// DeleteTarget removes the target and its last observed value. Rules bound
// to it are left for the purge pass; they are never evaluated without a target.
func (s *BoltStore) DeleteTarget(ctx context.Context, id string) error {
	return s.update("delete_target", func(tx *bbolt.Tx) error {
		if err := tx.Bucket(TargetsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(StateBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) GetRules(ctx context.Context, filters RuleFilters) ([]Rule, error) {
	var rules []Rule

	err := s.view("get_rules", func(tx *bbolt.Tx) error {
		b := tx.Bucket(RulesBucket)
		return b.ForEach(func(k, v []byte) error {
			var rule Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("failed to unmarshal rule %s: %w", k, err)
			}

			if filters.TargetID != "" && rule.TargetID != filters.TargetID {
				return nil
			}
			if filters.Enabled != nil && rule.Enabled != *filters.Enabled {
				return nil
			}

			rules = append(rules, rule)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// bbolt iterates in byte order; callers dispatch matched rules in id order
	// with numbered ids compared by value.
	SortRules(rules)
	return rules, nil
}

func (s *BoltStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	var rule Rule

	err := s.view("get_rule", func(tx *bbolt.Tx) error {
		v := tx.Bucket(RulesBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &rule)
	})

	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	return s.put("create_rule", RulesBucket, rule.ID, rule)
}

func (s *BoltStore) UpdateRule(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now()
	return s.put("update_rule", RulesBucket, rule.ID, rule)
}

func (s *BoltStore) DeleteRule(ctx context.Context, id string) error {
	return s.update("delete_rule", func(tx *bbolt.Tx) error {
		return tx.Bucket(RulesBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) GetTargetState(ctx context.Context, targetID string) (*TargetState, error) {
	var state TargetState

	err := s.view("get_state", func(tx *bbolt.Tx) error {
		v := tx.Bucket(StateBucket).Get([]byte(targetID))
		if v == nil {
			return fmt.Errorf("state %s: %w", targetID, ErrNotFound)
		}
		return json.Unmarshal(v, &state)
	})

	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) GetTargetStates(ctx context.Context) ([]TargetState, error) {
	var states []TargetState

	err := s.view("get_states", func(tx *bbolt.Tx) error {
		return tx.Bucket(StateBucket).ForEach(func(k, v []byte) error {
			var state TargetState
			if err := json.Unmarshal(v, &state); err != nil {
				return nil // Skip malformed entries
			}
			states = append(states, state)
			return nil
		})
	})

	return states, err
}

// SaveTargetState overwrites the single state record of a target.
func (s *BoltStore) SaveTargetState(ctx context.Context, state *TargetState) error {
	return s.put("save_state", StateBucket, state.TargetID, state)
}

func (s *BoltStore) DeleteTargetState(ctx context.Context, targetID string) error {
	return s.update("delete_state", func(tx *bbolt.Tx) error {
		return tx.Bucket(StateBucket).Delete([]byte(targetID))
	})
}

// GetDatabaseStats returns information about database size and health
func (s *BoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{}

	err := s.view("stats", func(tx *bbolt.Tx) error {
		stats.TotalTargets = tx.Bucket(TargetsBucket).Stats().KeyN
		stats.TotalRules = tx.Bucket(RulesBucket).Stats().KeyN
		stats.TotalStates = tx.Bucket(StateBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(op string, bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", bucket, err)
	}

	return s.update(op, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// SetObserver registers fn to be told the outcome of every store operation.
// It must be called before the store is shared.
func (s *BoltStore) SetObserver(fn func(op string, err error)) {
	s.observe = fn
}

func (s *BoltStore) view(op string, fn func(tx *bbolt.Tx) error) error {
	err := s.db.View(fn)
	s.record(op, err)
	return err
}

func (s *BoltStore) update(op string, fn func(tx *bbolt.Tx) error) error {
	err := s.db.Update(fn)
	s.record(op, err)
	return err
}

func (s *BoltStore) record(op string, err error) {
	if s.observe != nil {
		s.observe(op, err)
	}
}
