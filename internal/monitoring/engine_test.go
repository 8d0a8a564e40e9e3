package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
)

const engineConfig = `
browser:
  driver: http
monitoring:
  default_interval: 20ms
  event_buffer: 256
targets:
  - id: counter
    url: https://example.com/counter
    selector: "#n"
rules:
  - target: counter
    condition: any_change
`

func newTestEngine(t *testing.T, fetch func(ctx context.Context, target *database.Target) (string, error)) (*Engine, *fakeDriver, database.Store) {
	t.Helper()
	return newTestEngineFromYAML(t, engineConfig, fetch)
}

func newTestEngineFromYAML(t *testing.T, yamlConfig string, fetch func(ctx context.Context, target *database.Target) (string, error)) (*Engine, *fakeDriver, database.Store) {
	t.Helper()

	cfg, err := config.Parse([]byte(yamlConfig))
	require.NoError(t, err)

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := newFakeDriver(fetch)
	engine, err := NewEngine(cfg, store, metrics.NewCollector(store), Collaborators{Driver: driver, Notifier: driver})
	require.NoError(t, err)
	return engine, driver, store
}

func TestEngine_Lifecycle(t *testing.T) {
	engine, driver, store := newTestEngine(t, func(ctx context.Context, tg *database.Target) (string, error) {
		return time.Now().Format(time.RFC3339Nano), nil
	})
	assert.Equal(t, EngineCreated, engine.State())

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Start(context.Background()), "second start is a no-op")
	assert.Equal(t, EngineRunning, engine.State())

	synced, err := store.GetTarget(context.Background(), "counter")
	require.NoError(t, err)
	assert.True(t, synced.Managed)

	require.Eventually(t, func() bool { return len(driver.notifyBodies()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Stop()
		}()
	}
	wg.Wait()
	engine.Stop()

	assert.Equal(t, EngineStopped, engine.State())
	assert.ErrorIs(t, engine.Start(context.Background()), ErrEngineStopped)

	fetches := driver.fetchCount("counter")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fetches, driver.fetchCount("counter"))

	events := engine.Events(0, "counter")
	require.NotEmpty(t, events)
	levels := map[Level]bool{}
	for _, e := range events {
		levels[e.Level] = true
	}
	assert.True(t, levels[LevelMatch])
	assert.True(t, levels[LevelInfo])

	states, err := engine.TargetStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1, "persisted state is reported after stop")
	assert.NotNil(t, states[0].LastValue)
}

func TestEngine_StopWithoutStart(t *testing.T) {
	engine, _, _ := newTestEngine(t, func(ctx context.Context, tg *database.Target) (string, error) {
		return "", nil
	})
	engine.Stop()
	engine.Stop()
	assert.Equal(t, EngineStopped, engine.State())
}

func TestEngine_TargetAndRuleManagement(t *testing.T) {
	engine, driver, store := newTestEngine(t, func(ctx context.Context, tg *database.Target) (string, error) {
		return "42", nil
	})
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	added := &database.Target{ID: "api", URL: "https://example.com/api", Selector: "#v"}
	require.NoError(t, engine.AddTarget(ctx, added))
	assert.Equal(t, database.SelectorCSS, added.SelectorType)
	assert.Equal(t, 20*time.Millisecond, added.PollInterval)
	require.Eventually(t, func() bool { return driver.fetchCount("api") > 0 }, time.Second, 5*time.Millisecond)

	err := engine.AddTarget(ctx, &database.Target{ID: "api", URL: "https://example.com/api", Selector: "#v"})
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))

	err = engine.AddTarget(ctx, &database.Target{ID: "bad", URL: "example.com", Selector: "#v"})
	require.True(t, errors.As(err, &cfgErr))

	err = engine.AddRule(ctx, &database.Rule{TargetID: "api", Condition: database.ConditionGreater})
	require.True(t, errors.As(err, &cfgErr), "missing threshold rejected")

	err = engine.AddRule(ctx, &database.Rule{TargetID: "nope", Condition: database.ConditionAnyChange})
	require.True(t, errors.As(err, &cfgErr), "unknown target rejected")

	rule := &database.Rule{TargetID: "api", Condition: database.ConditionGreater, Threshold: "40", Notify: true, Enabled: true}
	require.NoError(t, engine.AddRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	require.Eventually(t, func() bool {
		for _, e := range engine.Events(0, "api") {
			if e.Level == LevelMatch && e.RuleID == rule.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.SetTargetEnabled(ctx, "api", false))
	_, running := engine.scheduler.State("api")
	assert.False(t, running)

	require.NoError(t, engine.RemoveTarget(ctx, "api"))
	_, err = store.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, engine.RemoveTarget(ctx, "api"), database.ErrNotFound)
}

func TestEngine_ReloadPurgesRemovedTargets(t *testing.T) {
	engine, _, store := newTestEngine(t, func(ctx context.Context, tg *database.Target) (string, error) {
		return "v", nil
	})
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	require.NoError(t, engine.AddTarget(ctx, &database.Target{ID: "manual", URL: "https://example.com/m", Selector: "#m"}))

	next, err := config.Parse([]byte("browser:\n  driver: http\n"))
	require.NoError(t, err)
	require.NoError(t, engine.Reload(ctx, next))

	_, err = store.GetTarget(ctx, "counter")
	assert.ErrorIs(t, err, database.ErrNotFound, "managed target removed from config is purged")
	_, err = store.GetRule(ctx, "counter-rule-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = store.GetTarget(ctx, "manual")
	assert.NoError(t, err, "api-created target survives reload")

	_, running := engine.scheduler.State("counter")
	assert.False(t, running)
}

func TestEngine_ReloadWhilePeriodicPurgeRuns(t *testing.T) {
	withCleanup := engineConfig + "database:\n  cleanup_interval: 1ms\n"
	engine, _, store := newTestEngineFromYAML(t, withCleanup, func(ctx context.Context, tg *database.Target) (string, error) {
		return "v", nil
	})
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	full, err := config.Parse([]byte(withCleanup))
	require.NoError(t, err)
	empty, err := config.Parse([]byte("browser:\n  driver: http\ndatabase:\n  cleanup_interval: 1ms\n"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		next := empty
		if i%2 == 1 {
			next = full
		}
		require.NoError(t, engine.Reload(ctx, next))
		time.Sleep(time.Millisecond)
	}

	assert.Same(t, full, engine.Config())
	assert.Same(t, full, engine.purger.currentConfig())

	// Give the periodic purge a few ticks against the final config.
	time.Sleep(10 * time.Millisecond)
	_, err = store.GetTarget(ctx, "counter")
	assert.NoError(t, err, "target defined by the current config survives periodic purges")
}

type reportingNotifier struct {
	*fakeDriver
	tests []string
}

func (n *reportingNotifier) TestNotification(ctx context.Context, message string) error {
	n.tests = append(n.tests, message)
	return nil
}

func (n *reportingNotifier) GetStats() map[string]interface{} {
	return map[string]interface{}{"throttle_target_count": 3}
}

func TestEngine_TestNotificationAndStatus(t *testing.T) {
	cfg, err := config.Parse([]byte(engineConfig))
	require.NoError(t, err)
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := newFakeDriver(nil)
	notifier := &reportingNotifier{fakeDriver: driver}
	engine, err := NewEngine(cfg, store, metrics.NewCollector(store), Collaborators{Driver: driver, Notifier: notifier})
	require.NoError(t, err)

	require.NoError(t, engine.TestNotification(context.Background()))
	assert.Equal(t, []string{"Test notification from pagewatch"}, notifier.tests)
	assert.Empty(t, driver.notifyBodies(), "dedicated test message used instead of Notify")

	status := engine.NotificationStatus()
	assert.Equal(t, true, status["pushover_configured"])
	assert.Equal(t, 3, status["throttle_target_count"])

	plain, plainDriver, _ := newTestEngine(t, nil)
	require.NoError(t, plain.TestNotification(context.Background()))
	assert.Len(t, plainDriver.notifyBodies(), 1, "falls back to Notify")
	_, hasCount := plain.NotificationStatus()["throttle_target_count"]
	assert.False(t, hasCount)
}

func TestNewEngine_RequiresDriver(t *testing.T) {
	cfg, err := config.Parse([]byte(engineConfig))
	require.NoError(t, err)
	_, err = NewEngine(cfg, nil, nil, Collaborators{})
	assert.Error(t, err)
}
