package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pagewatch/internal/database"
)

type fakeSession string

func (s fakeSession) Name() string { return string(s) }

// fakeDriver records every collaborator call in order.
type fakeDriver struct {
	mu         sync.Mutex
	fetch      func(ctx context.Context, target *database.Target) (string, error)
	fetches    map[string]int
	calls      []string
	navErr     error
	clickErr   error
	notifyErr  error
	sessionErr error
	bodies     []string
	onClick    func()
}

func newFakeDriver(fetch func(ctx context.Context, target *database.Target) (string, error)) *fakeDriver {
	return &fakeDriver{fetch: fetch, fetches: make(map[string]int)}
}

func (d *fakeDriver) Session(ctx context.Context, name string) (Session, error) {
	if d.sessionErr != nil {
		return nil, d.sessionErr
	}
	return fakeSession(name), nil
}

func (d *fakeDriver) Fetch(ctx context.Context, session Session, target *database.Target) (string, error) {
	d.mu.Lock()
	d.fetches[target.ID]++
	d.mu.Unlock()
	return d.fetch(ctx, target)
}

func (d *fakeDriver) NavigateTo(ctx context.Context, session Session, url string) error {
	d.log("navigate:" + url)
	return d.navErr
}

func (d *fakeDriver) Click(ctx context.Context, session Session, selector string, selectorType database.SelectorType) error {
	if d.onClick != nil {
		d.onClick()
	}
	d.log(fmt.Sprintf("click:%s:%s", selectorType, selector))
	return d.clickErr
}

func (d *fakeDriver) Notify(ctx context.Context, title, body string) error {
	d.mu.Lock()
	d.bodies = append(d.bodies, body)
	d.mu.Unlock()
	d.log("notify:" + title)
	return d.notifyErr
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) log(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDriver) fetchCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches[id]
}

func (d *fakeDriver) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) notifyBodies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bodies...)
}

// memSource is an in-memory ConfigSource and StateStore.
type memSource struct {
	mu      sync.Mutex
	targets map[string]database.Target
	rules   map[string]database.Rule
	states  map[string]database.TargetState
}

func newMemSource() *memSource {
	return &memSource{
		targets: make(map[string]database.Target),
		rules:   make(map[string]database.Rule),
		states:  make(map[string]database.TargetState),
	}
}

func (m *memSource) putTarget(t database.Target) {
	m.mu.Lock()
	m.targets[t.ID] = t
	m.mu.Unlock()
}

func (m *memSource) putRule(r database.Rule) {
	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()
}

func (m *memSource) GetTargets(ctx context.Context, filters database.TargetFilters) ([]database.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Target
	for _, t := range m.targets {
		if filters.Enabled != nil && t.Enabled != *filters.Enabled {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSource) GetRules(ctx context.Context, filters database.RuleFilters) ([]database.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Rule
	for _, r := range m.rules {
		if filters.TargetID != "" && r.TargetID != filters.TargetID {
			continue
		}
		if filters.Enabled != nil && r.Enabled != *filters.Enabled {
			continue
		}
		out = append(out, r)
	}
	// map order; the scheduler sorts
	return out, nil
}

func (m *memSource) GetTargetState(ctx context.Context, targetID string) (*database.TargetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[targetID]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", targetID, database.ErrNotFound)
	}
	c := s.Clone()
	return &c, nil
}

func (m *memSource) SaveTargetState(ctx context.Context, state *database.TargetState) error {
	m.mu.Lock()
	m.states[state.TargetID] = state.Clone()
	m.mu.Unlock()
	return nil
}

// eventLog is a synchronous EventSink for assertions.
type eventLog struct {
	mu      sync.Mutex
	records []EventRecord
}

func (l *eventLog) Emit(record EventRecord) {
	l.mu.Lock()
	l.records = append(l.records, record)
	l.mu.Unlock()
}

func (l *eventLog) all() []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventRecord(nil), l.records...)
}

func (l *eventLog) count(targetID string, level Level) int {
	n := 0
	for _, r := range l.all() {
		if r.TargetID == targetID && (level == "" || r.Level == level) {
			n++
		}
	}
	return n
}

func (l *eventLog) find(targetID string, level Level, substr string) (EventRecord, bool) {
	for _, r := range l.all() {
		if r.TargetID == targetID && r.Level == level && strings.Contains(r.Message, substr) {
			return r, true
		}
	}
	return EventRecord{}, false
}

func strPtr(s string) *string { return &s }
