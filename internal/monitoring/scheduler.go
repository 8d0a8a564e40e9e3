// internal/monitoring/scheduler.go - One polling loop per enabled target
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
)

// SchedulerDeps are the collaborators a Scheduler drives.
type SchedulerDeps struct {
	Source       ConfigSource
	States       StateStore // optional; receives the last value after each successful fetch
	Sessions     SessionProvider
	Fetcher      ValueFetcher
	Dispatcher   *ActionDispatcher
	Events       EventSink
	Metrics      *metrics.Collector
	FetchTimeout time.Duration
	RestoreState bool // seed each loop from States
}

type Scheduler struct {
	deps SchedulerDeps

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	loops   map[string]*targetLoop
	wg      sync.WaitGroup

	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// targetLoop is the single writer of its state.
type targetLoop struct {
	target database.Target
	cancel context.CancelFunc

	// persistMu orders stop against the state write at the end of a cycle.
	persistMu sync.Mutex

	stateMu sync.RWMutex
	state   database.TargetState
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = 45 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(nil)
	}
	return &Scheduler{
		deps:         deps,
		loops:        make(map[string]*targetLoop),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// Start launches a loop for every enabled target. Loops stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	logrus.Info("Starting scheduler")
	return s.Reconcile(ctx)
}

// Stop cancels every loop and waits for all of them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}

	logrus.Info("Stopping scheduler")
	s.running = false
	s.cancel()
	for id := range s.loops {
		delete(s.loops, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.deps.Metrics.SetActiveTargets(0)
}

// Reconcile compares running loops with the enabled targets in the
// configuration model. Loops of removed, disabled or relocated targets are
// cancelled; new or re-enabled targets get a loop.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	enabled := true
	targets, err := s.deps.Source.GetTargets(ctx, database.TargetFilters{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	wanted := make(map[string]database.Target, len(targets))
	for _, t := range targets {
		wanted[t.ID] = t
	}

	for id, loop := range s.loops {
		t, ok := wanted[id]
		if ok && loop.target.SameLocation(&t) {
			continue
		}
		loop.stop()
		delete(s.loops, id)
		logrus.WithField("target", id).Info("Stopped target loop")
	}

	for id, t := range wanted {
		if _, ok := s.loops[id]; ok {
			continue
		}
		s.startLoop(t)
	}

	s.deps.Metrics.SetActiveTargets(len(s.loops))
	return nil
}

// startLoop must be called with s.mu held.
func (s *Scheduler) startLoop(target database.Target) {
	ctx, cancel := context.WithCancel(s.ctx)
	loop := &targetLoop{
		target: target,
		cancel: cancel,
		state:  database.TargetState{TargetID: target.ID},
	}
	s.loops[target.ID] = loop

	s.wg.Add(1)
	go s.run(ctx, loop)

	logrus.WithFields(logrus.Fields{
		"target":   target.ID,
		"interval": target.PollInterval,
		"session":  target.SessionName(),
	}).Info("Started target loop")
}

func (s *Scheduler) run(ctx context.Context, loop *targetLoop) {
	defer s.wg.Done()

	s.restore(loop)

	interval := loop.target.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		s.runCycle(ctx, loop)

		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) restore(loop *targetLoop) {
	if !s.deps.RestoreState || s.deps.States == nil {
		return
	}

	saved, err := s.deps.States.GetTargetState(context.Background(), loop.target.ID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			logrus.WithError(err).WithField("target", loop.target.ID).Warn("Failed to restore target state")
		}
		return
	}

	loop.stateMu.Lock()
	loop.state.LastValue = saved.LastValue
	loop.state.LastCheckedAt = saved.LastCheckedAt
	loop.state.LastMatchAt = saved.LastMatchAt
	loop.stateMu.Unlock()
}

// runCycle performs one fetch, evaluation and dispatch for the loop's target.
// The fetch and the actions run on their own timeout contexts, so
// cancellation only takes effect once they return.
func (s *Scheduler) runCycle(ctx context.Context, loop *targetLoop) {
	target := &loop.target

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Cycle panicked: %v", r)
			loop.recordError(msg)
			s.emit(LevelError, target.ID, "", msg)
		}
	}()

	lock := s.sessionLock(target.SessionName())
	lock.Lock()
	defer lock.Unlock()

	if ctx.Err() != nil {
		return
	}

	session, value, err := s.fetch(target)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		msg := fmt.Sprintf("Fetch failed (%s): %v", FetchErrorKindOf(err), err)
		count := loop.recordError(err.Error())
		s.deps.Metrics.RecordConsecutiveErrors(target.ID, count)
		s.emit(LevelError, target.ID, "", msg)
		return
	}
	s.deps.Metrics.RecordConsecutiveErrors(target.ID, 0)

	prev := loop.lastValue()
	switch {
	case prev == nil:
		s.emit(LevelInfo, target.ID, "", fmt.Sprintf("Initial value %q", truncate(value)))
	case *prev != value:
		s.emit(LevelInfo, target.ID, "", fmt.Sprintf("Value changed from %q to %q", truncate(*prev), truncate(value)))
	}

	matched := s.evaluate(session, target, prev, value)

	state := loop.recordValue(value, matched)

	// A loop stopped while dispatching must not write back state for a
	// target that may already be deleted.
	loop.persistMu.Lock()
	defer loop.persistMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.persist(&state)
}

// fetch resolves the session and reads the value under the fetch timeout.
func (s *Scheduler) fetch(target *database.Target) (Session, string, error) {
	fetchCtx, cancel := context.WithTimeout(context.Background(), s.deps.FetchTimeout)
	defer cancel()

	start := time.Now()
	session, err := s.deps.Sessions.Session(fetchCtx, target.SessionName())
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = NewFetchError(FetchSessionInvalid, target.ID, err)
		}
		s.deps.Metrics.RecordFetch(target.ID, time.Since(start), err)
		return nil, "", err
	}

	value, err := s.deps.Fetcher.Fetch(fetchCtx, session, target)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = NewFetchError(FetchUnknown, target.ID, err)
		}
	}
	s.deps.Metrics.RecordFetch(target.ID, time.Since(start), err)
	return session, value, err
}

// evaluate checks every enabled rule of the target in id order and runs the
// actions of each match. It reports whether any rule matched.
func (s *Scheduler) evaluate(session Session, target *database.Target, prev *string, value string) bool {
	enabled := true
	rules, err := s.deps.Source.GetRules(context.Background(), database.RuleFilters{
		TargetID: target.ID,
		Enabled:  &enabled,
	})
	if err != nil {
		s.emit(LevelError, target.ID, "", fmt.Sprintf("Failed to load rules: %v", err))
		return false
	}

	database.SortRules(rules)

	matched := false
	for i := range rules {
		rule := &rules[i]

		result := Evaluate(prev, value, rule)
		if !result.Matched {
			logrus.WithFields(logrus.Fields{
				"target": target.ID,
				"rule":   rule.ID,
				"reason": result.Reason,
			}).Debug("Rule not matched")
			continue
		}

		matched = true
		s.deps.Metrics.RecordMatch(target.ID, rule.ID)
		s.emit(LevelMatch, target.ID, rule.ID, fmt.Sprintf("Rule matched: %s", result.Reason))

		if s.deps.Dispatcher != nil {
			s.deps.Dispatcher.Run(context.Background(), session, target, rule, value)
		}
	}

	return matched
}

func (s *Scheduler) persist(state *database.TargetState) {
	if s.deps.States == nil {
		return
	}
	if err := s.deps.States.SaveTargetState(context.Background(), state); err != nil {
		logrus.WithError(err).WithField("target", state.TargetID).Warn("Failed to persist target state")
	}
}

func (s *Scheduler) emit(level Level, targetID, ruleID, msg string) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Emit(NewEvent(level, targetID, ruleID, msg))
}

func (s *Scheduler) sessionLock(name string) *sync.Mutex {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	lock, ok := s.sessionLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[name] = lock
	}
	return lock
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// States returns copies of the state of every running loop, ordered by target id.
func (s *Scheduler) States() []database.TargetState {
	s.mu.Lock()
	loops := make([]*targetLoop, 0, len(s.loops))
	for _, loop := range s.loops {
		loops = append(loops, loop)
	}
	s.mu.Unlock()

	states := make([]database.TargetState, 0, len(loops))
	for _, loop := range loops {
		states = append(states, loop.snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].TargetID < states[j].TargetID })
	return states
}

// State returns a copy of one target's state if its loop is running.
func (s *Scheduler) State(targetID string) (database.TargetState, bool) {
	s.mu.Lock()
	loop, ok := s.loops[targetID]
	s.mu.Unlock()
	if !ok {
		return database.TargetState{}, false
	}
	return loop.snapshot(), true
}

// stop cancels the loop. Once it returns the loop persists nothing more.
func (l *targetLoop) stop() {
	l.persistMu.Lock()
	l.cancel()
	l.persistMu.Unlock()
}

func (l *targetLoop) snapshot() database.TargetState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state.Clone()
}

func (l *targetLoop) lastValue() *string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	if l.state.LastValue == nil {
		return nil
	}
	v := *l.state.LastValue
	return &v
}

func (l *targetLoop) recordError(msg string) int {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.state.LastCheckedAt = time.Now()
	l.state.LastError = msg
	l.state.ConsecutiveErrors++
	return l.state.ConsecutiveErrors
}

func (l *targetLoop) recordValue(value string, matched bool) database.TargetState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	now := time.Now()
	l.state.LastValue = &value
	l.state.LastCheckedAt = now
	l.state.LastError = ""
	l.state.ConsecutiveErrors = 0
	if matched {
		l.state.LastMatchAt = now
	}
	return l.state.Clone()
}
