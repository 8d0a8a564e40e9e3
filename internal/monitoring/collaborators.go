package monitoring

import (
	"context"

	"pagewatch/internal/database"
)

// Session is an opaque, already-authenticated browsing context handed out by
// a SessionProvider. The engine only uses its name for locking and logging.
type Session interface {
	Name() string
}

type SessionProvider interface {
	Session(ctx context.Context, name string) (Session, error)
}

// ValueFetcher reads the current value of a target. Failures should be
// *FetchError so the kind is reported; other errors count as FetchUnknown.
type ValueFetcher interface {
	Fetch(ctx context.Context, session Session, target *database.Target) (string, error)
}

type Navigator interface {
	NavigateTo(ctx context.Context, session Session, url string) error
}

type Clicker interface {
	Click(ctx context.Context, session Session, selector string, selectorType database.SelectorType) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// NotificationTester is implemented by notifiers with their own test message.
type NotificationTester interface {
	TestNotification(ctx context.Context, message string) error
}

// NotificationReporter is implemented by notifiers that expose delivery
// settings and throttle counters.
type NotificationReporter interface {
	GetStats() map[string]interface{}
}

// ConfigSource is the read path of the configuration model.
type ConfigSource interface {
	GetTargets(ctx context.Context, filters database.TargetFilters) ([]database.Target, error)
	GetRules(ctx context.Context, filters database.RuleFilters) ([]database.Rule, error)
}

// StateStore persists the last observed value of each target.
type StateStore interface {
	GetTargetState(ctx context.Context, targetID string) (*database.TargetState, error)
	SaveTargetState(ctx context.Context, state *database.TargetState) error
}

// Driver bundles the collaborators a browser backend provides.
type Driver interface {
	SessionProvider
	ValueFetcher
	Navigator
	Clicker
	Close() error
}
