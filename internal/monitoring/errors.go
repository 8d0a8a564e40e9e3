package monitoring

import (
	"context"
	"errors"
	"fmt"
)

// FetchErrorKind classifies why a value could not be read.
type FetchErrorKind string

const (
	FetchNotFound       FetchErrorKind = "not_found"       // selector did not resolve
	FetchTimeout        FetchErrorKind = "timeout"         // page or element did not load in time
	FetchSessionInvalid FetchErrorKind = "session_invalid" // e.g. expired authentication, crashed tab
	FetchUnknown        FetchErrorKind = "unknown"
)

type FetchError struct {
	Kind     FetchErrorKind
	TargetID string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.TargetID, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.TargetID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError, inferring Timeout from context deadlines
// when kind is FetchUnknown.
func NewFetchError(kind FetchErrorKind, targetID string, err error) *FetchError {
	if kind == FetchUnknown && errors.Is(err, context.DeadlineExceeded) {
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, TargetID: targetID, Err: err}
}

// FetchErrorKindOf returns the kind of a FetchError anywhere in err's chain.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	return FetchUnknown
}

type NotifyError struct {
	Channel string
	Err     error
}

func (e *NotifyError) Error() string { return fmt.Sprintf("notify via %s: %v", e.Channel, e.Err) }
func (e *NotifyError) Unwrap() error { return e.Err }

type NavError struct {
	URL string
	Err error
}

func (e *NavError) Error() string { return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err) }
func (e *NavError) Unwrap() error { return e.Err }

type ClickError struct {
	Selector string
	Err      error
}

func (e *ClickError) Error() string { return fmt.Sprintf("click %s: %v", e.Selector, e.Err) }
func (e *ClickError) Unwrap() error { return e.Err }

// ErrUnsupported is wrapped by drivers that cannot perform an action.
var ErrUnsupported = errors.New("not supported by this driver")
