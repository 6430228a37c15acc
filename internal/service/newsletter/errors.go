package newsletter

import (
	"errors"
	"time"
)

// Sentinel errors for the newsletter queue.
var (
	ErrNotFound          = errors.New("not found")
	ErrDataNotFound      = errors.New("data not found")
	ErrAlreadyRunning    = errors.New("queue processor already running")
	ErrInvalidRetention  = errors.New("retention window must not be negative")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrMissingDependency = errors.New("missing required dependency")
	ErrStaleWindow       = errors.New("stale window shorter than the longest job")
	ErrDeferred          = errors.New("send deferred")
)

// DeferError is returned by a Dispatcher that declined to attempt a send
// yet, typically because a local rate budget is spent. The job goes back to
// PENDING at RetryAt and keeps its attempt count.
type DeferError struct {
	RetryAt time.Time
	Reason  string
}

// Defer builds a DeferError.
func Defer(retryAt time.Time, reason string) error {
	return &DeferError{RetryAt: retryAt, Reason: reason}
}

func (e *DeferError) Error() string {
	return "send deferred until " + e.RetryAt.UTC().Format(time.RFC3339) + ": " + e.Reason
}

func (e *DeferError) Is(target error) bool { return target == ErrDeferred }
