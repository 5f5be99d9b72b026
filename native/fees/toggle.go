package fees

import (
	"errors"
	"fmt"
)

var (
	ErrNothingQueued   = errors.New("fees: no toggle change queued")
	ErrToggleNotReady  = errors.New("fees: toggle delay has not elapsed")
	ErrZeroToggleDelay = errors.New("fees: toggle delay must be positive")
	ErrTogglePending   = errors.New("fees: a toggle change is already queued")
)

// Toggle implements the timelocked fees-enabled switch. A change is queued,
// becomes executable only once the configured delay has elapsed, and can be
// cancelled by the owner at any point while pending. The delay exists so an
// administrator cannot front-run in-flight payments with an immediate
// fee-policy change.
type Toggle struct {
	Delay          int64
	queued         bool
	pendingEnabled bool
	queuedAt       int64
}

// NewToggle constructs a toggle with the supplied execution delay in seconds.
func NewToggle(delay int64) (*Toggle, error) {
	if delay <= 0 {
		return nil, ErrZeroToggleDelay
	}
	return &Toggle{Delay: delay}, nil
}

// Queue records a pending change to the fees-enabled flag. Queueing while a
// change is already pending is rejected; the owner must cancel first.
func (t *Toggle) Queue(enabled bool, now int64) error {
	if t == nil {
		return ErrNothingQueued
	}
	if t.queued {
		return ErrTogglePending
	}
	t.queued = true
	t.pendingEnabled = enabled
	t.queuedAt = now
	return nil
}

// Execute applies the pending change once the delay has elapsed and returns
// the new flag value.
func (t *Toggle) Execute(now int64) (bool, error) {
	if t == nil || !t.queued {
		return false, ErrNothingQueued
	}
	if now < t.queuedAt+t.Delay {
		return false, fmt.Errorf("%w: ready at %d", ErrToggleNotReady, t.queuedAt+t.Delay)
	}
	enabled := t.pendingEnabled
	t.clear()
	return enabled, nil
}

// Cancel drops the pending change. Cancelling with nothing queued is an error
// so callers learn they raced an execution.
func (t *Toggle) Cancel() error {
	if t == nil || !t.queued {
		return ErrNothingQueued
	}
	t.clear()
	return nil
}

// Restore reinstates a persisted pending change, overwriting whatever is
// queued. Used when rebuilding a toggle from storage on startup.
func (t *Toggle) Restore(queued, enabled bool, queuedAt int64) {
	if t == nil {
		return
	}
	t.queued = queued
	t.pendingEnabled = enabled
	t.queuedAt = queuedAt
}

// Pending reports whether a change is queued along with the queued value and
// timestamp.
func (t *Toggle) Pending() (queued bool, enabled bool, queuedAt int64) {
	if t == nil {
		return false, false, 0
	}
	return t.queued, t.pendingEnabled, t.queuedAt
}

func (t *Toggle) clear() {
	t.queued = false
	t.pendingEnabled = false
	t.queuedAt = 0
}
