package orchestrator

import (
	"context"
	"errors"
	"time"
)

// abortCause is the cancellation cause attached to a run's derived context.
// It distinguishes cooperative cancellation from wall-clock timeout and
// carries the requester's reason into terminal events and records.
type abortCause struct {
	reason  string
	timeout bool
}

func (c *abortCause) Error() string {
	if c.timeout {
		return "run timed out"
	}
	if c.reason != "" {
		return "run cancelled: " + c.reason
	}
	return "run cancelled"
}

// deriveAbortContext builds the abortable context for one running segment.
// The parent's abort propagates into the child; the child aborts
// independently via the returned cancel, optionally bounded by a wall-clock
// timeout. Detachment from short-lived caller contexts happens once, when the
// run goroutine is spawned.
func deriveAbortContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelCauseFunc) {
	derived, abort := context.WithCancelCause(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		derived, cancel = context.WithDeadlineCause(derived, time.Now().Add(timeout), &abortCause{timeout: true})
		return derived, func(cause error) {
			abort(cause)
			cancel()
		}
	}
	return derived, abort
}

// causeOf extracts the abort cause from an aborted context, synthesizing one
// for plain deadline or cancellation errors.
func causeOf(ctx context.Context) *abortCause {
	cause := context.Cause(ctx)
	var ac *abortCause
	if errors.As(cause, &ac) {
		return ac
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return &abortCause{timeout: true}
	}
	return &abortCause{}
}
