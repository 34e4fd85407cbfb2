package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maestro-run/maestro/run"
)

// startPoller launches the cancellation poller for one running segment. Every
// interval it consults the signal store; on the first signal it aborts the
// run's derived context with the signal's reason and stops. Ticks are dropped
// rather than overlapped because the single goroutine checks one tick at a
// time. The returned stop function is idempotent and must be called on every
// exit path of the wrapped execution.
func (r *Runtime) startPoller(ctx context.Context, runID string, interval time.Duration, abort context.CancelCauseFunc) (stop func()) {
	stopCh := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(stopCh) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				sig, err := r.signals.Lookup(ctx, runID)
				if errors.Is(err, run.ErrNotFound) {
					continue
				}
				if err != nil {
					r.logger.Warn(ctx, "cancellation poll failed", "run_id", runID, "err", err)
					continue
				}
				abort(&abortCause{reason: sig.Reason})
				return
			}
		}
	}()
	return stop
}
