package orchestrator

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/hooks"
	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/telemetry"
)

// Cancel applies the out-of-band cancellation protocol to runID: suspended
// runs are marked cancelled directly (recursively when requested), live runs
// are signalled for cooperative abort, and runs whose holder demonstrably
// died are marked failed.
func (r *Runtime) Cancel(ctx context.Context, runID string, opts CancelOptions) (CancelResult, error) {
	if opts.LockTTL <= 0 {
		opts.LockTTL = r.lockTTL
	}
	rec, err := r.store.Load(ctx, runID)
	if errors.Is(err, run.ErrNotFound) {
		return CancelResult{}, NewError(CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return CancelResult{}, AsError(err)
	}
	res, err := r.dispatchCancel(ctx, rec, opts, false)
	if err == nil {
		r.metrics.IncCounter(telemetry.MetricRunsCancelled+".actions", 1, "outcome", string(res.Outcome))
	}
	return res, err
}

// dispatchCancel routes on the record's current status. locked reports
// whether the caller already holds the run lock (handleRunning delegating to
// handleSuspended under its lock).
func (r *Runtime) dispatchCancel(ctx context.Context, rec *run.Record, opts CancelOptions, locked bool) (CancelResult, error) {
	switch rec.Status {
	case run.StatusCancelled:
		return CancelResult{RunID: rec.ID, Outcome: AlreadyCancelled}, nil
	case run.StatusCompleted, run.StatusFailed:
		return CancelResult{}, NewError(CodeBadRequest, "run %s is in terminal state %s", rec.ID, rec.Status)
	case run.StatusSuspended:
		return r.cancelSuspended(ctx, rec, opts, locked)
	case run.StatusRunning:
		if locked {
			return r.cancelHeldRunning(ctx, rec, opts)
		}
		return r.cancelRunning(ctx, rec, opts)
	default:
		return CancelResult{}, NewError(CodeInternal, "run %s has unknown status %q", rec.ID, rec.Status)
	}
}

// cancelRunning handles a record that reads running. Failing to acquire the
// lock proves a live holder, so the run is signalled. A successful acquire
// proves no holder: the record is re-read under the lock and the duration
// heuristic separates a crashed holder from a racing one.
func (r *Runtime) cancelRunning(ctx context.Context, rec *run.Record, opts CancelOptions) (CancelResult, error) {
	lock, err := r.locker.Acquire(ctx, rec.ID, opts.LockTTL)
	if errors.Is(err, run.ErrLockHeld) {
		if serr := r.signals.Signal(ctx, rec.ID, run.Signal{CancelledAt: r.clock.Now(), Reason: opts.Reason}); serr != nil {
			return CancelResult{}, AsError(serr)
		}
		return CancelResult{RunID: rec.ID, Outcome: SignaledRunning}, nil
	}
	if err != nil {
		return CancelResult{}, AsError(err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Warn(ctx, "release cancel lock", "run_id", rec.ID, "err", rerr)
		}
	}()

	fresh, err := r.store.Load(ctx, rec.ID)
	if errors.Is(err, run.ErrNotFound) {
		return CancelResult{}, NewError(CodeNotFound, "run %s not found", rec.ID)
	}
	if err != nil {
		return CancelResult{}, AsError(err)
	}
	return r.dispatchCancel(ctx, fresh, opts, true)
}

// cancelHeldRunning decides the fate of a record still reading running while
// we hold its lock: a stale StartedAt means the prior holder's lock expired
// with the run unfinished, so the holder died.
func (r *Runtime) cancelHeldRunning(ctx context.Context, rec *run.Record, opts CancelOptions) (CancelResult, error) {
	started := rec.StartedAt
	if started.IsZero() {
		started = rec.CreatedAt
	}
	d := r.clock.Now().Sub(started)
	if d > opts.LockTTL {
		now := r.clock.Now()
		rec.Status = run.StatusFailed
		rec.Suspensions = nil
		rec.SuspensionStacks = nil
		rec.ElapsedExecutionMS += now.Sub(started).Milliseconds()
		rec.UpdatedAt = now
		if err := r.store.Save(ctx, rec, r.stateTTL); err != nil {
			return CancelResult{}, AsError(err)
		}
		r.logger.Info(ctx, "marked crashed run failed", "run_id", rec.ID, "stale_for", d.String())
		return CancelResult{RunID: rec.ID, Outcome: MarkedFailed}, nil
	}
	// A holder exists but released briefly, or just acquired elsewhere:
	// signal and let it abort cooperatively.
	if err := r.signals.Signal(ctx, rec.ID, run.Signal{CancelledAt: r.clock.Now(), Reason: opts.Reason}); err != nil {
		return CancelResult{}, AsError(err)
	}
	return CancelResult{RunID: rec.ID, Outcome: SignaledRunning}, nil
}

// cancelSuspended cancels a suspended record, optionally fanning out to the
// direct children referenced by its suspension stacks first. Child failures
// are collected, not fatal: children persist their own state independently.
func (r *Runtime) cancelSuspended(ctx context.Context, rec *run.Record, opts CancelOptions, locked bool) (CancelResult, error) {
	if opts.Recursive {
		children := rec.DirectStackChildren()
		var g errgroup.Group
		var mu sync.Mutex
		var failures []error
		for _, childID := range children {
			g.Go(func() error {
				if _, err := r.Cancel(ctx, childID, opts); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		for _, ferr := range failures {
			r.logger.Warn(ctx, "recursive cancel child failed", "run_id", rec.ID, "err", ferr)
		}
	}

	// Children may have changed this record; re-read before mutating.
	fresh, err := r.store.Load(ctx, rec.ID)
	if errors.Is(err, run.ErrNotFound) {
		return CancelResult{}, NewError(CodeNotFound, "run %s not found", rec.ID)
	}
	if err != nil {
		return CancelResult{}, AsError(err)
	}
	switch fresh.Status {
	case run.StatusCancelled:
		return CancelResult{RunID: fresh.ID, Outcome: AlreadyCancelled}, nil
	case run.StatusCompleted, run.StatusFailed:
		return CancelResult{}, NewError(CodeBadRequest, "run %s is in terminal state %s", fresh.ID, fresh.Status)
	case run.StatusRunning:
		// The holder resumed mid-recursion.
		if locked {
			return r.cancelHeldRunning(ctx, fresh, opts)
		}
		return r.cancelRunning(ctx, fresh, opts)
	}

	fresh.Status = run.StatusCancelled
	fresh.Suspensions = nil
	fresh.SuspensionStacks = nil
	fresh.UpdatedAt = r.clock.Now()
	if err := r.store.Save(ctx, fresh, r.stateTTL); err != nil {
		return CancelResult{}, AsError(err)
	}
	r.notifyCancelled(ctx, fresh, opts.Reason)
	r.metrics.IncCounter(telemetry.MetricRunsCancelled, 1, "manifest", fresh.ManifestID)
	return CancelResult{RunID: fresh.ID, Outcome: MarkedCancelled}, nil
}

// notifyCancelled fires the cancelled observers for a run marked cancelled
// out-of-band. The canceller has no manifest map, so factories receive a
// minimal manifest carrying only the ids recorded on the run.
func (r *Runtime) notifyCancelled(ctx context.Context, rec *run.Record, reason string) {
	if len(r.factories) == 0 {
		return
	}
	manifest := &agent.Manifest{ID: rec.ManifestID, Version: rec.ManifestVersion}
	chain := hooks.New(manifest, r.factories...)
	chain.AgentCancelled(ctx, &hooks.Event{RunID: rec.ID, Manifest: manifest, Record: rec, Reason: reason})
}
