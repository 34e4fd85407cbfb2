// Package orchestrator drives agent runs: the step loop over streaming
// completions, parallel tool execution, suspension across approval
// boundaries, cooperative out-of-band cancellation, and crash detection via a
// TTL'd run lock. State lives behind the run.Store, run.SignalStore and
// run.Locker seams so runs survive process restarts.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/hooks"
	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/run/inmem"
	"github.com/maestro-run/maestro/stream"
	"github.com/maestro-run/maestro/telemetry"
)

type (
	// Runtime is the orchestration entry point. Construct with New; all
	// methods are safe for concurrent use.
	Runtime struct {
		store     run.Store
		signals   run.SignalStore
		locker    run.Locker
		client    model.Client
		executor  Executor
		factories []hooks.Factory
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		clock     run.Clock

		stateTTL     time.Duration
		pollInterval time.Duration
		lockTTL      time.Duration
		runTimeout   time.Duration
	}

	// Option configures a Runtime.
	Option func(*Runtime)

	// RunStream is the handle for one orchestrated run: a live event stream
	// plus the terminal result.
	RunStream struct {
		runID  string
		events chan stream.Event
		done   chan struct{}

		mu     sync.Mutex
		closed bool
		result *Result
	}
)

// Defaults applied by New.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultLockTTL      = 30 * time.Second
)

// WithStateStore sets the run record store. Defaults to an in-memory store.
func WithStateStore(s run.Store) Option { return func(r *Runtime) { r.store = s } }

// WithSignalStore sets the cancellation signal store. Defaults to in-memory.
func WithSignalStore(s run.SignalStore) Option { return func(r *Runtime) { r.signals = s } }

// WithLocker sets the run lock backend. Defaults to in-memory.
func WithLocker(l run.Locker) Option { return func(r *Runtime) { r.locker = l } }

// WithHooks appends observer factories, invoked in registration order.
func WithHooks(factories ...hooks.Factory) Option {
	return func(r *Runtime) { r.factories = append(r.factories, factories...) }
}

// WithModelClient sets the streaming completion client. Required to run.
func WithModelClient(c model.Client) Option { return func(r *Runtime) { r.client = c } }

// WithExecutor sets the tool executor.
func WithExecutor(e Executor) Option { return func(r *Runtime) { r.executor = e } }

// WithLogger sets the logger. Defaults to a no-op.
func WithLogger(l telemetry.Logger) Option { return func(r *Runtime) { r.logger = l } }

// WithMetrics sets the metrics recorder. Defaults to a no-op.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Runtime) { r.metrics = m } }

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c run.Clock) Option { return func(r *Runtime) { r.clock = c } }

// WithStateTTL bounds persisted record lifetime. Zero keeps records forever.
func WithStateTTL(ttl time.Duration) Option { return func(r *Runtime) { r.stateTTL = ttl } }

// WithPollInterval sets the default cancellation poll period.
func WithPollInterval(d time.Duration) Option { return func(r *Runtime) { r.pollInterval = d } }

// WithLockTTL sets the default run lock TTL, which also bounds crash
// detection.
func WithLockTTL(ttl time.Duration) Option { return func(r *Runtime) { r.lockTTL = ttl } }

// WithRunTimeout sets the default per-run wall-clock budget.
func WithRunTimeout(d time.Duration) Option { return func(r *Runtime) { r.runTimeout = d } }

// New constructs a Runtime. Unset stores default to the in-memory backends,
// suitable for tests and single-process deployments.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:       telemetry.NewNopLogger(),
		metrics:      telemetry.NewNopMetrics(),
		clock:        run.SystemClock(),
		pollInterval: DefaultPollInterval,
		lockTTL:      DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = inmem.NewStore(r.clock)
	}
	if r.signals == nil {
		r.signals = inmem.NewSignalStore(r.clock)
	}
	if r.locker == nil {
		r.locker = inmem.NewLocker(r.clock)
	}
	return r
}

// resolve merges per-run options over the runtime defaults.
func (r *Runtime) resolve(opts RunOptions) RunOptions {
	if opts.PollInterval <= 0 {
		opts.PollInterval = r.pollInterval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = r.lockTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.runTimeout
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = r.stateTTL
	}
	return opts
}

// RunID returns the id of the orchestrated run.
func (h *RunStream) RunID() string { return h.runID }

// Events returns the run's event stream. The channel is closed after the
// terminal event. Slow consumers never block the run: intermediate events are
// dropped once the buffer fills, while terminal events evict the oldest
// buffered event so the segment's outcome is always observable.
func (h *RunStream) Events() <-chan stream.Event { return h.events }

// Wait blocks until the run segment finishes and returns its result.
func (h *RunStream) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, nil
	}
}

func newRunStream(runID string) *RunStream {
	return &RunStream{
		runID:  runID,
		events: make(chan stream.Event, 1024),
		done:   make(chan struct{}),
	}
}

func (h *RunStream) emit(ev stream.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// emitTerminal delivers ev even when the buffer is full by evicting the
// oldest buffered event.
func (h *RunStream) emitTerminal(ev stream.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for {
		select {
		case h.events <- ev:
			return
		default:
		}
		select {
		case <-h.events:
		default:
		}
	}
}

func (h *RunStream) finish(res *Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.result = res
	close(h.events)
	close(h.done)
}

// Run orchestrates one input: a fresh request or a resume of a persisted run.
// Routing and validation happen synchronously; execution continues on its own
// goroutine, reported through the returned handle. The handle's events and
// result outlive ctx: only routing uses it.
func (r *Runtime) Run(ctx context.Context, input RunInput) (*RunStream, error) {
	if r.client == nil {
		return nil, NewError(CodeInternal, "no model client configured")
	}
	if len(input.Manifests) == 0 {
		return nil, NewError(CodeBadRequest, "manifests are required")
	}
	opts := r.resolve(input.Options)

	switch input.Kind {
	case KindRequest:
		return r.startRequest(ctx, input, opts)
	case KindReply, KindApproval, KindContinue:
		return r.startResume(ctx, input, opts)
	default:
		return nil, NewError(CodeBadRequest, "unknown input kind %q", input.Kind)
	}
}

func (r *Runtime) startRequest(ctx context.Context, input RunInput, opts RunOptions) (*RunStream, error) {
	if input.AgentID == "" {
		return nil, NewError(CodeBadRequest, "agent id is required for a request")
	}
	if input.Prompt == "" {
		return nil, NewError(CodeBadRequest, "prompt is required for a request")
	}
	manifest, err := input.Manifests.Get(input.AgentID)
	if err != nil {
		return nil, NewError(CodeBadRequest, "%s", err)
	}

	now := r.clock.Now()
	rec := &run.Record{
		ID:              uuid.NewString(),
		SchemaVersion:   run.SchemaVersion,
		CreatedAt:       now,
		Status:          run.StatusRunning,
		ManifestID:      manifest.ID,
		ManifestVersion: manifest.Version,
		RootManifestID:  manifest.ID,
		Messages:        []*model.Message{model.NewUserMessage(input.Prompt)},
	}
	handle := newRunStream(rec.ID)
	sess, serr := r.newSession(rec, input.Manifests, opts, handle, "")
	if serr != nil {
		return nil, serr
	}

	lock, err := r.locker.Acquire(ctx, rec.ID, opts.LockTTL)
	if err != nil {
		return nil, AsError(err)
	}
	go func() {
		bg := context.WithoutCancel(ctx)
		stop := r.keepAlive(bg, lock, rec.ID, opts.LockTTL)
		res := sess.runSegment(bg, false)
		stop()
		if rerr := lock.Release(bg); rerr != nil {
			r.logger.Warn(bg, "release run lock", "run_id", rec.ID, "err", rerr)
		}
		handle.finish(res)
	}()
	return handle, nil
}

func (r *Runtime) startResume(ctx context.Context, input RunInput, opts RunOptions) (*RunStream, error) {
	if input.RunID == "" {
		return nil, NewError(CodeBadRequest, "run id is required for %s", input.Kind)
	}
	rec, err := r.loadRecord(ctx, input.RunID)
	if err != nil {
		return nil, err
	}
	if oerr := resumableWith(rec, input); oerr != nil {
		return nil, oerr
	}

	// Acquiring the lock proves no live holder exists; contention surfaces as
	// already-running, never duplicate execution.
	lock, err := r.locker.Acquire(ctx, rec.ID, opts.LockTTL)
	if errors.Is(err, run.ErrLockHeld) {
		return nil, NewError(CodeAlreadyRunning, "run %s is executing elsewhere", rec.ID)
	}
	if err != nil {
		return nil, AsError(err)
	}
	release := func(rctx context.Context) {
		if rerr := lock.Release(rctx); rerr != nil {
			r.logger.Warn(rctx, "release run lock", "run_id", input.RunID, "err", rerr)
		}
	}

	// A rival resumer may have won the lock, advanced the run and released it
	// between the load and the acquire. Re-read under the lock and re-check so
	// a stale snapshot can never replay work or overwrite a terminal record.
	rec, err = r.loadRecord(ctx, input.RunID)
	if err != nil {
		release(context.WithoutCancel(ctx))
		return nil, err
	}
	if oerr := resumableWith(rec, input); oerr != nil {
		release(context.WithoutCancel(ctx))
		return nil, oerr
	}

	handle := newRunStream(rec.ID)
	sess, serr := r.newSession(rec, input.Manifests, opts, handle, "")
	if serr != nil {
		release(context.WithoutCancel(ctx))
		return nil, serr
	}

	go func() {
		bg := context.WithoutCancel(ctx)
		stop := r.keepAlive(bg, lock, rec.ID, opts.LockTTL)
		var res *Result
		var rerr error
		switch input.Kind {
		case KindReply:
			rec.Messages = append(rec.Messages, model.NewUserMessage(input.Message))
			res = sess.runSegment(bg, true)
		case KindContinue:
			res = sess.runSegment(bg, true)
		case KindApproval:
			if _, ok := rec.SuspensionByApproval(input.Approval.ApprovalID); ok {
				res, rerr = sess.resolveApproval(bg, input.Approval)
			} else {
				res, rerr = sess.resumeDescendant(bg, input.Approval)
			}
		}
		stop()
		release(bg)
		if rerr != nil {
			oerr := AsError(rerr)
			handle.emitTerminal(&stream.AgentError{Base: stream.Base{Run: rec.ID}, Message: oerr.Message})
			handle.finish(&Result{RunID: rec.ID, Status: rec.Status, Err: oerr})
			return
		}
		handle.finish(res)
	}()
	return handle, nil
}

// loadRecord loads runID, mapping store sentinels to orchestrator errors.
func (r *Runtime) loadRecord(ctx context.Context, runID string) (*run.Record, error) {
	rec, err := r.store.Load(ctx, runID)
	if errors.Is(err, run.ErrNotFound) {
		return nil, NewError(CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, AsError(err)
	}
	return rec, nil
}

// resumableWith checks that the record's current status admits the resume
// kind. It runs twice per resume: once before the lock for a cheap rejection,
// and again on the fresh record read under the lock.
func resumableWith(rec *run.Record, input RunInput) *Error {
	switch rec.Status {
	case run.StatusCompleted:
		if input.Kind != KindReply {
			return NewError(CodeBadRequest, "run %s is in terminal state %s", rec.ID, rec.Status)
		}
	case run.StatusFailed, run.StatusCancelled:
		return NewError(CodeBadRequest, "run %s is in terminal state %s", rec.ID, rec.Status)
	case run.StatusSuspended:
		switch input.Kind {
		case KindApproval:
			if input.Approval == nil || input.Approval.ApprovalID == "" {
				return NewError(CodeBadRequest, "approval response is required")
			}
		case KindContinue:
			return NewError(CodeBadRequest, "run %s awaits approval; resume with an approval input", rec.ID)
		case KindReply:
			return NewError(CodeBadRequest, "run %s is suspended; a reply requires a completed run", rec.ID)
		}
	case run.StatusRunning:
		if input.Kind == KindReply || input.Kind == KindApproval {
			return NewError(CodeBadRequest, "run %s is running", rec.ID)
		}
	}
	return nil
}

// keepAlive refreshes a held lock at a third of its TTL so a live segment
// longer than the TTL is never mistaken for a crashed holder. The returned
// stop must be called before Release. Refreshing stops on the first error:
// a lost lock cannot be revived.
func (r *Runtime) keepAlive(ctx context.Context, lock run.Lock, runID string, ttl time.Duration) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, ttl); err != nil {
					r.logger.Warn(ctx, "refresh run lock", "run_id", runID, "err", err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// SignalCancel writes the cooperative cancellation signal for runID. The live
// worker's poller converts it into a local abort within its poll interval.
func (r *Runtime) SignalCancel(ctx context.Context, runID, reason string) error {
	if _, err := r.store.Load(ctx, runID); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return NewError(CodeNotFound, "run %s not found", runID)
		}
		return AsError(err)
	}
	sig := run.Signal{CancelledAt: r.clock.Now(), Reason: reason}
	if err := r.signals.Signal(ctx, runID, sig); err != nil {
		return AsError(err)
	}
	return nil
}
