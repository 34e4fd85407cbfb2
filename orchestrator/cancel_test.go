package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/tools"
)

func saveRecord(t *testing.T, rt *Runtime, rec *run.Record) *run.Record {
	t.Helper()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SchemaVersion = run.SchemaVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rt.clock.Now()
	}
	if rec.ManifestID == "" {
		rec.ManifestID = "assistant"
	}
	require.NoError(t, rt.store.Save(context.Background(), rec, 0))
	return rec
}

func suspendedRecord(approvalID string) *run.Record {
	return &run.Record{
		Status: run.StatusSuspended,
		Suspensions: []*run.Suspension{{
			ApprovalID: approvalID,
			ToolCallID: "t1",
			ToolName:   "deploy",
		}},
	}
}

func TestCancelSuspendedMarksCancelled(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	rec := saveRecord(t, rt, suspendedRecord("ap1"))

	res, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{Reason: "operator request"})
	require.NoError(t, err)
	assert.Equal(t, MarkedCancelled, res.Outcome)

	fresh, err := rt.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, fresh.Status)
	assert.Empty(t, fresh.Suspensions)
	assert.Empty(t, fresh.SuspensionStacks)

	// Cancelling again is a no-op.
	res, err = rt.Cancel(context.Background(), rec.ID, CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, AlreadyCancelled, res.Outcome)
}

func TestCancelTerminalRejected(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	for _, status := range []run.Status{run.StatusCompleted, run.StatusFailed} {
		rec := saveRecord(t, rt, &run.Record{Status: status})
		_, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{})
		assert.Equal(t, CodeBadRequest, codeOf(t, err), "status %s", status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	_, err := rt.Cancel(context.Background(), "missing", CancelOptions{})
	assert.Equal(t, CodeNotFound, codeOf(t, err))
}

func TestCancelRunningWithLiveHolderSignals(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	rec := saveRecord(t, rt, &run.Record{Status: run.StatusRunning, StartedAt: time.Now()})

	lock, err := rt.locker.Acquire(context.Background(), rec.ID, time.Minute)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	res, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{Reason: "stop"})
	require.NoError(t, err)
	assert.Equal(t, SignaledRunning, res.Outcome)

	sig, err := rt.signals.Lookup(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "stop", sig.Reason)
}

func TestCancelDetectsCrashedHolder(t *testing.T) {
	clk := newManualClock()
	rt := New(WithModelClient(newScriptClient()), WithClock(clk))
	rec := saveRecord(t, rt, &run.Record{Status: run.StatusRunning, StartedAt: clk.Now()})

	// The record reads running, its lock is acquirable, and StartedAt is
	// older than the lock TTL: the holder died.
	clk.Advance(DefaultLockTTL + time.Second)

	res, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, MarkedFailed, res.Outcome)

	fresh, err := rt.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, fresh.Status)
}

func TestCancelFreshRunningSignalsInsteadOfFailing(t *testing.T) {
	clk := newManualClock()
	rt := New(WithModelClient(newScriptClient()), WithClock(clk))
	rec := saveRecord(t, rt, &run.Record{Status: run.StatusRunning, StartedAt: clk.Now()})

	// No holder, but StartedAt is within the TTL: the worker may be between
	// lock renewals. Signal rather than declare it dead.
	res, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{Reason: "stop"})
	require.NoError(t, err)
	assert.Equal(t, SignaledRunning, res.Outcome)

	fresh, err := rt.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, fresh.Status)
}

func TestCancelRecursive(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	ctx := context.Background()

	child := saveRecord(t, rt, suspendedRecord("ap-child"))
	grand := saveRecord(t, rt, suspendedRecord("ap-grand"))
	child.SuspensionStacks = []run.Stack{{Entries: []run.StackEntry{
		{RunID: child.ID, ManifestID: "child", ToolCallID: "t2"},
		{RunID: grand.ID, ManifestID: "grand"},
	}}}
	require.NoError(t, rt.store.Save(ctx, child, 0))

	parentID := uuid.NewString()
	parent := saveRecord(t, rt, &run.Record{
		ID:     parentID,
		Status: run.StatusSuspended,
		SuspensionStacks: []run.Stack{{Entries: []run.StackEntry{
			{RunID: parentID, ManifestID: "parent", ToolCallID: "t1"},
			{RunID: child.ID, ManifestID: "child"},
		}}},
		ChildRunIDs: []string{child.ID},
	})

	res, err := rt.Cancel(ctx, parent.ID, CancelOptions{Recursive: true, Reason: "teardown"})
	require.NoError(t, err)
	assert.Equal(t, MarkedCancelled, res.Outcome)

	for _, id := range []string{parent.ID, child.ID, grand.ID} {
		rec, err := rt.store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run.StatusCancelled, rec.Status, "run %s", id)
	}
}

func TestCancelNonRecursiveLeavesChildren(t *testing.T) {
	rt := New(WithModelClient(newScriptClient()))
	ctx := context.Background()

	child := saveRecord(t, rt, suspendedRecord("ap-child"))
	parentID := uuid.NewString()
	parent := saveRecord(t, rt, &run.Record{
		ID:     parentID,
		Status: run.StatusSuspended,
		SuspensionStacks: []run.Stack{{Entries: []run.StackEntry{
			{RunID: parentID, ManifestID: "parent", ToolCallID: "t1"},
			{RunID: child.ID, ManifestID: "child"},
		}}},
	})

	res, err := rt.Cancel(ctx, parent.ID, CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, MarkedCancelled, res.Outcome)

	crec, err := rt.store.Load(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuspended, crec.Status)
}

func TestSignalCancelAbortsLiveRun(t *testing.T) {
	sc := newScriptClient()
	sc.add("m-live", callStep(&tools.Call{ID: "t1", Name: "slow"}))

	exec := ExecutorFunc(func(ctx context.Context, call *tools.Call) *ToolOutcome {
		<-ctx.Done()
		return ErrorOutcome(tools.NewError(tools.CodeCancelled, "aborted"))
	})
	rt := New(WithModelClient(sc), WithExecutor(exec))
	manifests := mustManifests(t, &agent.Manifest{
		ID: "assistant", Model: "m-live",
		Tools: []*agent.ToolDef{{Name: "slow"}},
	})

	ctx := context.Background()
	h, err := rt.Run(ctx, RunInput{
		Kind:      KindRequest,
		AgentID:   "assistant",
		Prompt:    "work",
		Manifests: manifests,
		Options:   RunOptions{PollInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	// The record is persisted once the segment starts.
	require.Eventually(t, func() bool {
		_, lerr := rt.store.Load(ctx, h.RunID())
		return lerr == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rt.SignalCancel(ctx, h.RunID(), "operator request"))

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, res.Status)

	rec, err := rt.store.Load(ctx, h.RunID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, rec.Status)
	assert.Empty(t, rec.Suspensions)

	types := drainEvents(h)
	assert.Contains(t, types, "agent-cancelled")
}

func TestCancelLiveRunOutlivingLockTTLSignals(t *testing.T) {
	sc := newScriptClient()
	sc.add("m-renew", callStep(&tools.Call{ID: "t1", Name: "slow"}))
	exec := ExecutorFunc(func(ctx context.Context, call *tools.Call) *ToolOutcome {
		<-ctx.Done()
		return ErrorOutcome(tools.NewError(tools.CodeCancelled, "aborted"))
	})
	rt := New(WithModelClient(sc), WithExecutor(exec),
		WithLockTTL(200*time.Millisecond), WithPollInterval(10*time.Millisecond))
	manifests := mustManifests(t, &agent.Manifest{
		ID: "assistant", Model: "m-renew",
		Tools: []*agent.ToolDef{{Name: "slow"}},
	})

	ctx := context.Background()
	h, err := rt.Run(ctx, RunInput{Kind: KindRequest, AgentID: "assistant", Prompt: "work", Manifests: manifests})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, lerr := rt.store.Load(ctx, h.RunID())
		return lerr == nil
	}, time.Second, 5*time.Millisecond)

	// Outlive the original TTL; the holder keeps the lock through refreshes,
	// so the live run must be signalled rather than declared dead.
	time.Sleep(500 * time.Millisecond)
	held, err := rt.locker.Locked(ctx, h.RunID())
	require.NoError(t, err)
	assert.True(t, held)

	res, err := rt.Cancel(ctx, h.RunID(), CancelOptions{Reason: "stop"})
	require.NoError(t, err)
	assert.Equal(t, SignaledRunning, res.Outcome)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, out.Status)

	rec, err := rt.store.Load(ctx, h.RunID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, rec.Status)
}

func TestCancelAbortsParallelChildren(t *testing.T) {
	sc := newScriptClient()
	sc.add("m-fan-parent", callStep(
		&tools.Call{ID: "c1", Name: "fan.a", Input: json.RawMessage(`{"prompt":"left"}`)},
		&tools.Call{ID: "c2", Name: "fan.b", Input: json.RawMessage(`{"prompt":"right"}`)},
	))
	sc.add("m-fan-child", callStep(&tools.Call{ID: "w1", Name: "work"}))
	sc.add("m-fan-child", callStep(&tools.Call{ID: "w2", Name: "work"}))

	entered := make(chan struct{}, 2)
	exec := ExecutorFunc(func(ctx context.Context, call *tools.Call) *ToolOutcome {
		entered <- struct{}{}
		<-ctx.Done()
		return ErrorOutcome(tools.NewError(tools.CodeCancelled, "aborted"))
	})
	rt := New(WithModelClient(sc), WithExecutor(exec))
	manifests := mustManifests(t,
		&agent.Manifest{ID: "parent", Model: "m-fan-parent", Tools: []*agent.ToolDef{
			{Name: "fan.a", Agent: "child"},
			{Name: "fan.b", Agent: "child"},
		}},
		&agent.Manifest{ID: "child", Model: "m-fan-child", Tools: []*agent.ToolDef{{Name: "work"}}},
	)

	ctx := context.Background()
	h, err := rt.Run(ctx, RunInput{
		Kind: KindRequest, AgentID: "parent", Prompt: "fan out",
		Manifests: manifests,
		Options:   RunOptions{PollInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	// Both children are mid-tool before the cancel lands.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("child tool never started")
		}
	}
	require.Eventually(t, func() bool {
		_, lerr := rt.store.Load(ctx, h.RunID())
		return lerr == nil
	}, time.Second, 5*time.Millisecond)

	res, err := rt.Cancel(ctx, h.RunID(), CancelOptions{Reason: "abort fan-out"})
	require.NoError(t, err)
	assert.Equal(t, SignaledRunning, res.Outcome)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, out.Status)

	rec, err := rt.store.Load(ctx, h.RunID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, rec.Status)
	require.Len(t, rec.ChildRunIDs, 2)

	// The abandoned child goroutines persist their cancelled records on their
	// own schedule.
	for _, childID := range rec.ChildRunIDs {
		require.Eventually(t, func() bool {
			crec, lerr := rt.store.Load(ctx, childID)
			return lerr == nil && crec.Status == run.StatusCancelled
		}, time.Second, 5*time.Millisecond, "child %s", childID)
	}
}

func TestCancelCrashedHolderWithoutStartStamp(t *testing.T) {
	clk := newManualClock()
	rt := New(WithModelClient(newScriptClient()), WithClock(clk))
	// A worker that died before its first persist leaves StartedAt zero;
	// elapsed time falls back to CreatedAt.
	rec := saveRecord(t, rt, &run.Record{Status: run.StatusRunning})

	stale := DefaultLockTTL + time.Second
	clk.Advance(stale)

	res, err := rt.Cancel(context.Background(), rec.ID, CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, MarkedFailed, res.Outcome)

	fresh, err := rt.store.Load(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, fresh.Status)
	assert.Equal(t, stale.Milliseconds(), fresh.ElapsedExecutionMS)
}

func TestRunTimeoutFails(t *testing.T) {
	sc := newScriptClient()
	sc.add("m-timeout", callStep(&tools.Call{ID: "t1", Name: "slow"}))
	exec := ExecutorFunc(func(ctx context.Context, call *tools.Call) *ToolOutcome {
		<-ctx.Done()
		return nil
	})
	rt := New(WithModelClient(sc), WithExecutor(exec))
	manifests := mustManifests(t, &agent.Manifest{
		ID: "assistant", Model: "m-timeout",
		Tools: []*agent.ToolDef{{Name: "slow"}},
	})

	h, err := rt.Run(context.Background(), RunInput{
		Kind:      KindRequest,
		AgentID:   "assistant",
		Prompt:    "work",
		Manifests: manifests,
		Options:   RunOptions{Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeTimeout, res.Err.Code)
}
