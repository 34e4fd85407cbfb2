package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/hooks"
	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/stream"
	"github.com/maestro-run/maestro/telemetry"
	"github.com/maestro-run/maestro/tools"
)

// session drives one run record through a segment of execution. It owns the
// record while its lock is held; all record mutation happens on the session's
// orchestration goroutine except AddChild, which tool goroutines guard with
// childMu. persist holds the same mutex while the store reads the record.
type session struct {
	rt        *Runtime
	rec       *run.Record
	manifest  *agent.Manifest
	manifests agent.Map
	chain     *hooks.Chain
	opts      RunOptions
	handle    *RunStream
	parentID  string
	usage     model.TokenUsage
	childMu   sync.Mutex
}

// newSession binds a record to its manifest and observer chain.
func (r *Runtime) newSession(rec *run.Record, manifests agent.Map, opts RunOptions, handle *RunStream, parentID string) (*session, error) {
	manifest, err := manifests.Get(rec.ManifestID)
	if err != nil {
		return nil, NewError(CodeBadRequest, "%s", err)
	}
	return &session{
		rt:        r,
		rec:       rec,
		manifest:  manifest,
		manifests: manifests,
		chain:     hooks.New(manifest, r.factories...),
		opts:      opts,
		handle:    handle,
		parentID:  parentID,
	}, nil
}

func (s *session) base() stream.Base { return stream.Base{Run: s.rec.ID} }

func (s *session) emit(ev stream.Event) {
	if s.handle != nil {
		s.handle.emit(ev)
	}
}

// emitTerminal delivers segment-concluding events even when the handle's
// buffer is full.
func (s *session) emitTerminal(ev stream.Event) {
	if s.handle != nil {
		s.handle.emitTerminal(ev)
	}
}

func (s *session) hookEvent() *hooks.Event {
	return &hooks.Event{
		RunID:       s.rec.ID,
		ParentRunID: s.parentID,
		Manifest:    s.manifest,
		Record:      s.rec,
	}
}

// persist writes the record with a fresh UpdatedAt. It uses a cancellation
// free context so terminal writes survive an aborted run context. childMu is
// held across the store write: tool goroutines abandoned by an abort may
// still be registering children while the terminal persist reads the record.
func (s *session) persist(ctx context.Context) error {
	s.rec.UpdatedAt = s.rt.clock.Now()
	s.childMu.Lock()
	defer s.childMu.Unlock()
	return s.rt.store.Save(context.WithoutCancel(ctx), s.rec, s.opts.StateTTL)
}

// conclude folds the current running segment's duration into the elapsed
// total.
func (s *session) conclude() {
	s.rec.ElapsedExecutionMS += s.rt.clock.Now().Sub(s.rec.StartedAt).Milliseconds()
}

// runSegment executes the run until it completes, suspends, fails or is
// cancelled. The caller must hold the run lock.
func (s *session) runSegment(ctx context.Context, resumed bool) *Result {
	now := s.rt.clock.Now()
	s.rec.Status = run.StatusRunning
	s.rec.StartedAt = now
	if err := s.persist(ctx); err != nil {
		return s.fail(ctx, AsError(err))
	}

	s.emit(&stream.AgentStarted{Base: s.base(), ManifestID: s.rec.ManifestID, Resumed: resumed})
	s.rt.metrics.IncCounter(telemetry.MetricRunsStarted, 1, "manifest", s.rec.ManifestID)
	evt := s.hookEvent()
	var hookErr error
	if resumed {
		hookErr = s.chain.AgentResume(ctx, evt)
	} else {
		hookErr = s.chain.AgentStart(ctx, evt)
	}
	if hookErr != nil {
		return s.fail(ctx, AsError(hookErr))
	}

	derived, abort := deriveAbortContext(ctx, s.opts.Timeout)
	defer abort(nil)
	stop := s.rt.startPoller(derived, s.rec.ID, s.opts.PollInterval, abort)
	defer stop()

	budget := s.manifest.StepBudget()
	for step := 0; step < budget; step++ {
		if derived.Err() != nil {
			return s.abort(ctx, derived)
		}
		s.rec.CurrentStepNumber++
		s.emit(&stream.StepStart{Base: s.base(), Step: s.rec.CurrentStepNumber})
		s.rt.metrics.IncCounter(telemetry.MetricSteps, 1, "manifest", s.rec.ManifestID)

		stepStart := time.Now()
		out, err := s.streamStep(derived)
		s.rt.metrics.RecordTimer(telemetry.MetricStreamDuration, time.Since(stepStart), "manifest", s.rec.ManifestID)
		if err != nil {
			if derived.Err() != nil {
				return s.abort(ctx, derived)
			}
			return s.fail(ctx, AsError(err))
		}
		s.usage.Add(out.usage)

		if len(out.calls) == 0 {
			s.rec.Messages = append(s.rec.Messages, &model.Message{Role: model.RoleAssistant, Content: out.text})
			s.rec.Steps++
			return s.complete(ctx, out.text)
		}

		s.rec.Messages = append(s.rec.Messages, &model.Message{
			Role:      model.RoleAssistant,
			Content:   out.text,
			ToolCalls: out.calls,
		})

		var approvals, execCalls []*tools.Call
		for _, call := range out.calls {
			td := s.manifest.Tool(call.Name)
			if td != nil && td.RequiresApproval {
				approvals = append(approvals, call)
				continue
			}
			execCalls = append(execCalls, call)
		}

		res := interleave(derived, execCalls, s.executeCall, func(part *tools.ResultPart) {
			s.emit(&stream.ToolResult{Base: s.base(), Result: part})
		})
		if res.aborted {
			return s.abort(ctx, derived)
		}
		s.rec.PendingToolResults = append(s.rec.PendingToolResults, res.parts...)

		if len(approvals) > 0 || len(res.branches) > 0 {
			return s.suspend(ctx, approvals, res.branches)
		}

		s.foldPending()
		s.rec.Steps++
		if err := s.persist(ctx); err != nil {
			return s.fail(ctx, AsError(err))
		}
	}
	return s.fail(ctx, NewError(CodeInternal, "step budget of %d exceeded", budget))
}

// foldPending appends the pending tool results as a tool message, ordered by
// the originating tool-call order of the last assistant turn.
func (s *session) foldPending() {
	parts := s.rec.PendingToolResults
	if len(parts) == 0 {
		return
	}
	order := make(map[string]int)
	for i := len(s.rec.Messages) - 1; i >= 0; i-- {
		msg := s.rec.Messages[i]
		if msg.Role == model.RoleAssistant && len(msg.ToolCalls) > 0 {
			for j, call := range msg.ToolCalls {
				order[call.ID] = j
			}
			break
		}
	}
	ordered := make([]*tools.ResultPart, len(parts))
	copy(ordered, parts)
	// Insertion sort keeps arrival order for parts outside the call map.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			a, aok := order[ordered[j-1].ToolCallID]
			b, bok := order[ordered[j].ToolCallID]
			if aok && bok && b < a {
				ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
				continue
			}
			break
		}
	}
	s.rec.Messages = append(s.rec.Messages, model.NewToolMessage(ordered))
	s.rec.PendingToolResults = nil
}

// complete finalizes a successful run. Hooks run before the terminal persist
// so a hook failure can still fail the run.
func (s *session) complete(ctx context.Context, content string) *Result {
	s.rec.Status = run.StatusCompleted
	s.conclude()
	if err := s.chain.AgentComplete(ctx, s.hookEvent()); err != nil {
		return s.fail(ctx, AsError(err))
	}
	if err := s.persist(ctx); err != nil {
		return s.fail(ctx, AsError(err))
	}
	s.emitTerminal(&stream.AgentComplete{Base: s.base(), Content: content, Usage: &s.usage})
	s.rt.metrics.IncCounter(telemetry.MetricRunsCompleted, 1, "manifest", s.rec.ManifestID)
	return &Result{RunID: s.rec.ID, Status: run.StatusCompleted, Content: content, Usage: s.usage}
}

// fail finalizes a failed run.
func (s *session) fail(ctx context.Context, oerr *Error) *Result {
	s.rec.Status = run.StatusFailed
	s.rec.Suspensions = nil
	s.rec.SuspensionStacks = nil
	s.conclude()
	evt := s.hookEvent()
	evt.Err = oerr
	if herr := s.chain.AgentError(ctx, evt); herr != nil {
		s.rt.logger.Error(ctx, "error hook failed", "run_id", s.rec.ID, "err", herr)
	}
	if perr := s.persist(ctx); perr != nil {
		s.rt.logger.Error(ctx, "persist failed record", "run_id", s.rec.ID, "err", perr)
	}
	s.emitTerminal(&stream.AgentError{Base: s.base(), Message: oerr.Message})
	s.rt.metrics.IncCounter(telemetry.MetricRunsFailed, 1, "manifest", s.rec.ManifestID)
	return &Result{RunID: s.rec.ID, Status: run.StatusFailed, Usage: s.usage, Err: oerr}
}

// abort finalizes a run whose derived context was cancelled: cancelled for a
// cooperative cancellation, failed with CodeTimeout for a wall-clock timeout.
func (s *session) abort(ctx context.Context, derived context.Context) *Result {
	cause := causeOf(derived)
	if cause.timeout {
		return s.fail(ctx, NewError(CodeTimeout, "run exceeded its %s timeout", s.opts.Timeout))
	}
	s.rec.Status = run.StatusCancelled
	s.rec.Suspensions = nil
	s.rec.SuspensionStacks = nil
	s.conclude()
	if err := s.persist(ctx); err != nil {
		s.rt.logger.Error(ctx, "persist cancelled record", "run_id", s.rec.ID, "err", err)
	}
	evt := s.hookEvent()
	evt.Reason = cause.reason
	s.chain.AgentCancelled(ctx, evt)
	s.emitTerminal(&stream.AgentCancelled{Base: s.base(), Reason: cause.reason})
	s.rt.metrics.IncCounter(telemetry.MetricRunsCancelled, 1, "manifest", s.rec.ManifestID)
	return &Result{RunID: s.rec.ID, Status: run.StatusCancelled, Usage: s.usage}
}

// suspend finalizes the segment with open approvals and/or suspended
// sub-agent branches.
func (s *session) suspend(ctx context.Context, approvals []*tools.Call, branches []*toolBranch) *Result {
	var approvalIDs []string
	for _, call := range approvals {
		susp := &run.Suspension{
			ApprovalID: uuid.NewString(),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Input:      call.Input,
		}
		s.rec.Suspensions = append(s.rec.Suspensions, susp)
		approvalIDs = append(approvalIDs, susp.ApprovalID)
		s.emit(&stream.ToolApprovalRequest{Base: s.base(), ApprovalID: susp.ApprovalID, Call: call})
	}
	for _, br := range branches {
		s.rec.SuspensionStacks = append(s.rec.SuspensionStacks, s.stacksFor(br)...)
		s.rec.AddChild(br.child.RunID)
	}

	s.rec.Status = run.StatusSuspended
	s.conclude()
	if err := s.chain.AgentSuspend(ctx, s.hookEvent()); err != nil {
		return s.fail(ctx, AsError(err))
	}
	if err := s.persist(ctx); err != nil {
		return s.fail(ctx, AsError(err))
	}
	s.emitTerminal(&stream.AgentSuspended{Base: s.base(), ApprovalIDs: approvalIDs})
	s.rt.metrics.IncCounter(telemetry.MetricRunsSuspended, 1, "manifest", s.rec.ManifestID)
	return &Result{
		RunID:       s.rec.ID,
		Status:      run.StatusSuspended,
		Suspensions: s.rec.Suspensions,
		Usage:       s.usage,
	}
}

// stacksFor renders a suspended branch as suspension stacks rooted at this
// run: the local frame, then the child's own chains.
func (s *session) stacksFor(br *toolBranch) []run.Stack {
	selfFrame := run.StackEntry{
		RunID:           s.rec.ID,
		ManifestID:      s.rec.ManifestID,
		ManifestVersion: s.rec.ManifestVersion,
		ToolCallID:      br.call.ID,
	}
	if len(br.child.Stacks) == 0 {
		return []run.Stack{{Entries: []run.StackEntry{selfFrame, {
			RunID:           br.child.RunID,
			ManifestID:      br.child.ManifestID,
			ManifestVersion: br.child.ManifestVersion,
		}}}}
	}
	out := make([]run.Stack, 0, len(br.child.Stacks))
	for _, cs := range br.child.Stacks {
		entries := make([]run.StackEntry, 0, len(cs.Entries)+1)
		entries = append(entries, selfFrame)
		entries = append(entries, cs.Entries...)
		out = append(out, run.Stack{Entries: entries})
	}
	return out
}

// executeCall runs one tool call: manifest lookup, payload validation, then
// sub-agent dispatch or the configured executor. Runs on an interleaver
// goroutine.
func (s *session) executeCall(ctx context.Context, call *tools.Call) *ToolOutcome {
	td := s.manifest.Tool(call.Name)
	if td == nil {
		return ErrorOutcome(tools.Errorf(tools.CodeUnknownTool, "Unknown tool: %s", call.Name))
	}
	if err := s.manifest.ValidatePayload(call.Name, call.Input); err != nil {
		var terr *tools.Error
		if !asToolError(err, &terr) {
			terr = tools.NewError(tools.CodeInvalidInput, err.Error())
		}
		return ErrorOutcome(terr)
	}

	s.rt.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", string(call.Name))
	start := time.Now()
	defer func() {
		s.rt.metrics.RecordTimer(telemetry.MetricToolDuration, time.Since(start), "tool", string(call.Name))
	}()

	if td.Agent != "" {
		return s.runSubAgent(ctx, td, call)
	}
	if s.rt.executor == nil {
		return ErrorOutcome(tools.Errorf(tools.CodeExecution, "no executor configured for tool %s", call.Name))
	}
	out := s.rt.executor.Execute(ctx, call)
	if out == nil {
		return ErrorOutcome(tools.Errorf(tools.CodeExecution, "tool %s returned no outcome", call.Name))
	}
	return out
}

// runSubAgent executes a nested agent run synchronously on behalf of a tool
// call. The child shares the parent's collaborators and abort context but
// persists its own record.
func (s *session) runSubAgent(ctx context.Context, td *agent.ToolDef, call *tools.Call) *ToolOutcome {
	childRec := &run.Record{
		ID:              uuid.NewString(),
		SchemaVersion:   run.SchemaVersion,
		CreatedAt:       s.rt.clock.Now(),
		Status:          run.StatusRunning,
		ManifestID:      td.Agent,
		RootManifestID:  s.rec.RootManifestID,
		ManifestVersion: "",
		Messages:        []*model.Message{model.NewUserMessage(subAgentPrompt(call.Input))},
	}
	child, err := s.rt.newSession(childRec, s.manifests, s.opts, s.handle, s.rec.ID)
	if err != nil {
		return ErrorOutcome(tools.NewError(tools.CodeExecution, err.Error()))
	}
	childRec.ManifestVersion = child.manifest.Version

	s.childMu.Lock()
	s.rec.AddChild(childRec.ID)
	s.childMu.Unlock()

	evt := s.hookEvent()
	evt.ChildRunID = childRec.ID
	evt.ChildManifestID = td.Agent
	if err := s.chain.SubAgentStart(ctx, evt); err != nil {
		return ErrorOutcome(tools.NewError(tools.CodeExecution, err.Error()))
	}
	s.emit(&stream.SubAgentStarted{Base: s.base(), ChildRunID: childRec.ID, ManifestID: td.Agent, ToolCallID: call.ID})

	lock, err := s.rt.locker.Acquire(ctx, childRec.ID, s.opts.LockTTL)
	if err != nil {
		return ErrorOutcome(tools.Errorf(tools.CodeExecution, "acquire sub-agent lock: %s", err))
	}
	stop := s.rt.keepAlive(context.WithoutCancel(ctx), lock, childRec.ID, s.opts.LockTTL)
	res := child.runSegment(ctx, false)
	stop()
	if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
		s.rt.logger.Warn(ctx, "release sub-agent lock", "run_id", childRec.ID, "err", rerr)
	}

	s.emit(&stream.SubAgentFinished{Base: s.base(), ChildRunID: childRec.ID, Status: string(res.Status), ToolCallID: call.ID})
	switch res.Status {
	case run.StatusCompleted:
		if err := s.chain.SubAgentComplete(ctx, evt); err != nil {
			return ErrorOutcome(tools.NewError(tools.CodeExecution, err.Error()))
		}
		output, merr := json.Marshal(res.Content)
		if merr != nil {
			output = json.RawMessage(`""`)
		}
		return SuccessOutcome(output)
	case run.StatusSuspended:
		return &ToolOutcome{Suspended: &SuspendedTool{
			RunID:           childRec.ID,
			ManifestID:      childRec.ManifestID,
			ManifestVersion: childRec.ManifestVersion,
			Suspensions:     res.Suspensions,
			Stacks:          childRec.SuspensionStacks,
		}}
	case run.StatusCancelled:
		return ErrorOutcome(tools.Errorf(tools.CodeCancelled, "sub-agent run %s cancelled", childRec.ID))
	default:
		evt.Err = res.Err
		if err := s.chain.SubAgentError(ctx, evt); err != nil {
			return ErrorOutcome(tools.NewError(tools.CodeExecution, err.Error()))
		}
		msg := "sub-agent run failed"
		if res.Err != nil {
			msg = res.Err.Message
		}
		return ErrorOutcome(tools.NewError(tools.CodeExecution, msg))
	}
}

// subAgentPrompt extracts the nested run's opening prompt from the delegating
// call input: the "prompt" field when present, otherwise the raw payload.
func subAgentPrompt(input json.RawMessage) string {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &payload); err == nil && payload.Prompt != "" {
		return payload.Prompt
	}
	return string(input)
}

func asToolError(err error, target **tools.Error) bool {
	te, ok := err.(*tools.Error)
	if ok {
		*target = te
	}
	return ok
}
