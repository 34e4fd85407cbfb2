package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/stream"
	"github.com/maestro-run/maestro/tools"
)

// withRunLock runs fn while holding the run lock for runID. A held lock maps
// to CodeAlreadyRunning: resuming against a live holder must never duplicate
// execution.
func (r *Runtime) withRunLock(ctx context.Context, runID string, ttl time.Duration, fn func() (*Result, error)) (*Result, error) {
	lock, err := r.locker.Acquire(ctx, runID, ttl)
	if errors.Is(err, run.ErrLockHeld) {
		return nil, NewError(CodeAlreadyRunning, "run %s is executing elsewhere", runID)
	}
	if err != nil {
		return nil, AsError(err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Warn(ctx, "release run lock", "run_id", runID, "err", rerr)
		}
	}()
	stop := r.keepAlive(context.WithoutCancel(ctx), lock, runID, ttl)
	defer stop()
	return fn()
}

// resolveApproval resolves an approval whose suspension lives on this run:
// execute or deny the pending tool, fold the result, and re-enter the step
// loop once no open suspensions remain. The caller must hold the run lock.
func (s *session) resolveApproval(ctx context.Context, ap *ApprovalResponse) (*Result, error) {
	susp, ok := s.rec.SuspensionByApproval(ap.ApprovalID)
	if !ok {
		return nil, NewError(CodeNotFound, "approval %s not found on run %s", ap.ApprovalID, s.rec.ID)
	}
	call := &tools.Call{ID: susp.ToolCallID, Name: susp.ToolName, Input: susp.Input}

	var part *tools.ResultPart
	if ap.Approved {
		out := s.executeCall(ctx, call)
		switch {
		case out == nil:
			part = tools.ErrorResult(call, tools.NewError(tools.CodeExecution, "tool returned no outcome"))
		case out.Suspended != nil:
			// Approval-gated tools are never sub-agents (manifest validation).
			part = tools.ErrorResult(call, tools.NewError(tools.CodeExecution, "approved tool suspended unexpectedly"))
		case out.Err != nil:
			part = tools.ErrorResult(call, out.Err)
		default:
			part = &tools.ResultPart{ToolCallID: call.ID, Name: call.Name, Output: out.Output}
		}
	} else {
		msg := "tool call denied"
		if ap.Comment != "" {
			msg = fmt.Sprintf("tool call denied: %s", ap.Comment)
		}
		part = tools.ErrorResult(call, tools.NewError(tools.CodeExecution, msg))
	}
	s.emit(&stream.ToolResult{Base: s.base(), Result: part})
	s.rec.PendingToolResults = append(s.rec.PendingToolResults, part)
	s.rec.RemoveSuspension(ap.ApprovalID)

	if len(s.rec.Suspensions) == 0 && len(s.rec.SuspensionStacks) == 0 {
		s.foldPending()
		return s.runSegment(ctx, true), nil
	}

	// Other approvals or suspended branches remain open.
	if err := s.persist(ctx); err != nil {
		return nil, AsError(err)
	}
	return &Result{RunID: s.rec.ID, Status: run.StatusSuspended, Suspensions: s.rec.Suspensions}, nil
}

// resumeDescendant routes an approval to the suspension stack whose leaf run
// owns it, resumes the leaf, and bubbles the outcome up every frame to this
// run. Sibling stacks stay untouched.
func (s *session) resumeDescendant(ctx context.Context, ap *ApprovalResponse) (*Result, error) {
	var (
		st      run.Stack
		leafRec *run.Record
	)
	for _, cand := range s.rec.SuspensionStacks {
		leaf := cand.Leaf()
		if leaf == nil || leaf.RunID == s.rec.ID {
			continue
		}
		rec, err := s.rt.store.Load(ctx, leaf.RunID)
		if errors.Is(err, run.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, AsError(err)
		}
		if _, ok := rec.SuspensionByApproval(ap.ApprovalID); ok {
			st = cand
			leafRec = rec
			break
		}
	}
	if leafRec == nil {
		return nil, NewError(CodeNotFound, "approval %s not found in run %s or its descendants", ap.ApprovalID, s.rec.ID)
	}

	entries := st.Entries
	parentOf := func(i int) string {
		if i == 0 {
			return s.parentID
		}
		return entries[i-1].RunID
	}

	// The scan above read the leaf without its lock; a rival may resolve the
	// approval in the meantime. Re-read and re-check once the lock is won.
	var leafSess *session
	childRes, err := s.rt.withRunLock(ctx, leafRec.ID, s.opts.LockTTL, func() (*Result, error) {
		fresh, lerr := s.rt.loadRecord(ctx, leafRec.ID)
		if lerr != nil {
			return nil, lerr
		}
		if _, ok := fresh.SuspensionByApproval(ap.ApprovalID); !ok {
			return nil, NewError(CodeNotFound, "approval %s not found on run %s", ap.ApprovalID, fresh.ID)
		}
		var serr error
		leafSess, serr = s.rt.newSession(fresh, s.manifests, s.opts, s.handle, parentOf(len(entries)-1))
		if serr != nil {
			return nil, serr
		}
		return leafSess.resolveApproval(ctx, ap)
	})
	if err != nil {
		return nil, err
	}
	childRec := leafSess.rec

	for i := len(entries) - 2; i >= 0; i-- {
		frame := entries[i]
		if frame.RunID == s.rec.ID {
			// The root lock is already held by the caller, and the root record
			// was re-read under it before dispatch.
			childRes, err = s.absorbChild(ctx, frame.ToolCallID, childRec, childRes)
			if err != nil {
				return nil, err
			}
			childRec = s.rec
			continue
		}
		var ps *session
		childRes, err = s.rt.withRunLock(ctx, frame.RunID, s.opts.LockTTL, func() (*Result, error) {
			prec, lerr := s.rt.loadRecord(ctx, frame.RunID)
			if lerr != nil {
				return nil, lerr
			}
			if prec.Status != run.StatusSuspended {
				return nil, NewError(CodeBadRequest, "run %s is no longer suspended", prec.ID)
			}
			var serr error
			ps, serr = s.rt.newSession(prec, s.manifests, s.opts, s.handle, parentOf(i))
			if serr != nil {
				return nil, serr
			}
			return ps.absorbChild(ctx, frame.ToolCallID, childRec, childRes)
		})
		if err != nil {
			return nil, err
		}
		childRec = ps.rec
	}
	return childRes, nil
}

// absorbChild folds a resumed child's outcome into this run at the given
// tool-call site. A still-suspended child refreshes this run's stacks; a
// terminal child contributes a pending tool result, and the step loop
// re-enters once no open suspensions remain. The caller must hold the run
// lock.
func (s *session) absorbChild(ctx context.Context, toolCallID string, childRec *run.Record, childRes *Result) (*Result, error) {
	kept := s.rec.SuspensionStacks[:0]
	for _, st := range s.rec.SuspensionStacks {
		child := st.ChildOf(s.rec.ID)
		if child != nil && child.RunID == childRec.ID {
			continue
		}
		kept = append(kept, st)
	}
	s.rec.SuspensionStacks = kept
	if len(s.rec.SuspensionStacks) == 0 {
		s.rec.SuspensionStacks = nil
	}

	if childRes.Status == run.StatusSuspended {
		br := &toolBranch{
			call: &tools.Call{ID: toolCallID},
			child: &SuspendedTool{
				RunID:           childRec.ID,
				ManifestID:      childRec.ManifestID,
				ManifestVersion: childRec.ManifestVersion,
				Suspensions:     childRec.Suspensions,
				Stacks:          childRec.SuspensionStacks,
			},
		}
		s.rec.SuspensionStacks = append(s.rec.SuspensionStacks, s.stacksFor(br)...)
		if err := s.persist(ctx); err != nil {
			return nil, AsError(err)
		}
		return &Result{RunID: s.rec.ID, Status: run.StatusSuspended, Suspensions: s.rec.Suspensions}, nil
	}

	call := s.callByID(toolCallID)
	var part *tools.ResultPart
	switch childRes.Status {
	case run.StatusCompleted:
		output, err := json.Marshal(childRes.Content)
		if err != nil {
			output = json.RawMessage(`""`)
		}
		part = &tools.ResultPart{ToolCallID: toolCallID, Name: call.Name, Output: output}
	case run.StatusCancelled:
		part = tools.ErrorResult(call, tools.Errorf(tools.CodeCancelled, "sub-agent run %s cancelled", childRec.ID))
	default:
		msg := "sub-agent run failed"
		if childRes.Err != nil {
			msg = childRes.Err.Message
		}
		part = tools.ErrorResult(call, tools.NewError(tools.CodeExecution, msg))
	}
	s.emit(&stream.ToolResult{Base: s.base(), Result: part})
	s.rec.PendingToolResults = append(s.rec.PendingToolResults, part)

	if len(s.rec.Suspensions) == 0 && len(s.rec.SuspensionStacks) == 0 {
		s.foldPending()
		return s.runSegment(ctx, true), nil
	}
	if err := s.persist(ctx); err != nil {
		return nil, AsError(err)
	}
	return &Result{RunID: s.rec.ID, Status: run.StatusSuspended, Suspensions: s.rec.Suspensions}, nil
}

// callByID recovers the tool call with the given id from the conversation.
func (s *session) callByID(id string) *tools.Call {
	for i := len(s.rec.Messages) - 1; i >= 0; i-- {
		for _, call := range s.rec.Messages[i].ToolCalls {
			if call.ID == id {
				return call
			}
		}
	}
	return &tools.Call{ID: id, Name: "sub-agent"}
}
