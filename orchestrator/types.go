package orchestrator

import (
	"time"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/run"
)

type (
	// InputKind discriminates RunInput variants.
	InputKind string

	// RunInput describes one orchestration request: a fresh run, or a resume
	// of a persisted one.
	RunInput struct {
		// Kind selects the variant and which fields apply.
		Kind InputKind

		// AgentID names the manifest to execute. Required for KindRequest.
		AgentID string

		// Prompt is the initial user message. Required for KindRequest.
		Prompt string

		// RunID targets a persisted run. Required for resume kinds.
		RunID string

		// Message is the user reply appended to a completed run. Required for
		// KindReply.
		Message string

		// Approval resolves a pending approval. Required for KindApproval.
		Approval *ApprovalResponse

		// Manifests resolves agent ids to manifests for this run tree.
		Manifests agent.Map

		// Options overrides runtime defaults for this run.
		Options RunOptions
	}

	// ApprovalResponse answers a tool approval request.
	ApprovalResponse struct {
		// ApprovalID correlates with the suspension being resolved.
		ApprovalID string
		// Approved executes the pending tool when true; a denial folds a
		// synthetic error result instead.
		Approved bool
		// Comment is an optional note folded into a denial result.
		Comment string
	}

	// RunOptions tunes one run. Zero values fall back to runtime defaults.
	RunOptions struct {
		// PollInterval is the cancellation poll period.
		PollInterval time.Duration
		// LockTTL is the run lock TTL, which also bounds crash detection.
		LockTTL time.Duration
		// Timeout is the wall-clock budget; exceeding it fails the run with
		// CodeTimeout.
		Timeout time.Duration
		// StateTTL bounds the persisted record lifetime.
		StateTTL time.Duration
	}

	// Result is the terminal outcome of one run segment.
	Result struct {
		// RunID identifies the run.
		RunID string
		// Status is the run status after the segment.
		Status run.Status
		// Content is the final assistant text for completed runs.
		Content string
		// Suspensions lists the open approvals for suspended runs.
		Suspensions []*run.Suspension
		// Usage aggregates token usage across the segment's steps.
		Usage model.TokenUsage
		// Err describes the failure for failed runs.
		Err *Error
	}

	// CancelOutcome classifies the effect of a cancel action.
	CancelOutcome string

	// CancelOptions tunes one cancel action.
	CancelOptions struct {
		// Recursive fans the cancel out to suspended descendants.
		Recursive bool
		// Reason is stored on the signal and the record.
		Reason string
		// LockTTL overrides the runtime lock TTL for crash detection.
		LockTTL time.Duration
	}

	// CancelResult reports the effect of a cancel action.
	CancelResult struct {
		// RunID identifies the run.
		RunID string
		// Outcome classifies what happened.
		Outcome CancelOutcome
	}
)

// RunInput kinds.
const (
	// KindRequest starts a fresh run.
	KindRequest InputKind = "request"
	// KindReply appends a user message to a completed run and reruns it.
	KindReply InputKind = "reply"
	// KindApproval resolves a pending approval on a suspended run.
	KindApproval InputKind = "approval"
	// KindContinue re-enters a run without new user input, typically to take
	// over a run whose worker died.
	KindContinue InputKind = "continue"
)

// Cancel outcomes.
const (
	// MarkedCancelled means the record was transitioned to cancelled.
	MarkedCancelled CancelOutcome = "marked-cancelled"
	// MarkedFailed means crash detection transitioned the record to failed.
	MarkedFailed CancelOutcome = "marked-failed"
	// SignaledRunning means a live worker was asked to cancel cooperatively.
	SignaledRunning CancelOutcome = "signaled-running"
	// AlreadyCancelled means the record was cancelled before the action.
	AlreadyCancelled CancelOutcome = "already-cancelled"
)
