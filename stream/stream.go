// Package stream defines the events emitted while an agent run executes. A
// run handle exposes these in order: run lifecycle transitions interleaved
// with model output and tool activity. Consumers switch on the concrete event
// type.
package stream

import (
	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/tools"
)

// EventType identifies a stream event kind.
type EventType string

// Stream event kinds.
const (
	TypeAgentStarted        EventType = "agent-started"
	TypeStepStart           EventType = "step-start"
	TypeTextDelta           EventType = "text-delta"
	TypeToolCall            EventType = "tool-call"
	TypeToolResult          EventType = "tool-result"
	TypeToolApprovalRequest EventType = "tool-approval-request"
	TypeAgentSuspended      EventType = "agent-suspended"
	TypeAgentComplete       EventType = "agent-complete"
	TypeAgentCancelled      EventType = "agent-cancelled"
	TypeAgentError          EventType = "agent-error"
	TypeSubAgentStarted     EventType = "sub-agent-started"
	TypeSubAgentFinished    EventType = "sub-agent-finished"
)

type (
	// Event is one occurrence on a run's event stream.
	Event interface {
		// Type returns the event kind.
		Type() EventType
		// RunID returns the run the event belongs to.
		RunID() string
	}

	// Base carries the fields shared by every event.
	Base struct {
		// Run is the run id the event belongs to.
		Run string `json:"run_id"`
	}

	// AgentStarted signals the run entered running.
	AgentStarted struct {
		Base
		// ManifestID is the agent configuration driving the run.
		ManifestID string `json:"manifest_id"`
		// Resumed is true when the run re-entered running from suspended.
		Resumed bool `json:"resumed,omitempty"`
	}

	// StepStart signals a new step-loop iteration.
	StepStart struct {
		Base
		// Step is the 1-based step number.
		Step int `json:"step"`
	}

	// TextDelta carries incremental assistant text.
	TextDelta struct {
		Base
		// TextID correlates deltas of the same content block.
		TextID string `json:"text_id,omitempty"`
		// Text is the incremental fragment.
		Text string `json:"text"`
	}

	// ToolCall signals the model requested a tool execution.
	ToolCall struct {
		Base
		// Call is the requested invocation.
		Call *tools.Call `json:"call"`
	}

	// ToolResult carries the outcome of one tool call.
	ToolResult struct {
		Base
		// Result is the outcome part, ordered by the originating call order.
		Result *tools.ResultPart `json:"result"`
	}

	// ToolApprovalRequest signals a tool call awaits external approval.
	ToolApprovalRequest struct {
		Base
		// ApprovalID correlates the request with a later approval input.
		ApprovalID string `json:"approval_id"`
		// Call is the invocation awaiting approval.
		Call *tools.Call `json:"call"`
	}

	// AgentSuspended signals the run suspended awaiting external input.
	AgentSuspended struct {
		Base
		// ApprovalIDs lists the open approval requests.
		ApprovalIDs []string `json:"approval_ids,omitempty"`
	}

	// AgentComplete signals the run reached completed.
	AgentComplete struct {
		Base
		// Content is the final assistant text.
		Content string `json:"content,omitempty"`
		// Usage aggregates token usage across steps when reported.
		Usage *model.TokenUsage `json:"usage,omitempty"`
	}

	// AgentCancelled signals the run was marked cancelled.
	AgentCancelled struct {
		Base
		// Reason optionally explains the cancellation.
		Reason string `json:"reason,omitempty"`
	}

	// AgentError signals the run failed permanently.
	AgentError struct {
		Base
		// Message is the failure description.
		Message string `json:"message"`
	}

	// SubAgentStarted signals a nested agent run began on behalf of a tool
	// call.
	SubAgentStarted struct {
		Base
		// ChildRunID identifies the nested run.
		ChildRunID string `json:"child_run_id"`
		// ManifestID identifies the nested agent.
		ManifestID string `json:"manifest_id"`
		// ToolCallID is the delegating call.
		ToolCallID string `json:"tool_call_id"`
	}

	// SubAgentFinished signals a nested agent run reached a terminal state or
	// suspended.
	SubAgentFinished struct {
		Base
		// ChildRunID identifies the nested run.
		ChildRunID string `json:"child_run_id"`
		// Status is the nested run's resulting status string.
		Status string `json:"status"`
		// ToolCallID is the delegating call.
		ToolCallID string `json:"tool_call_id"`
	}
)

func (b Base) RunID() string { return b.Run }

func (AgentStarted) Type() EventType        { return TypeAgentStarted }
func (StepStart) Type() EventType           { return TypeStepStart }
func (TextDelta) Type() EventType           { return TypeTextDelta }
func (ToolCall) Type() EventType            { return TypeToolCall }
func (ToolResult) Type() EventType          { return TypeToolResult }
func (ToolApprovalRequest) Type() EventType { return TypeToolApprovalRequest }
func (AgentSuspended) Type() EventType      { return TypeAgentSuspended }
func (AgentComplete) Type() EventType       { return TypeAgentComplete }
func (AgentCancelled) Type() EventType      { return TypeAgentCancelled }
func (AgentError) Type() EventType          { return TypeAgentError }
func (SubAgentStarted) Type() EventType     { return TypeSubAgentStarted }
func (SubAgentFinished) Type() EventType    { return TypeSubAgentFinished }
