// Package model defines the provider-agnostic contract for streaming LLM
// completions. The orchestrator consumes Client and Streamer; adapters under
// features/model translate provider SDK events into Parts. Implementations
// must be thread-safe and reusable across runs.
package model

import (
	"context"
	"errors"

	"github.com/maestro-run/maestro/tools"
)

type (
	// Client issues streaming chat completion requests. Implementations wrap
	// provider SDKs (Anthropic, OpenAI, ...) and translate Request into
	// provider-specific calls. The returned Streamer must be closed by callers.
	Client interface {
		// Stream starts a streaming completion. It honors ctx cancellation: an
		// aborted run tears the provider stream down through the context.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental completion output. Successive Recv calls
	// return Parts until io.EOF. Implementations must be safe to drive from a
	// single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next stream part, or io.EOF once the completion is
		// finished.
		Recv() (Part, error)
		// Close releases the underlying provider stream. Idempotent.
		Close() error
	}

	// Request captures the normalized parameters for one completion.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered conversation history, including the system
		// prompt when present.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model. Empty when the
		// model should not call tools.
		Tools []*ToolDefinition

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int

		// Temperature controls sampling. Zero means provider default.
		Temperature float32
	}

	// Message is one conversation turn. Assistant turns may carry tool calls;
	// tool turns carry the matching result parts.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role string `json:"role"`

		// Content is the textual payload, empty for pure tool turns.
		Content string `json:"content,omitempty"`

		// ToolCalls lists the calls requested by an assistant turn.
		ToolCalls []*tools.Call `json:"tool_calls,omitempty"`

		// ToolResults lists the results carried by a tool turn.
		ToolResults []*tools.ResultPart `json:"tool_results,omitempty"`
	}

	// ToolDefinition describes one tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool input.
		InputSchema any
	}

	// PartType discriminates stream parts.
	PartType string

	// FinishReason explains why the provider stopped generating.
	FinishReason string

	// Part is one streaming event. Type indicates which fields are populated.
	Part struct {
		// Type is the part kind.
		Type PartType

		// TextID correlates text deltas belonging to the same content block.
		// Populated for PartTextStart, PartTextDelta and PartTextEnd.
		TextID string

		// Text is the incremental text for PartTextDelta.
		Text string

		// ToolCall is the completed call descriptor for PartToolCall.
		ToolCall *tools.Call

		// FinishReason is set on PartFinishStep and PartFinish.
		FinishReason FinishReason

		// Usage reports token usage on PartFinish when the provider exposes it.
		Usage *TokenUsage
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts tokens produced by this completion.
		OutputTokens int `json:"output_tokens"`
		// TotalTokens is the aggregate when reported, otherwise input+output.
		TotalTokens int `json:"total_tokens"`
	}
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stream part kinds.
const (
	PartStart      PartType = "start"
	PartStartStep  PartType = "start-step"
	PartTextStart  PartType = "text-start"
	PartTextDelta  PartType = "text-delta"
	PartTextEnd    PartType = "text-end"
	PartToolCall   PartType = "tool-call"
	PartFinishStep PartType = "finish-step"
	PartFinish     PartType = "finish"
)

// Finish reasons.
const (
	// FinishStop means the model produced a final answer.
	FinishStop FinishReason = "stop"
	// FinishToolCalls means the model requested tool executions.
	FinishToolCalls FinishReason = "tool-calls"
	// FinishError means the provider terminated the stream abnormally.
	FinishError FinishReason = "error"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Add accumulates usage deltas.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	if delta.TotalTokens > 0 {
		u.TotalTokens += delta.TotalTokens
	} else {
		u.TotalTokens += delta.InputTokens + delta.OutputTokens
	}
}

// NewUserMessage builds a user turn with the given text.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

// NewToolMessage builds a tool turn carrying the given result parts.
func NewToolMessage(parts []*tools.ResultPart) *Message {
	return &Message{Role: RoleTool, ToolResults: parts}
}
