// Package tools defines the shared vocabulary for tool invocations: the call
// descriptors emitted by models, the result parts folded back into the
// conversation, and the structured errors tool executions report. The
// orchestrator schedules calls and assembles results; executors translate
// calls into side effects.
package tools

import (
	"encoding/json"
	"fmt"
)

type (
	// Ident is a fully-qualified tool identifier (for example "search" or
	// "atlas.topology.describe"). Identifiers must match a tool declared in the
	// agent manifest driving the run.
	Ident string

	// Call describes a single tool invocation requested by the model. The
	// orchestrator assigns ID when the model does not supply one so every call
	// can be correlated with its eventual result part.
	Call struct {
		// ID uniquely identifies this invocation within the run.
		ID string `json:"id"`

		// Name identifies the tool to execute.
		Name Ident `json:"name"`

		// Input is the canonical JSON argument payload for the call.
		Input json.RawMessage `json:"input,omitempty"`
	}

	// ResultPart is the outcome of one tool call, in the shape folded back into
	// the conversation as part of a tool message. Exactly one part exists per
	// non-suspended call, matched by ToolCallID.
	ResultPart struct {
		// ToolCallID echoes the Call.ID this part answers.
		ToolCallID string `json:"tool_call_id"`

		// Name echoes the tool identifier for convenience.
		Name Ident `json:"name"`

		// Output is the canonical JSON result payload. For failed calls it holds
		// the error text as a JSON string.
		Output json.RawMessage `json:"output,omitempty"`

		// IsError marks the part as a failure the model should see as such.
		IsError bool `json:"is_error,omitempty"`

		// ErrorCode carries the stable failure category when IsError is set.
		ErrorCode Code `json:"error_code,omitempty"`
	}

	// Code categorizes tool failures in a stable, machine-readable way.
	Code string

	// Error is a structured tool failure. Executors return it so the
	// orchestrator can distinguish retryable transport hiccups from permanent
	// failures and so cancellation surfaces with its own code.
	Error struct {
		// Code is the failure category.
		Code Code `json:"code"`

		// Message is the human-readable failure description.
		Message string `json:"message"`

		// Retryable indicates the same call may succeed if reissued.
		Retryable bool `json:"retryable,omitempty"`
	}
)

const (
	// CodeCancelled marks a call aborted by run cancellation before completion.
	CodeCancelled Code = "cancelled"
	// CodeTimeout marks a call that exceeded its execution budget.
	CodeTimeout Code = "timeout"
	// CodeUnknownTool marks a call naming a tool absent from the manifest.
	CodeUnknownTool Code = "unknown_tool"
	// CodeInvalidInput marks a call whose payload failed schema validation.
	CodeInvalidInput Code = "invalid_input"
	// CodeExecution marks a generic execution failure inside the tool.
	CodeExecution Code = "execution"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with the given code and a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorResult builds the ResultPart representation of a failed call. The error
// message is encoded as a JSON string so the model sees it as a regular tool
// response.
func ErrorResult(call *Call, terr *Error) *ResultPart {
	msg := terr.Message
	if msg == "" {
		msg = string(terr.Code)
	}
	out, err := json.Marshal(msg)
	if err != nil {
		out = json.RawMessage(`"tool error"`)
	}
	return &ResultPart{
		ToolCallID: call.ID,
		Name:       call.Name,
		Output:     out,
		IsError:    true,
		ErrorCode:  terr.Code,
	}
}

// UnknownToolResult builds the synthetic result part for a call naming a tool
// that is not declared in the manifest.
func UnknownToolResult(call *Call) *ResultPart {
	return ErrorResult(call, Errorf(CodeUnknownTool, "Unknown tool: %s", call.Name))
}

// CancelledResult builds the synthetic result part for a call that was still
// in flight when the run aborted.
func CancelledResult(call *Call) *ResultPart {
	return ErrorResult(call, NewError(CodeCancelled, "tool call cancelled"))
}
