package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/tools"
)

type (
	// Executor runs tool calls on behalf of the orchestrator. Implementations
	// must honor ctx cancellation: an aborted run expects in-flight tools to
	// observe ctx.Done and return promptly.
	Executor interface {
		// Execute runs one call and reports its outcome. Returning a nil
		// outcome is treated as an execution error.
		Execute(ctx context.Context, call *tools.Call) *ToolOutcome
	}

	// ExecutorFunc adapts a function to Executor.
	ExecutorFunc func(ctx context.Context, call *tools.Call) *ToolOutcome

	// ToolOutcome is the result of one tool execution. Exactly one of Output,
	// Err or Suspended is meaningful.
	ToolOutcome struct {
		// Output is the JSON result payload on success.
		Output json.RawMessage

		// Err reports a failure. It becomes an error result part the model
		// sees as a regular tool response.
		Err *tools.Error

		// Suspended reports that the call started a nested run which
		// suspended awaiting external input.
		Suspended *SuspendedTool
	}

	// SuspendedTool describes a nested run suspension surfaced through a tool
	// call.
	SuspendedTool struct {
		// RunID identifies the suspended nested run.
		RunID string

		// ManifestID identifies the nested agent.
		ManifestID string

		// ManifestVersion is the nested manifest version.
		ManifestVersion string

		// Suspensions lists the nested run's open approvals.
		Suspensions []*run.Suspension

		// Stacks are the nested run's own suspension stacks, to be extended
		// with the parent frame.
		Stacks []run.Stack
	}
)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, call *tools.Call) *ToolOutcome {
	return f(ctx, call)
}

// SuccessOutcome builds a completed outcome with the given payload.
func SuccessOutcome(output json.RawMessage) *ToolOutcome {
	return &ToolOutcome{Output: output}
}

// ErrorOutcome builds a failed outcome.
func ErrorOutcome(terr *tools.Error) *ToolOutcome {
	return &ToolOutcome{Err: terr}
}
