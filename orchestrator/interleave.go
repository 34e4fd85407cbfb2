package orchestrator

import (
	"context"

	"github.com/maestro-run/maestro/tools"
)

type (
	// toolBranch records one tool call whose nested run suspended.
	toolBranch struct {
		call  *tools.Call
		child *SuspendedTool
	}

	// interleaveResult is the merged outcome of one parallel tool batch.
	interleaveResult struct {
		// parts holds completed and failed results in the original call
		// order. Suspended calls have no part.
		parts []*tools.ResultPart
		// branches lists the calls whose nested runs suspended.
		branches []*toolBranch
		// aborted reports that the run context was cancelled before every
		// call finished. Unfinished calls carry synthetic cancelled parts.
		aborted bool
	}

	indexedOutcome struct {
		idx     int
		outcome *ToolOutcome
	}
)

// interleave runs every call concurrently through exec and merges their
// outcomes. Delivery order to onResult is completion order; the assembled
// parts follow the input call order. Abort detection races the context's Done
// channel against outcome delivery and wins immediately: in-flight calls are
// left to tear themselves down through ctx, and each unfinished call yields a
// synthetic cancelled part.
func interleave(ctx context.Context, calls []*tools.Call, exec func(context.Context, *tools.Call) *ToolOutcome, onResult func(*tools.ResultPart)) *interleaveResult {
	res := &interleaveResult{parts: make([]*tools.ResultPart, 0, len(calls))}
	if len(calls) == 0 {
		return res
	}

	// Buffered to len(calls) so abandoned goroutines never block after an
	// abort.
	outcomes := make(chan indexedOutcome, len(calls))
	for i, call := range calls {
		go func(i int, call *tools.Call) {
			outcomes <- indexedOutcome{idx: i, outcome: exec(ctx, call)}
		}(i, call)
	}

	byIndex := make([]*tools.ResultPart, len(calls))
	suspended := make([]*toolBranch, len(calls))
	done := make([]bool, len(calls))
	for remaining := len(calls); remaining > 0; remaining-- {
		// Abort wins over a simultaneously ready outcome.
		select {
		case <-ctx.Done():
			res.aborted = true
		default:
		}
		if res.aborted {
			break
		}
		select {
		case <-ctx.Done():
			res.aborted = true
		case io := <-outcomes:
			done[io.idx] = true
			out := io.outcome
			switch {
			case out == nil:
				byIndex[io.idx] = tools.ErrorResult(calls[io.idx], tools.NewError(tools.CodeExecution, "tool returned no outcome"))
			case out.Suspended != nil:
				suspended[io.idx] = &toolBranch{call: calls[io.idx], child: out.Suspended}
			case out.Err != nil:
				byIndex[io.idx] = tools.ErrorResult(calls[io.idx], out.Err)
			default:
				byIndex[io.idx] = &tools.ResultPart{
					ToolCallID: calls[io.idx].ID,
					Name:       calls[io.idx].Name,
					Output:     out.Output,
				}
			}
			if part := byIndex[io.idx]; part != nil && onResult != nil {
				onResult(part)
			}
		}
		if res.aborted {
			break
		}
	}

	for i, call := range calls {
		if res.aborted && !done[i] {
			byIndex[i] = tools.CancelledResult(call)
		}
		if byIndex[i] != nil {
			res.parts = append(res.parts, byIndex[i])
		}
		if suspended[i] != nil {
			res.branches = append(res.branches, suspended[i])
		}
	}
	return res
}
