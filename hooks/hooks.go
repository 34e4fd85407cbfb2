// Package hooks provides lifecycle observers for agent runs. Observers are
// built per run from factories, chained in registration order, and invoked
// synchronously at each lifecycle transition. The chain is fail-fast: the
// first observer error aborts the transition, except for cancellation
// notifications whose errors are swallowed so a failing observer can never
// block a cancel.
package hooks

import (
	"context"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/run"
)

type (
	// Event carries the context of one lifecycle transition. Fields beyond
	// RunID and Manifest are populated per transition kind.
	Event struct {
		// RunID identifies the run the transition belongs to.
		RunID string

		// ParentRunID is set when the run is a sub-agent run.
		ParentRunID string

		// Manifest is the agent configuration driving the run.
		Manifest *agent.Manifest

		// Record is the run record as persisted at the transition. Observers
		// must treat it as read-only.
		Record *run.Record

		// Err is the failure on error transitions.
		Err error

		// Reason is the cancellation reason on cancelled transitions.
		Reason string

		// ChildRunID identifies the nested run on sub-agent transitions.
		ChildRunID string

		// ChildManifestID identifies the nested agent on sub-agent transitions.
		ChildManifestID string
	}

	// Observer reacts to run lifecycle transitions. Any callback may be nil,
	// in which case the transition is ignored by this observer.
	Observer struct {
		// OnAgentStart fires when a run transitions into running for the first
		// time.
		OnAgentStart func(ctx context.Context, evt *Event) error

		// OnAgentResume fires when a suspended run re-enters running.
		OnAgentResume func(ctx context.Context, evt *Event) error

		// OnAgentSuspend fires when a run suspends awaiting external input.
		OnAgentSuspend func(ctx context.Context, evt *Event) error

		// OnAgentComplete fires when a run completes successfully.
		OnAgentComplete func(ctx context.Context, evt *Event) error

		// OnAgentError fires when a run fails permanently.
		OnAgentError func(ctx context.Context, evt *Event) error

		// OnAgentCancelled fires when a run is marked cancelled. Errors
		// returned here are swallowed by the chain.
		OnAgentCancelled func(ctx context.Context, evt *Event) error

		// OnSubAgentStart fires in the parent's chain when a nested run starts.
		OnSubAgentStart func(ctx context.Context, evt *Event) error

		// OnSubAgentComplete fires in the parent's chain when a nested run
		// reaches a successful terminal state.
		OnSubAgentComplete func(ctx context.Context, evt *Event) error

		// OnSubAgentError fires in the parent's chain when a nested run fails.
		OnSubAgentError func(ctx context.Context, evt *Event) error
	}

	// Factory builds the observer for one run given its manifest. Returning
	// nil opts the factory out of that run.
	Factory func(m *agent.Manifest) *Observer

	// Chain invokes a fixed, ordered list of observers. Build one per run
	// with New.
	Chain struct {
		observers []*Observer
	}
)

// New builds the chain for a run by invoking every factory with the run's
// manifest, preserving factory order and skipping nil observers.
func New(m *agent.Manifest, factories ...Factory) *Chain {
	c := &Chain{}
	for _, f := range factories {
		if f == nil {
			continue
		}
		if obs := f(m); obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
	return c
}

func (c *Chain) emit(ctx context.Context, evt *Event, pick func(*Observer) func(context.Context, *Event) error) error {
	if c == nil {
		return nil
	}
	for _, obs := range c.observers {
		fn := pick(obs)
		if fn == nil {
			continue
		}
		if err := fn(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// AgentStart notifies observers that the run started.
func (c *Chain) AgentStart(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnAgentStart })
}

// AgentResume notifies observers that the run resumed.
func (c *Chain) AgentResume(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnAgentResume })
}

// AgentSuspend notifies observers that the run suspended.
func (c *Chain) AgentSuspend(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnAgentSuspend })
}

// AgentComplete notifies observers that the run completed.
func (c *Chain) AgentComplete(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnAgentComplete })
}

// AgentError notifies observers that the run failed.
func (c *Chain) AgentError(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnAgentError })
}

// AgentCancelled notifies observers that the run was cancelled. Observer
// errors are swallowed: cancellation must never be blocked by an observer.
func (c *Chain) AgentCancelled(ctx context.Context, evt *Event) {
	if c == nil {
		return
	}
	for _, obs := range c.observers {
		if obs.OnAgentCancelled == nil {
			continue
		}
		_ = obs.OnAgentCancelled(ctx, evt)
	}
}

// SubAgentStart notifies observers that a nested run started.
func (c *Chain) SubAgentStart(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnSubAgentStart })
}

// SubAgentComplete notifies observers that a nested run completed.
func (c *Chain) SubAgentComplete(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnSubAgentComplete })
}

// SubAgentError notifies observers that a nested run failed.
func (c *Chain) SubAgentError(ctx context.Context, evt *Event) error {
	return c.emit(ctx, evt, func(o *Observer) func(context.Context, *Event) error { return o.OnSubAgentError })
}
