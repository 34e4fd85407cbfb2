// Package run defines the persistent model for agent run executions: the run
// record, its lifecycle statuses, suspension bookkeeping, and the store, signal
// and lock contracts backends implement.
//
// A run record is owned by whichever worker holds the run lock. The lock exists
// solely to prove liveness: failure to acquire means some worker is actively
// driving the run right now, and live holders refresh it before the TTL
// elapses. Cancellation signals are writable by anyone and are converted into
// cooperative aborts by the live worker's poller.
package run

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/tools"
)

// SchemaVersion is the record layout version. Stores reject records carrying
// any other version.
const SchemaVersion = 1

type (
	// Status is the lifecycle state of a run.
	Status string

	// Record captures the durable state of one agent run. It is keyed by ID and
	// persisted through Store on every observable transition.
	Record struct {
		// ID is the opaque, globally unique run identifier.
		ID string `json:"id"`

		// SchemaVersion is the record layout version (SchemaVersion).
		SchemaVersion int `json:"schema_version"`

		// CreatedAt is when the run was first persisted.
		CreatedAt time.Time `json:"created_at"`

		// UpdatedAt is when the record was last written.
		UpdatedAt time.Time `json:"updated_at"`

		// StartedAt is reset to "now" on every transition into running. Together
		// with the lock TTL it drives crash detection: a running record whose
		// StartedAt is older than the TTL and whose lock is acquirable belonged
		// to a dead worker.
		StartedAt time.Time `json:"started_at"`

		// Status is the current lifecycle state.
		Status Status `json:"status"`

		// Messages is the conversation accumulated so far.
		Messages []*model.Message `json:"messages,omitempty"`

		// ManifestID identifies the agent configuration this run executes.
		ManifestID string `json:"manifest_id"`

		// ManifestVersion is the manifest version at run start.
		ManifestVersion string `json:"manifest_version,omitempty"`

		// RootManifestID is the manifest at the top of the recursion stack.
		RootManifestID string `json:"root_manifest_id,omitempty"`

		// PendingToolResults holds tool results produced within a step but not
		// yet folded into Messages (populated across suspend/resume).
		PendingToolResults []*tools.ResultPart `json:"pending_tool_results,omitempty"`

		// Suspensions lists the open approval requests originated at this level.
		// Non-empty only while Status is suspended.
		Suspensions []*Suspension `json:"suspensions,omitempty"`

		// SuspensionStacks records how sub-agent suspensions reached this run,
		// one stack per suspended descendant chain. The first entry of each
		// stack is this run; the deepest entry is the leaf child.
		SuspensionStacks []Stack `json:"suspension_stacks,omitempty"`

		// ElapsedExecutionMS accumulates the durations of concluded running
		// segments in milliseconds.
		ElapsedExecutionMS int64 `json:"elapsed_execution_ms"`

		// Steps counts completed step iterations.
		Steps int `json:"steps"`

		// ChildRunIDs is the set of direct child run ids ever spawned, stored
		// sorted for stable serialization.
		ChildRunIDs []string `json:"child_run_ids,omitempty"`

		// CurrentStepNumber is the monotonic step counter.
		CurrentStepNumber int `json:"current_step_number"`
	}

	// Suspension is one open approval request at a given run level.
	Suspension struct {
		// ApprovalID correlates the request with a later approval input.
		ApprovalID string `json:"approval_id"`
		// ToolCallID is the tool invocation awaiting approval.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool awaiting approval.
		ToolName tools.Ident `json:"tool_name"`
		// Input is the canonical JSON payload of the pending call.
		Input []byte `json:"input,omitempty"`
	}

	// StackEntry is one hop in a parent-to-child suspension chain.
	StackEntry struct {
		// RunID identifies the run at this level of the chain.
		RunID string `json:"run_id"`
		// ManifestID identifies the manifest executing at this level.
		ManifestID string `json:"manifest_id"`
		// ManifestVersion is the manifest version at this level.
		ManifestVersion string `json:"manifest_version,omitempty"`
		// ToolCallID is the call through which the suspension descended to the
		// next entry. Empty on the leaf.
		ToolCallID string `json:"tool_call_id,omitempty"`
	}

	// Stack is an unbroken parent-to-child chain describing how a sub-agent
	// suspension reached the record that carries it.
	Stack struct {
		Entries []StackEntry `json:"entries"`
	}

	// Signal is a write-once cancellation request for a run.
	Signal struct {
		// CancelledAt is when the signal was first written.
		CancelledAt time.Time `json:"cancelled_at"`
		// Reason optionally explains the cancellation.
		Reason string `json:"reason,omitempty"`
	}
)

const (
	// StatusRunning indicates a worker is actively executing the run.
	StatusRunning Status = "running"
	// StatusSuspended indicates the run awaits external input.
	StatusSuspended Status = "suspended"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Leaf returns the deepest entry of the stack, or nil when empty.
func (s Stack) Leaf() *StackEntry {
	if len(s.Entries) == 0 {
		return nil
	}
	return &s.Entries[len(s.Entries)-1]
}

// ChildOf returns the entry immediately below runID in the chain, or nil when
// runID is absent or is the leaf.
func (s Stack) ChildOf(runID string) *StackEntry {
	for i := range s.Entries {
		if s.Entries[i].RunID == runID && i+1 < len(s.Entries) {
			return &s.Entries[i+1]
		}
	}
	return nil
}

// Validate checks structural invariants of the record. Stores call it before
// persisting and after loading.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("run: record id is required")
	}
	if r.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, r.SchemaVersion, SchemaVersion)
	}
	switch r.Status {
	case StatusRunning, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("run: unknown status %q", r.Status)
	}
	suspended := len(r.Suspensions) > 0 || len(r.SuspensionStacks) > 0
	if r.Status == StatusSuspended && !suspended {
		return errors.New("run: suspended record has no suspensions or stacks")
	}
	if r.Status != StatusSuspended && suspended {
		return fmt.Errorf("run: %s record carries open suspensions", r.Status)
	}
	return nil
}

// AddChild records runID as a direct child, keeping the set sorted and
// duplicate-free.
func (r *Record) AddChild(runID string) {
	if runID == "" || runID == r.ID {
		return
	}
	i, found := slices.BinarySearch(r.ChildRunIDs, runID)
	if found {
		return
	}
	r.ChildRunIDs = slices.Insert(r.ChildRunIDs, i, runID)
}

// DirectStackChildren returns the run ids of the direct children referenced by
// the suspension stacks, excluding the record itself.
func (r *Record) DirectStackChildren() []string {
	var out []string
	for _, st := range r.SuspensionStacks {
		child := st.ChildOf(r.ID)
		if child == nil && len(st.Entries) > 0 && st.Entries[0].RunID != r.ID {
			// Stack recorded without a self entry; its first entry is the child.
			child = &st.Entries[0]
		}
		if child == nil || child.RunID == r.ID {
			continue
		}
		if !slices.Contains(out, child.RunID) {
			out = append(out, child.RunID)
		}
	}
	return out
}

// Clone returns a copy of the record whose slices are independent of the
// receiver. Messages and result parts are shared: they are immutable once
// recorded.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = slices.Clone(r.Messages)
	out.PendingToolResults = slices.Clone(r.PendingToolResults)
	out.ChildRunIDs = slices.Clone(r.ChildRunIDs)
	if len(r.Suspensions) > 0 {
		out.Suspensions = make([]*Suspension, len(r.Suspensions))
		for i, s := range r.Suspensions {
			c := *s
			c.Input = slices.Clone(s.Input)
			out.Suspensions[i] = &c
		}
	}
	if len(r.SuspensionStacks) > 0 {
		out.SuspensionStacks = make([]Stack, len(r.SuspensionStacks))
		for i, st := range r.SuspensionStacks {
			out.SuspensionStacks[i] = Stack{Entries: slices.Clone(st.Entries)}
		}
	}
	return &out
}

// SuspensionByApproval returns the open suspension matching approvalID.
func (r *Record) SuspensionByApproval(approvalID string) (*Suspension, bool) {
	for _, s := range r.Suspensions {
		if s.ApprovalID == approvalID {
			return s, true
		}
	}
	return nil, false
}

// RemoveSuspension drops the open suspension matching approvalID.
func (r *Record) RemoveSuspension(approvalID string) {
	out := r.Suspensions[:0]
	for _, s := range r.Suspensions {
		if s.ApprovalID != approvalID {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		r.Suspensions = nil
		return
	}
	r.Suspensions = out
}

// Sentinel errors shared by store, signal and lock backends.
var (
	// ErrNotFound indicates no record or signal exists for the given run id.
	ErrNotFound = errors.New("run: not found")
	// ErrLockHeld indicates another live holder owns the run lock.
	ErrLockHeld = errors.New("run: lock held")
	// ErrLockLost indicates the holder's TTL elapsed and the lock is no
	// longer owned, possibly re-acquired by someone else.
	ErrLockLost = errors.New("run: lock no longer held")
	// ErrSchemaVersion indicates a record with an unexpected schema version.
	ErrSchemaVersion = errors.New("run: unexpected schema version")
)

type (
	// Store persists run records keyed by run id.
	Store interface {
		// Load returns the record for runID, or ErrNotFound.
		Load(ctx context.Context, runID string) (*Record, error)
		// Save persists the record. A positive ttl bounds the record lifetime;
		// zero means no expiry.
		Save(ctx context.Context, rec *Record, ttl time.Duration) error
		// Delete removes the record. Deleting an absent record is not an error.
		Delete(ctx context.Context, runID string) error
	}

	// SignalStore persists cancellation signals keyed by run id. Signal is
	// idempotent: the first write wins and later writes do not observably
	// change CancelledAt.
	SignalStore interface {
		// Signal writes the cancellation signal for runID unless one exists.
		Signal(ctx context.Context, runID string, sig Signal) error
		// Lookup returns the signal for runID, or ErrNotFound.
		Lookup(ctx context.Context, runID string) (*Signal, error)
		// Clear removes the signal. Clearing an absent signal is not an error.
		Clear(ctx context.Context, runID string) error
	}

	// Locker provides the per-run TTL mutex used to prove liveness.
	Locker interface {
		// Acquire attempts to take the lock without blocking. It returns
		// ErrLockHeld when another live holder owns it.
		Acquire(ctx context.Context, runID string, ttl time.Duration) (Lock, error)
		// Locked reports whether a live holder currently owns the lock.
		Locked(ctx context.Context, runID string) (bool, error)
	}

	// Lock is a held run lock. Release is mandatory on every exit path.
	// Holders whose segment may outlast the TTL must call Refresh before it
	// elapses: crash detection treats an expired lock as a dead worker.
	Lock interface {
		// Refresh extends the holder's TTL. It returns ErrLockLost once the
		// TTL elapsed or another holder took the lock.
		Refresh(ctx context.Context, ttl time.Duration) error
		Release(ctx context.Context) error
	}

	// Clock abstracts the time source so record timestamps, durations and TTLs
	// stay deterministic under test.
	Clock interface {
		Now() time.Time
	}

	systemClock struct{}
)

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
