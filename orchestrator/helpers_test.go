package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/run"
	"github.com/maestro-run/maestro/tools"
)

// racingLocker wraps a run.Locker and runs rival once, just before granting
// the lock for the trigger run id. It reproduces a competitor that wins the
// lock first, finishes its work and releases while our acquire is in flight.
type racingLocker struct {
	run.Locker
	trigger string
	rival   func()
	once    sync.Once
}

func (l *racingLocker) Acquire(ctx context.Context, runID string, ttl time.Duration) (run.Lock, error) {
	if runID == l.trigger && l.rival != nil {
		l.once.Do(l.rival)
	}
	return l.Locker.Acquire(ctx, runID, ttl)
}

// scriptClient is a model.Client that replays scripted part sequences, keyed
// by the requested model id so parent and child agents can interleave.
type scriptClient struct {
	mu      sync.Mutex
	scripts map[string][][]model.Part
}

func newScriptClient() *scriptClient {
	return &scriptClient{scripts: make(map[string][][]model.Part)}
}

func (c *scriptClient) add(modelID string, parts []model.Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[modelID] = append(c.scripts[modelID], parts)
}

func (c *scriptClient) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := c.scripts[req.Model]
	if len(steps) == 0 {
		return nil, fmt.Errorf("no scripted step for model %q", req.Model)
	}
	c.scripts[req.Model] = steps[1:]
	return &scriptStreamer{parts: steps[0]}, nil
}

type scriptStreamer struct {
	parts []model.Part
	i     int
}

func (s *scriptStreamer) Recv() (model.Part, error) {
	if s.i >= len(s.parts) {
		return model.Part{}, io.EOF
	}
	p := s.parts[s.i]
	s.i++
	return p, nil
}

func (s *scriptStreamer) Close() error { return nil }

// textStep scripts one completion that answers with text and stops.
func textStep(text string) []model.Part {
	return []model.Part{
		{Type: model.PartTextDelta, TextID: "0", Text: text},
		{Type: model.PartFinish, FinishReason: model.FinishStop, Usage: &model.TokenUsage{InputTokens: 2, OutputTokens: 1}},
	}
}

// callStep scripts one completion that requests the given tool calls.
func callStep(calls ...*tools.Call) []model.Part {
	parts := make([]model.Part, 0, len(calls)+1)
	for _, call := range calls {
		parts = append(parts, model.Part{Type: model.PartToolCall, ToolCall: call})
	}
	return append(parts, model.Part{Type: model.PartFinish, FinishReason: model.FinishToolCalls})
}

// manualClock is a settable run.Clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mustManifests validates and indexes the given manifests.
func mustManifests(t *testing.T, ms ...*agent.Manifest) agent.Map {
	t.Helper()
	mp := agent.Map{}
	for _, m := range ms {
		mp[m.ID] = m
	}
	require.NoError(t, mp.Validate())
	return mp
}

// codeOf asserts err is an orchestrator error and returns its code.
func codeOf(t *testing.T, err error) ErrorCode {
	t.Helper()
	oerr := AsError(err)
	require.NotNil(t, oerr)
	return oerr.Code
}

// drainEvents collects the event types observed on a finished handle.
func drainEvents(h *RunStream) []string {
	var types []string
	for ev := range h.Events() {
		types = append(types, string(ev.Type()))
	}
	return types
}
