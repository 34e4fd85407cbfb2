// Package telemetry defines the logging and metrics seams the orchestrator
// records through. Production deployments use the clue/OTEL implementations;
// tests use the no-ops.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log entries. Implementations must be safe for
	// concurrent use.
	Logger interface {
		// Debug emits a debug-level entry with alternating key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level entry with alternating key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level entry with alternating key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level entry with alternating key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records orchestration counters and timers. Tags alternate key
	// and value.
	Metrics interface {
		// IncCounter increments the named counter.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration observation.
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	noopLogger  struct{}
	noopMetrics struct{}
)

// Metric names recorded by the orchestrator.
const (
	MetricRunsStarted    = "maestro.runs.started"
	MetricRunsCompleted  = "maestro.runs.completed"
	MetricRunsFailed     = "maestro.runs.failed"
	MetricRunsCancelled  = "maestro.runs.cancelled"
	MetricRunsSuspended  = "maestro.runs.suspended"
	MetricSteps          = "maestro.steps"
	MetricToolCalls      = "maestro.tool.calls"
	MetricToolDuration   = "maestro.tool.duration"
	MetricStreamDuration = "maestro.model.stream.duration"
	MetricCancelLatency  = "maestro.cancel.latency"
)

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return noopLogger{} }

// NewNopMetrics returns a Metrics recorder that discards everything.
func NewNopMetrics() Metrics { return noopMetrics{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}
