// Command maestro runs one agent from a manifest file against the Anthropic
// Messages API, streaming events to stdout. It demonstrates the orchestration
// runtime end to end: pass -redis to persist run state out of process, rerun
// with -run/-approval to resolve a suspended approval.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/maestro-run/maestro/agent"
	"github.com/maestro-run/maestro/features/model/anthropic"
	"github.com/maestro-run/maestro/features/run/redis"
	"github.com/maestro-run/maestro/orchestrator"
	"github.com/maestro-run/maestro/stream"
	"github.com/maestro-run/maestro/telemetry"
	"github.com/maestro-run/maestro/tools"
)

func main() {
	var (
		manifestPath = flag.String("manifests", "manifests.yaml", "path to the agent manifest file")
		agentID      = flag.String("agent", "", "agent id to run (required for a new run)")
		prompt       = flag.String("prompt", "", "initial user prompt (required for a new run)")
		runID        = flag.String("run", "", "resume the given run instead of starting a new one")
		approvalID   = flag.String("approval", "", "approval id to resolve (with -run)")
		deny         = flag.Bool("deny", false, "deny instead of approve the pending tool call")
		redisAddr    = flag.String("redis", "", "redis address for run state (empty uses in-memory backends)")
		defaultModel = flag.String("model", "claude-sonnet-4-20250514", "default model identifier")
		timeout      = flag.Duration("timeout", 5*time.Minute, "per-run wall clock budget")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, config{
		manifestPath: *manifestPath,
		agentID:      *agentID,
		prompt:       *prompt,
		runID:        *runID,
		approvalID:   *approvalID,
		deny:         *deny,
		redisAddr:    *redisAddr,
		defaultModel: *defaultModel,
		timeout:      *timeout,
	}); err != nil {
		log.Fatal(ctx, err)
	}
}

type config struct {
	manifestPath string
	agentID      string
	prompt       string
	runID        string
	approvalID   string
	deny         bool
	redisAddr    string
	defaultModel string
	timeout      time.Duration
}

func run(ctx context.Context, cfg config) error {
	manifests, err := agent.LoadMapFile(cfg.manifestPath)
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	client, err := anthropic.NewFromAPIKey(apiKey, cfg.defaultModel)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithModelClient(client),
		orchestrator.WithExecutor(orchestrator.ExecutorFunc(echoExecutor)),
		orchestrator.WithLogger(telemetry.NewClueLogger()),
		orchestrator.WithMetrics(telemetry.NewOTELMetrics()),
		orchestrator.WithRunTimeout(cfg.timeout),
	}
	if cfg.redisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts,
			orchestrator.WithStateStore(redis.NewStore(rdb)),
			orchestrator.WithSignalStore(redis.NewSignalStore(rdb, 24*time.Hour)),
			orchestrator.WithLocker(redis.NewLocker(rdb)),
		)
	}
	rt := orchestrator.New(opts...)

	input, err := buildInput(cfg, manifests)
	if err != nil {
		return err
	}
	handle, err := rt.Run(ctx, input)
	if err != nil {
		return err
	}
	log.Infof(ctx, "run %s started", handle.RunID())

	for ev := range handle.Events() {
		printEvent(ev)
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	log.Infof(ctx, "run %s finished: %s", res.RunID, res.Status)
	if res.Err != nil {
		return res.Err
	}
	for _, susp := range res.Suspensions {
		log.Infof(ctx, "pending approval %s for tool %s; rerun with -run %s -approval %s",
			susp.ApprovalID, susp.ToolName, res.RunID, susp.ApprovalID)
	}
	return nil
}

func buildInput(cfg config, manifests agent.Map) (orchestrator.RunInput, error) {
	if cfg.runID != "" {
		if cfg.approvalID == "" {
			return orchestrator.RunInput{}, fmt.Errorf("-run requires -approval")
		}
		return orchestrator.RunInput{
			Kind:  orchestrator.KindApproval,
			RunID: cfg.runID,
			Approval: &orchestrator.ApprovalResponse{
				ApprovalID: cfg.approvalID,
				Approved:   !cfg.deny,
			},
			Manifests: manifests,
		}, nil
	}
	if cfg.agentID == "" || cfg.prompt == "" {
		return orchestrator.RunInput{}, fmt.Errorf("-agent and -prompt are required")
	}
	return orchestrator.RunInput{
		Kind:      orchestrator.KindRequest,
		AgentID:   cfg.agentID,
		Prompt:    cfg.prompt,
		Manifests: manifests,
	}, nil
}

// echoExecutor answers every tool call with its own input, enough to exercise
// the loop without real integrations.
func echoExecutor(_ context.Context, call *tools.Call) *orchestrator.ToolOutcome {
	out, err := json.Marshal(map[string]any{"tool": call.Name, "echo": json.RawMessage(call.Input)})
	if err != nil {
		return orchestrator.ErrorOutcome(tools.NewError(tools.CodeExecution, err.Error()))
	}
	return orchestrator.SuccessOutcome(out)
}

func printEvent(ev stream.Event) {
	switch e := ev.(type) {
	case *stream.TextDelta:
		fmt.Print(e.Text)
	case *stream.ToolCall:
		fmt.Printf("\n[tool] %s %s\n", e.Call.Name, string(e.Call.Input))
	case *stream.ToolResult:
		fmt.Printf("[result] %s %s\n", e.Result.Name, string(e.Result.Output))
	case *stream.ToolApprovalRequest:
		fmt.Printf("[approval needed] %s for %s\n", e.ApprovalID, e.Call.Name)
	case *stream.SubAgentStarted:
		fmt.Printf("[sub-agent] %s started (%s)\n", e.ChildRunID, e.ManifestID)
	case *stream.AgentComplete:
		fmt.Println()
	}
}
