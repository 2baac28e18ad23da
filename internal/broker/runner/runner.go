// Package runner implements the Runner, the core headless
// execution loop: resolve agent, acquire the session lock, spawn the
// CLI subprocess via the supervisor, parse its JSONL stdout, persist
// the conversation turn, and release the lock unconditionally.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/broker/convo"
	"github.com/kokino/broker/internal/broker/jsonl"
	"github.com/kokino/broker/internal/broker/session"
	"github.com/kokino/broker/internal/broker/supervisor"
	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/ids"
	"github.com/kokino/broker/internal/util/sanitize"
)

// EventRecorder is the telemetry sink for execution lifecycle events.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// Options configures one executeTurn call. TimeoutMs bounds both the
// lock wait and (via the supervisor) the spawned process; zero means
// the 5 minute runner default (the execution timeout).
type Options struct {
	TimeoutMs      int
	Model          string
	MCPConfigPath  string
	CLICommand     string // e.g. "claude", "gemini"
	CLIArgs        []string
	WorkingDir     string
}

// TurnResult is what executeTurn returns to its caller.
type TurnResult struct {
	ConversationID string
	Response       string
	SessionID      string
	DurationMs     int64
	ExitCode       int
	Success        bool
}

// Runner wires the Session Manager, Conversation Store, Process
// Supervisor, and JSONL Parser into the executeTurn algorithm.
type Runner struct {
	agents    *agentreg.Store
	sessions  *session.Manager
	convos    *convo.Store
	registry  *supervisor.Registry
	schemas   *jsonl.SchemaRegistry
	telemetry EventRecorder
}

// New constructs a Runner. schemas may be nil.
func New(agents *agentreg.Store, sessions *session.Manager, convos *convo.Store, registry *supervisor.Registry, schemas *jsonl.SchemaRegistry, telemetry EventRecorder) *Runner {
	return &Runner{agents: agents, sessions: sessions, convos: convos, registry: registry, schemas: schemas, telemetry: telemetry}
}

const defaultTimeoutMs = 5 * 60 * 1000

// ExecuteTurn resolves the agent, acquires its session lock, spawns the
// CLI subprocess, parses its output, persists the turn, and returns the
// outcome. The session lock is always released, even on error paths.
func (r *Runner) ExecuteTurn(ctx context.Context, agentID, prompt string, opts Options) (*TurnResult, error) {
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = defaultTimeoutMs
	}

	// 1. Resolve the agent; require deliveryMode=headless.
	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.DeliveryMode != "headless" {
		return nil, brokererr.Newf(brokererr.KindValidation, "runner.executeTurn", "agent %s is not configured for headless delivery", agentID)
	}

	// 2. acquireLock.
	sess, err := r.sessions.AcquireLock(ctx, agentID, opts.TimeoutMs)
	if err != nil {
		return nil, err
	}
	defer r.sessions.ReleaseLock(agentID)

	// 3. ExecutionStarted.
	r.record(agentID, "ExecutionStarted", map[string]any{"cliKind": agent.Kind, "promptSnippet": snippet(prompt)})

	// 4. Ensure a conversation; append the user turn.
	conversationID, err := r.ensureConversation(ctx, agentID, prompt)
	if err != nil {
		return nil, err
	}
	if _, err := r.convos.AddTurn(ctx, conversationID, "user", prompt, nil); err != nil {
		return nil, err
	}

	// 5. Build the layered prompt.
	fullPrompt := buildPrompt(agent, prompt)

	// 6. Spawn the CLI with deterministic args.
	args := buildArgs(opts, fullPrompt, sess)

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	runOpts := supervisor.Options{
		AgentID: agentID,
		Command: opts.CLICommand,
		Args:    args,
		Dir:     opts.WorkingDir,
		Limits:  supervisor.Limits{TimeoutMs: int(timeout.Milliseconds())},
		Telemetry: telemetryAdapter{r: r},
	}

	// 7. Await collection + exit.
	start := time.Now()
	res, runErr := r.registry.RunFor(ctx, agentID, runOpts)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		r.record(agentID, "ExecutionFailed", map[string]any{"durationMs": durationMs, "error": runErr.Error()})
		r.appendSystemTurn(ctx, conversationID, "Error: execution failed")
		return nil, brokererr.New(brokererr.KindUpstream, "runner.executeTurn", runErr)
	}

	if res.TimedOut {
		r.record(agentID, "ExecutionTimeout", map[string]any{"durationMs": durationMs, "exitCode": res.ExitCode})
		r.appendSystemTurn(ctx, conversationID, "Error: timeout")
		return nil, brokererr.New(brokererr.KindTimeout, "runner.executeTurn", res.Err)
	}

	// 8. Parse stdout.
	parser := jsonl.New(r.schemas, false, telemetryAdapter{r: r}, agentID)
	parsed, _ := parser.Parse(res.Stdout)

	success := res.ExitCode == 0 && res.Err == nil

	// 9. Append the assistant turn.
	meta := map[string]any{"durationMs": durationMs, "sessionId": parsed.SessionID, "exitCode": res.ExitCode}
	if _, err := r.convos.AddTurn(ctx, conversationID, "assistant", parsed.Response, meta); err != nil {
		// logged, does not fail the turn: the response was produced.
		r.record(agentID, "TurnAppendFailed", map[string]any{"error": err.Error()})
	}

	// 10. Emit completion/failure.
	if success {
		r.record(agentID, "ExecutionCompleted", map[string]any{"durationMs": durationMs, "success": true})
	} else {
		r.record(agentID, "ExecutionFailed", map[string]any{"durationMs": durationMs, "success": false, "exitCode": res.ExitCode})
	}

	// 11. markSessionInitialized.
	if parsed.SessionID != "" {
		r.sessions.MarkSessionInitialized(agentID, parsed.SessionID)
	}

	return &TurnResult{
		ConversationID: conversationID,
		Response:       parsed.Response,
		SessionID:      parsed.SessionID,
		DurationMs:     durationMs,
		ExitCode:       res.ExitCode,
		Success:        success,
	}, nil
	// 12. lock release happens via the deferred ReleaseLock above.
}

// Cancel dispatches to the Session Manager, which signals the child
// via the registered supervisor handle.
func (r *Runner) Cancel(agentID string) {
	r.sessions.CancelExecution(agentID)
}

func (r *Runner) ensureConversation(ctx context.Context, agentID, prompt string) (string, error) {
	existing, err := r.convos.MostRecentConversation(ctx, agentID)
	if err == nil && existing != "" {
		return existing, nil
	}
	return r.convos.CreateConversation(ctx, agentID, sanitize.Title(prompt, 80), nil)
}

func (r *Runner) appendSystemTurn(ctx context.Context, conversationID, content string) {
	_, _ = r.convos.AddTurn(ctx, conversationID, "system", content, nil)
}

func (r *Runner) record(agentID, event string, fields map[string]any) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Record(event, agentID, fields)
}

// telemetryAdapter lets Runner satisfy both supervisor.EventRecorder
// and jsonl.EventRecorder without exposing its own Record method.
type telemetryAdapter struct{ r *Runner }

func (t telemetryAdapter) Record(event, agentID string, fields map[string]any) {
	t.r.record(agentID, event, fields)
}

func snippet(prompt string) string {
	const max = 120
	if len(prompt) > max {
		return prompt[:max]
	}
	return prompt
}

// buildPrompt layers identity, inter-agent context, and payload per
// the Runner's bootstrap prompt format.
func buildPrompt(agent *agentreg.Agent, payload string) string {
	role, _ := agent.Metadata["role"].(string)
	systemPrompt, _ := agent.Metadata["systemPrompt"].(string)

	return fmt.Sprintf(`[AGENT IDENTITY]
You are agent '%s' with role: %s.
%s
[END AGENT IDENTITY]

[KOKINO CONTEXT]
You are part of a multi-agent team. Use co_workers() / send_message() / post_reply().
[END KOKINO CONTEXT]

%s`, agent.AgentID, role, systemPrompt, payload)
}

// buildArgs assembles the CLI's deterministic argument list (the
// CLI subprocess contract): non-interactive flag, inline prompt, model
// selector, session/resume argument, optional MCP config path.
func buildArgs(opts Options, prompt string, sess session.Session) []string {
	args := append([]string{}, opts.CLIArgs...)
	args = append(args, "--non-interactive", "--prompt", prompt)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if sess.HasSession {
		args = append(args, "--resume", sess.SessionID)
	} else {
		args = append(args, "--session-id", ids.NewSessionID())
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	return args
}
