// Package supervisor spawns and monitors the CLI subprocesses the Runner
// executes headless turns through. It captures stdout/stderr
// in full (the JSONL parser consumes the buffer after exit rather than
// line-by-line, since a headless invocation is one-shot, not a
// long-lived interactive session) and enforces the per-execution
// resource limits configured for the agent's CLI kind.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// EventRecorder is the subset of the telemetry Recorder the supervisor
// needs. Kept narrow to avoid an import cycle between supervisor and
// telemetry.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// Limits bounds one execution's memory, CPU, and wall-clock time.
type Limits struct {
	MaxMemoryMB   int
	MaxCPUPercent float64
	TimeoutMs     int
}

func (l Limits) timeout() time.Duration {
	if l.TimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

func (l Limits) absoluteTimeout() time.Duration {
	return 2 * l.timeout()
}

// Options configures a single subprocess spawn.
type Options struct {
	AgentID   string
	Command   string
	Args      []string
	Dir       string
	Env       []string
	Limits    Limits
	Telemetry EventRecorder // may be nil
}

// Result is the outcome of a completed (or force-killed) subprocess.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	DurationMs int64
	TimedOut   bool  // the execution timeout (1x) fired; Err describes it
	Err        error // non-nil for TimedOut/ZombieKilled/LimitExceeded/non-zero exit; spawn failures are Run's own error
}

// Run spawns the configured command, waits for it to exit (or be killed by
// limit enforcement), and returns the captured output. Stdin is closed
// immediately: headless CLI invocations never read from it.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, opts.Limits.absoluteTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	// Graceful signal on cancellation; Go escalates to SIGKILL after
	// WaitDelay if the process ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		opts.record("SpawnError", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		opts.record("SpawnError", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("spawn %s: %w", opts.Command, err)
	}
	_ = stdin.Close()

	done := make(chan struct{})
	var zombieKilled, limitExceeded, timedOut bool
	go opts.monitor(runCtx, cmd, done, &zombieKilled, &limitExceeded, &timedOut)

	waitErr := cmd.Wait()
	close(done)

	durationMs := time.Since(start).Milliseconds()
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	res := &Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), DurationMs: durationMs}

	switch {
	case timedOut:
		res.TimedOut = true
		res.Err = fmt.Errorf("process exceeded execution timeout")
		opts.record("ProcessTimeout", map[string]any{"durationMs": durationMs})
	case zombieKilled:
		res.Err = fmt.Errorf("process exceeded absolute timeout and was force-killed")
		opts.record("ZombieKilled", map[string]any{"durationMs": durationMs})
	case limitExceeded:
		res.Err = fmt.Errorf("process exceeded memory limit")
		opts.record("LimitExceeded", map[string]any{"resource": "memory", "durationMs": durationMs})
	case waitErr != nil:
		res.Err = waitErr
		opts.record("ProcessFailed", map[string]any{"exitCode": exitCode, "durationMs": durationMs, "error": waitErr.Error()})
	default:
		opts.record("ProcessExited", map[string]any{"exitCode": exitCode, "durationMs": durationMs})
	}

	return res, nil
}

// monitor samples RSS/CPU every 2s. RSS over the memory limit triggers a
// graceful term and stops monitoring; CPU breaches are warnings only. At
// the execution timeout (1x) the process is sent SIGTERM and given a
// grace period to exit before being force-killed directly; that whole
// path is classified as a timeout. The absolute deadline on ctx (2x the
// execution timeout) is a separate safety net for the case where this
// timeout path itself never ran (e.g. the goroutine was starved) and
// force-kills the process without going through the timeout bucket.
func (o Options) monitor(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}, zombieKilled, limitExceeded, timedOut *bool) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	timeoutTimer := time.NewTimer(o.Limits.timeout())
	defer timeoutTimer.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded && cmd.Process != nil {
				*zombieKilled = true
				_ = cmd.Process.Kill()
			}
			return
		case <-timeoutTimer.C:
			if cmd.Process == nil {
				continue
			}
			*timedOut = true
			_ = cmd.Process.Signal(syscall.SIGTERM)

			graceTimer := time.NewTimer(5 * time.Second)
			select {
			case <-done:
				graceTimer.Stop()
			case <-graceTimer.C:
				_ = cmd.Process.Kill()
			}
			return
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			proc, err := process.NewProcess(int32(cmd.Process.Pid))
			if err != nil {
				continue
			}

			if o.Limits.MaxMemoryMB > 0 {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					rssMB := memInfo.RSS / (1024 * 1024)
					if int(rssMB) > o.Limits.MaxMemoryMB {
						*limitExceeded = true
						_ = cmd.Process.Signal(syscall.SIGTERM)
						return
					}
				}
			}

			if o.Limits.MaxCPUPercent > 0 {
				if cpuPct, err := proc.CPUPercent(); err == nil && cpuPct > o.Limits.MaxCPUPercent {
					slog.Warn("cpu limit exceeded", "agent_id", o.AgentID, "cpu_percent", cpuPct)
				}
			}
		}
	}
}

func (o Options) record(event string, fields map[string]any) {
	if o.Telemetry == nil {
		return
	}
	o.Telemetry.Record(event, o.AgentID, fields)
}
