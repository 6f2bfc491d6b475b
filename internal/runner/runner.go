// Package runner implements the execution runner (C3) and, in
// session.go, the session runner (C4): the orchestrators that load an
// execution/session's records, run the safety checks, resolve the
// payload, spawn the selected adapter, stream its output to the log,
// enforce timeouts and output limits, and finalize the terminal status
// under a race guard against concurrent cancellation.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/engine/template"
	"github.com/agendo/execcore/internal/adapter"
	"github.com/agendo/execcore/internal/apperr"
	"github.com/agendo/execcore/internal/heartbeat"
	"github.com/agendo/execcore/internal/logwriter"
	"github.com/agendo/execcore/internal/safety"
	"github.com/agendo/execcore/internal/store"
)

// MessageDropDir is the root of the message-drop directory convention
// from spec.md §6: one UTF-8 text file per inbound user message at
// {MessageDropDir}/{executionID}/*.msg.
const MessageDropDir = "/tmp/agendo-messages"

// Deps bundles the runner's collaborators.
type Deps struct {
	Store              *store.Store
	LogDir             string
	AllowedWorkingDirs []string
	HeartbeatInterval  time.Duration
	Log                zerolog.Logger
}

// Runner drives execution and session runs for one worker process.
type Runner struct {
	deps Deps
}

// New constructs a Runner.
func New(deps Deps) *Runner {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 30 * time.Second
	}
	return &Runner{deps: deps}
}

// RunExecution is the complete runExecution(executionId, workerId)
// contract from spec.md §4.3. It blocks until the run reaches a
// terminal status.
func (r *Runner) RunExecution(ctx context.Context, executionID uuid.UUID, workerID string) error {
	st := r.deps.Store
	log := r.deps.Log.With().Str("execution_id", executionID.String()).Logger()

	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("runner: load execution: %w", err)
	}
	agent, err := st.GetAgent(ctx, exec.AgentID)
	if err != nil {
		return fmt.Errorf("runner: load agent: %w", err)
	}
	capability, err := st.GetCapability(ctx, exec.CapabilityID)
	if err != nil {
		return fmt.Errorf("runner: load capability: %w", err)
	}
	task, err := st.GetTask(ctx, exec.TaskID)
	if err != nil {
		return fmt.Errorf("runner: load task: %w", err)
	}

	// --- Safety (§4.10) ---
	workDir := agent.DefaultWorkDir
	if task.InputContext.WorkingDirOverride != "" {
		workDir = task.InputContext.WorkingDirOverride
	}
	resolvedDir, err := safety.ValidateWorkingDir(workDir, r.deps.AllowedWorkingDirs)
	if err != nil {
		return rejectBeforeSpawn(err)
	}
	if err := safety.ValidateBinary(agent.BinaryPath); err != nil {
		return rejectBeforeSpawn(err)
	}
	if err := safety.ValidateArgs(capability.ArgsSchema, exec.Args); err != nil {
		return rejectBeforeSpawn(err)
	}

	// --- Resolve payload (§4.3 step 3) ---
	session := agentrun.Session{
		ID:      executionID.String(),
		AgentID: agent.Name,
		CWD:     resolvedDir,
		Env:     safety.BuildChildEnv(agent.EnvAllowlist, task.InputContext.EnvOverrides),
	}

	switch capability.InteractionMode {
	case store.ModePrompt:
		session.Prompt = ResolvePrompt(capability.PromptTemplate, task, exec.Args)
	case store.ModeTemplate:
		tokens, err := safety.BuildCommandArgs(capability.CommandTokens, exec.Args)
		if err != nil {
			return rejectBeforeSpawn(err)
		}
		session.Options = map[string]string{template.OptionArgv: strings.Join(tokens, "\x00")}
	default:
		return rejectBeforeSpawn(apperr.New(apperr.Validation, "unknown interaction mode"))
	}

	// --- Prepare sinks (§4.3 step 4) ---
	logPath := logwriter.Path(r.deps.LogDir, executionID, time.Now())
	lw, err := logwriter.Open(logPath, func(byteSize, lineCount int64) error {
		return st.FlushLogStats(ctx, executionID, byteSize, lineCount)
	})
	if err != nil {
		return fmt.Errorf("runner: open log writer: %w", err)
	}
	defer lw.Close()

	eng, err := adapter.For(agent, capability)
	if err != nil {
		_ = lw.Write(logwriter.StreamSystem, err.Error())
		return rejectBeforeSpawn(err)
	}

	resuming := exec.ParentExecutionID != nil && exec.SessionRef != ""
	if resuming {
		if session.Options == nil {
			session.Options = map[string]string{}
		}
		session.Options[agentrun.OptionResumeID] = exec.SessionRef
		_ = lw.Write(logwriter.StreamSystem, fmt.Sprintf("Resuming session: %s", exec.SessionRef))
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go heartbeat.ExecutionTicker(hbCtx, st, executionID, r.deps.HeartbeatInterval, log)

	proc, err := eng.Start(ctx, session)
	if err != nil {
		// Spawn failure happens before finalisation: the queue's own
		// retry accounting handles this, not the runner (spec.md §7).
		return fmt.Errorf("runner: spawn: %w", err)
	}

	// agentrun.Process does not expose pid/tmux session synchronously —
	// they arrive on the first MessageInit (see drive's capture of
	// msg.Process), the same handshake-dependent timing the teacher's
	// own InitMeta/ProcessMeta capture relies on.
	if err := st.MarkRunning(ctx, executionID, workerID, 0, "", logPath, session.Prompt); err != nil {
		_ = proc.Stop(ctx)
		return fmt.Errorf("runner: mark running: %w", err)
	}

	outcome := r.drive(ctx, st, executionID, capability, proc, lw)

	return r.finalize(ctx, executionID, outcome, logPath)
}

// runOutcome is the raw result of driving one child to completion,
// before terminal-status computation. signalledBy is written from the
// timeout timer and cancel-watch goroutines concurrently with the output
// loop that sets outputExceeded, so both are atomics rather than plain
// fields.
type runOutcome struct {
	exitErr        error
	outputExceeded atomic.Bool
	signalledBy    atomic.Value // string: "timeout" | "cancel" | ""
}

func (o *runOutcome) signal() string {
	if v, ok := o.signalledBy.Load().(string); ok {
		return v
	}
	return ""
}

// drive wires the output/message/timeout machinery (§4.3 steps 7-10)
// and blocks until the child exits.
func (r *Runner) drive(ctx context.Context, st *store.Store, executionID uuid.UUID, capability store.Capability, proc agentrun.Process, lw *logwriter.Writer) *runOutcome {
	outcome := &runOutcome{}
	sawSessionRef := false

	msgCtx, cancelMsgPoll := context.WithCancel(ctx)
	defer cancelMsgPoll()
	go r.pollMessages(msgCtx, executionID, proc)

	var timeoutTimer *time.Timer
	if capability.TimeoutSec > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(capability.TimeoutSec)*time.Second, func() {
			_ = lw.Write(logwriter.StreamSystem, fmt.Sprintf("Timeout after %ds. Sending SIGTERM.", capability.TimeoutSec))
			outcome.signalledBy.Store("timeout")
			graceDone := make(chan struct{})
			go func() {
				_ = proc.Stop(ctx)
				close(graceDone)
			}()
			select {
			case <-graceDone:
			case <-time.After(5 * time.Second):
				_ = lw.Write(logwriter.StreamSystem, "Grace period expired.")
			}
		})
		defer timeoutTimer.Stop()
	}

	cancelWatch, stopCancelWatch := context.WithCancel(ctx)
	defer stopCancelWatch()
	go r.watchForCancel(cancelWatch, st, executionID, proc, lw, outcome)

	for msg := range proc.Output() {
		stream := logwriter.StreamStdout
		if msg.Type == agentrun.MessageError {
			stream = logwriter.StreamStderr
		}
		content := msg.Content
		if content == "" {
			content = msg.RawLine
		}
		if content != "" {
			_ = lw.Write(stream, content)
		}

		if !sawSessionRef && msg.ResumeID != "" {
			sawSessionRef = true
			_ = st.SetSessionRef(ctx, executionID, msg.ResumeID)
		}

		if msg.Type == agentrun.MessageInit && msg.Process != nil {
			var init *store.InitInfo
			if msg.Init != nil {
				init = &store.InitInfo{AgentName: msg.Init.AgentName, Version: msg.Init.AgentVersion, Model: msg.Init.Model}
			}
			_ = st.SetProcessInfo(ctx, executionID, msg.Process.PID, "", init)
		}

		if lw.ByteSize() > capability.MaxOutputBytes && outcome.outputExceeded.CompareAndSwap(false, true) {
			_ = lw.Write(logwriter.StreamSystem, "Output limit exceeded. Terminating.")
			go func() { _ = proc.Stop(ctx) }()
		}
	}

	outcome.exitErr = proc.Err()
	return outcome
}

// watchForCancel polls for the cancelling status set by the cancel API
// and, on seeing it, sends the graceful-then-forceful termination proc.Stop
// already implements.
func (r *Runner) watchForCancel(ctx context.Context, st *store.Store, executionID uuid.UUID, proc agentrun.Process, lw *logwriter.Writer, outcome *runOutcome) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec, err := st.GetExecution(ctx, executionID)
			if err != nil {
				continue
			}
			if exec.Status == store.ExecCancelling {
				outcome.signalledBy.Store("cancel")
				_ = lw.Write(logwriter.StreamSystem, "Cancellation requested. Sending SIGTERM.")
				_ = proc.Stop(ctx)
				return
			}
		}
	}
}

// pollMessages implements §4.3 step 8: poll the message-drop directory
// every 500ms, process the lexicographically smallest *.msg file, delete
// it before sending to prevent double delivery, and keep only one
// message in flight at a time.
func (r *Runner) pollMessages(ctx context.Context, executionID uuid.UUID, proc agentrun.Process) {
	dir := filepath.Join(MessageDropDir, executionID.String())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".msg") {
					names = append(names, e.Name())
				}
			}
			if len(names) == 0 {
				continue
			}
			sort.Strings(names)
			path := filepath.Join(dir, names[0])
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			_ = os.Remove(path)
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_ = proc.Send(sendCtx, string(data))
			cancel()
		}
	}
}

// rejectBeforeSpawn never creates a process; the execution stays
// `queued` and the caller surfaces the typed error to the API boundary.
func rejectBeforeSpawn(cause error) error {
	if apperr.KindOf(cause) == apperr.Internal {
		return apperr.Wrap(apperr.Internal, "execution rejected before spawn", cause)
	}
	return cause
}

// finalize implements the race-guarded terminal update (§4.3 step 12).
func (r *Runner) finalize(ctx context.Context, executionID uuid.UUID, outcome *runOutcome, logPath string) error {
	st := r.deps.Store

	status, exitCode, reason := computeTerminalStatus(outcome)
	costUSD, numTurns, durationMS := scanPostMortem(logPath)

	ok, err := st.Finalize(ctx, executionID, store.FinalizeResult{
		Status:        status,
		ExitCode:      exitCode,
		FailureReason: reason,
		CostUSD:       costUSD,
		NumTurns:      numTurns,
		DurationMS:    durationMS,
	})
	if err != nil {
		return fmt.Errorf("runner: finalize: %w", err)
	}
	if ok {
		return nil
	}

	// Zero rows matched: reload and, if cancelling, finalize as
	// cancelled without the "still running" guard — this is what
	// prevents the runner from clobbering a concurrent cancel.
	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("runner: reload after finalize race: %w", err)
	}
	if exec.Status == store.ExecCancelling {
		return st.FinalizeCancelling(ctx, executionID, exitCode)
	}
	return nil
}

// computeTerminalStatus applies spec.md §4.3's terminal-status table.
func computeTerminalStatus(outcome *runOutcome) (status store.ExecutionStatus, exitCode *int, reason string) {
	if outcome.outputExceeded.Load() {
		return store.ExecFailed, nil, "output limit exceeded"
	}

	var exitErr *agentrun.ExitError
	switch {
	case outcome.exitErr == nil:
		code := 0
		return store.ExecSucceeded, &code, ""
	case errors.As(outcome.exitErr, &exitErr):
		code := exitErr.Code
		return store.ExecFailed, &code, outcome.exitErr.Error()
	case outcome.signal() == "timeout":
		return store.ExecTimedOut, nil, fmt.Sprintf("timeout: %v", outcome.exitErr)
	default:
		return store.ExecFailed, nil, outcome.exitErr.Error()
	}
}

// claudeResult mirrors the subset of Claude's NDJSON `result` record
// the post-mortem scan cares about (§4.3 step 11).
type claudeResult struct {
	Type        string  `json:"type"`
	Subtype     string  `json:"subtype"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns    int     `json:"num_turns"`
	DurationMS  int64   `json:"duration_ms"`
}

// scanPostMortem re-reads the log file for a terminal usage record and
// extracts cost/turns/duration, additive to spec.md's named fields
// (see SPEC_FULL.md supplemented features).
func scanPostMortem(logPath string) (costUSD *float64, numTurns *int, durationMS *int64) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, nil, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "{")
		if idx < 0 {
			continue
		}
		var r claudeResult
		if err := json.Unmarshal([]byte(line[idx:]), &r); err != nil {
			continue
		}
		if r.Type == "result" && r.Subtype == "success" {
			cost := r.TotalCostUSD
			turns := r.NumTurns
			dur := r.DurationMS
			costUSD, numTurns, durationMS = &cost, &turns, &dur
		}
	}
	return costUSD, numTurns, durationMS
}
