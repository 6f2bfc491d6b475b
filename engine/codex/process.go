//go:build !windows

package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/engine/jsonrpc"
)

// process implements agentrun.Process for the Codex app-server protocol.
//
// Unlike a spawn-per-turn (Resumer-only) CLI backend, the app-server subprocess is
// long-lived: one thread/start (or thread/resume) handshake opens a thread,
// and each Send is a turn/start against that same thread.
type process struct {
	conn *jsonrpc.Conn
	cmd  *exec.Cmd // immutable after newProcess returns
	stdin io.WriteCloser

	threadID atomic.Pointer[string]
	turnMu   sync.Mutex // serializes Send/turn bookkeeping
	turnID   string     // guarded by turnMu

	output       chan agentrun.Message
	outputMu     sync.Mutex
	outputClosed bool
	done         chan struct{}

	opts EngineOptions

	termErr    error
	stopping   atomic.Bool
	stopOnce   sync.Once
	finishOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

var _ agentrun.Process = (*process)(nil)

func newProcess(cmd *exec.Cmd, stdin io.WriteCloser, opts EngineOptions) *process {
	ctx, cancel := context.WithCancel(context.Background())
	return &process{
		cmd:    cmd,
		stdin:  stdin,
		opts:   opts,
		output: make(chan agentrun.Message, opts.OutputBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *process) Output() <-chan agentrun.Message { return p.output }

// Send starts a new turn on the existing thread, carrying text as the sole
// input item. Blocks until turn/start's response (turnId capture) returns;
// the turn's own output arrives asynchronously as notifications and a
// final turn/completed.
func (p *process) Send(ctx context.Context, message string) error {
	if p.stopping.Load() {
		return agentrun.ErrTerminated
	}
	select {
	case <-p.done:
		return agentrun.ErrTerminated
	default:
	}

	p.turnMu.Lock()
	defer p.turnMu.Unlock()

	if p.stopping.Load() {
		return agentrun.ErrTerminated
	}

	threadID := p.currentThreadID()
	params := turnStartParams{
		ThreadID: threadID,
		Input:    []turnInputItem{{Type: "text", Text: message}},
	}
	var result turnResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.conn.Call(ctx, MethodTurnStart, params, &result)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("codex: turn/start: %w", err)
		}
		if result.TurnID != "" {
			p.turnID = result.TurnID
		}
		return nil
	case <-p.done:
		return agentrun.ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels the in-flight turn, if any.
func (p *process) Interrupt(ctx context.Context) error {
	p.turnMu.Lock()
	turnID := p.turnID
	p.turnMu.Unlock()
	if turnID == "" {
		return nil
	}
	return p.conn.Notify(MethodTurnInterrupt, turnInterruptParams{
		ThreadID: p.currentThreadID(),
		TurnID:   turnID,
	})
}

func (p *process) currentThreadID() string {
	if v := p.threadID.Load(); v != nil {
		return *v
	}
	return ""
}

func (p *process) setThreadID(id string) {
	p.threadID.Store(&id)
}

func (p *process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		p.cancel()

		_ = signalProcess(p.cmd.Process, syscall.SIGTERM)

		select {
		case <-p.done:
		case <-time.After(p.opts.GracePeriod):
			_ = signalProcess(p.cmd.Process, os.Kill)
			<-p.done
		case <-ctx.Done():
			_ = signalProcess(p.cmd.Process, os.Kill)
			<-p.done
		}
	})

	<-p.done
	return p.termErr
}

func (p *process) Wait() error {
	<-p.done
	return p.termErr
}

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.termErr
	default:
		return nil
	}
}

func (p *process) emit(msg agentrun.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	p.outputMu.Lock()
	defer p.outputMu.Unlock()
	if p.outputClosed {
		return
	}
	select {
	case p.output <- msg:
	case <-p.ctx.Done():
	}
}

func (p *process) finish(err error) {
	p.finishOnce.Do(func() {
		if p.stopping.Load() {
			err = agentrun.ErrTerminated
		}
		p.termErr = err
		p.cancel()

		close(p.done)

		p.outputMu.Lock()
		p.outputClosed = true
		close(p.output)
		p.outputMu.Unlock()
	})
}

func (p *process) waitCmd() error { return p.cmd.Wait() }

func (p *process) kill() {
	p.stopping.Store(true)
	p.cancel()
	_ = signalProcess(p.cmd.Process, os.Kill)
	<-p.done
}

// signalProcess sends sig to a process, returning nil if it has already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wrapExitError converts a non-zero *exec.ExitError to *agentrun.ExitError.
// NOTE: intentionally duplicated in engine/cli and engine/acp — keep in sync.
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == 0 {
		return nil
	}
	return &agentrun.ExitError{Code: code, Err: err}
}

func (p *process) processMetaSnapshot() *agentrun.ProcessMeta {
	if p.cmd == nil || p.cmd.Process == nil || p.cmd.Process.Pid <= 0 {
		return nil
	}
	return &agentrun.ProcessMeta{PID: p.cmd.Process.Pid, Binary: p.cmd.Path}
}

// --- Handshake ---

// handshake performs initialize, initialized, thread/start or thread/resume,
// and the first turn/start, emitting MessageInit once the thread ID is known.
//
// Per the redesign note in the original design: the first turn/start is
// driven directly from the thread/start response rather than a fixed delay,
// which avoids the handshake race flagged as an open question.
func (p *process) handshake(ctx context.Context, session agentrun.Session, resumeID string) error {
	var initResult initializeResult
	if err := p.conn.Call(ctx, MethodInitialize, initializeParams{
		ClientInfo: implementation{Name: "agendo", Version: "0.1.0"},
	}, &initResult); err != nil {
		return fmt.Errorf("codex: initialize: %w", err)
	}
	if err := p.conn.Notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("codex: initialized: %w", err)
	}

	var tr threadResult
	if resumeID != "" {
		if err := p.conn.Call(ctx, MethodThreadResume, threadResumeParams{ThreadID: resumeID}, &tr); err != nil {
			return fmt.Errorf("%w: thread/resume: %w", agentrun.ErrSessionNotFound, err)
		}
		if tr.ThreadID == "" {
			tr.ThreadID = resumeID
		}
	} else {
		if err := p.conn.Call(ctx, MethodThreadStart, threadStartParams{
			Model:          session.Model,
			CWD:            session.CWD,
			ApprovalPolicy: approvalPolicyAutoEdit,
		}, &tr); err != nil {
			return fmt.Errorf("codex: thread/start: %w", err)
		}
	}
	if tr.ThreadID == "" {
		return fmt.Errorf("codex: thread id missing from handshake response")
	}
	p.setThreadID(tr.ThreadID)

	p.emit(agentrun.Message{
		Type:     agentrun.MessageInit,
		ResumeID: tr.ThreadID,
		Init: &agentrun.InitMeta{
			AgentName: initAgentName(initResult.AgentInfo),
			Model:     session.Model,
		},
		Process:   p.processMetaSnapshot(),
		Timestamp: time.Now(),
	})

	prompt := session.Prompt
	if prompt == "" {
		return nil
	}
	return p.Send(ctx, prompt)
}

func initAgentName(info *implementation) string {
	if info == nil {
		return ""
	}
	return info.Name
}

// --- Notification handling ---

// wireReadLoop registers notification/method handlers and launches ReadLoop.
func wireReadLoop(conn *jsonrpc.Conn, p *process) {
	p.conn = conn

	conn.OnNotification(MethodAgentMessageDelta, func(raw json.RawMessage) {
		var params agentMessageDeltaParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		p.emit(agentrun.Message{Type: agentrun.MessageTextDelta, Content: params.Delta})
	})

	conn.OnNotification(MethodCommandOutputDelta, func(raw json.RawMessage) {
		var params commandOutputDeltaParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		p.emit(agentrun.Message{Type: agentrun.MessageToolResult, Content: params.Delta})
	})

	conn.OnNotification(MethodTurnCompleted, func(raw json.RawMessage) {
		var params turnCompletedParams
		_ = json.Unmarshal(raw, &params)
		p.turnMu.Lock()
		p.turnID = ""
		p.turnMu.Unlock()

		msg := agentrun.Message{Type: agentrun.MessageResult, StopReason: agentrun.StopEndTurn}
		if u := params.Usage; u != nil && (u.InputTokens != 0 || u.OutputTokens != 0 || u.CachedInputTokens != 0) {
			msg.Usage = &agentrun.Usage{
				InputTokens:     u.InputTokens,
				OutputTokens:    u.OutputTokens,
				CacheReadTokens: u.CachedInputTokens,
			}
		}
		p.emit(msg)
	})

	// item/commandExecution/requestApproval is a notification, not a method
	// call — the app-server does not wait for an id-bearing response, it
	// expects the approval as a separate outgoing item/commandExecution/approve
	// notification. Codex commands execute under the sandbox's own policy,
	// and the core's safety module has already validated the working
	// directory and binary, so approval requests are auto-approved here.
	conn.OnNotification(MethodCommandApprovalReq, func(raw json.RawMessage) {
		var req commandApprovalRequestParams
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		_ = conn.Notify(MethodCommandApprove, commandApproveParams{ID: req.ID, Approved: true})
	})

	// Any other notification this adapter doesn't understand is forwarded
	// as a diagnostic system line rather than silently dropped.
	conn.OnUnhandledNotification(func(method string, raw json.RawMessage) {
		p.emit(agentrun.Message{
			Type:    agentrun.MessageSystem,
			Content: fmt.Sprintf("unrecognized notification %s: %s", method, string(raw)),
		})
	})

	go func() {
		conn.ReadLoop()
		p.finish(wrapExitError(p.waitCmd()))
	}()
}
