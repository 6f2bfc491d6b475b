//go:build !windows

// Package template implements the trivial fire-and-forget adapter (C9)
// for non-AI CLI tools: split the command into binary+args, spawn it
// directly with no shell, pipe stdout/stderr to the output channel, and
// close stdin immediately. There is no protocol to speak and no resume
// path — unlike engine/cli's Backend, template sessions never send a
// follow-up turn.
package template

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agendo/execcore"
)

// Engine is the template (C9) adapter: a pure Spawner with no protocol.
type Engine struct{}

var _ agentrun.Engine = (*Engine)(nil)

// NewEngine returns a template Engine.
func NewEngine() *Engine { return &Engine{} }

// Validate is a no-op: the binary named by each session's own argv is
// checked at spawn time, not ahead of time against a single fixed binary.
func (e *Engine) Validate() error { return nil }

// Start spawns the argv stored in session.Options[OptionArgv] (already
// substituted, see internal/safety.BuildCommandArgs) as argv[0] plus args,
// with the environment and cwd from the session.
func (e *Engine) Start(_ context.Context, session agentrun.Session, opts ...agentrun.Option) (agentrun.Process, error) {
	_ = agentrun.ResolveOptions(opts...)

	if session.Options[agentrun.OptionResumeID] != "" {
		return nil, fmt.Errorf("template: resume is not supported for template-mode capabilities")
	}

	binary, argv := splitArgv(session)
	if binary == "" {
		return nil, fmt.Errorf("template: no command configured")
	}

	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", agentrun.ErrUnavailable, binary, err)
	}

	cmd := exec.Command(resolved, argv...)
	cmd.Dir = session.CWD
	cmd.Env = envSlice(session.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("template: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("template: stderr pipe: %w", err)
	}
	cmd.Stdin = nil // stdin is closed: template sessions never read input.

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", agentrun.ErrUnavailable, err)
	}

	p := &process{
		cmd:     cmd,
		output:  make(chan agentrun.Message, 64),
		done:    make(chan struct{}),
		cmdDone: make(chan struct{}, 2),
	}
	go p.pump(stdout, agentrun.MessageText)
	go p.pump(stderr, agentrun.MessageError)
	go p.wait()
	return p, nil
}

// splitArgv returns the binary name and argument list from the
// session. The runner stores the resolved command_tokens (already
// substituted by internal/safety.BuildCommandArgs) in
// session.Options[OptionArgv], joined with NUL separators, to avoid re-splitting a
// string that may itself contain spaces inside an argument.
const OptionArgv = "template.argv_nul"

func splitArgv(session agentrun.Session) (binary string, args []string) {
	joined := session.Options[OptionArgv]
	if joined == "" {
		return "", nil
	}
	parts := splitNUL(joined)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func splitNUL(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// process implements agentrun.Process for a template-mode subprocess.
type process struct {
	cmd    *exec.Cmd
	output chan agentrun.Message

	mu       sync.Mutex
	done     chan struct{}
	cmdDone  chan struct{}
	termErr  error
	finished bool
}

var _ agentrun.Process = (*process)(nil)

func (p *process) Output() <-chan agentrun.Message { return p.output }

// Send is unsupported: template mode has no bidirectional channel.
func (p *process) Send(ctx context.Context, message string) error {
	return fmt.Errorf("%w: template adapter has no send path", agentrun.ErrSendNotSupported)
}

// Stop sends SIGTERM, waiting briefly before SIGKILL.
func (p *process) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := signalProcess(p.cmd.Process, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return signalProcess(p.cmd.Process, syscall.SIGKILL)
}

func (p *process) Wait() error {
	<-p.done
	return p.termErr
}

func (p *process) Err() error {
	<-p.done
	return p.termErr
}

func (p *process) pump(r io.Reader, msgType agentrun.MessageType) {
	defer func() { p.cmdDone <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.output <- agentrun.Message{
			Type:      msgType,
			Content:   scanner.Text(),
			RawLine:   scanner.Text(),
			Timestamp: time.Now(),
		}
	}
}

func (p *process) wait() {
	<-p.cmdDone
	<-p.cmdDone
	err := p.cmd.Wait()

	p.mu.Lock()
	if !p.finished {
		p.finished = true
		if err != nil {
			p.termErr = err
		}
		close(p.output)
		close(p.done)
	}
	p.mu.Unlock()
}

func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
