//go:build !windows

// Package codex implements the Codex app-server JSON-RPC protocol: a
// persistent `codex app-server` subprocess exchanging newline-delimited
// JSON-RPC 2.0 messages over stdio, with an explicit thread/turn lifecycle
// (as opposed to Claude's stream-json-over-stdin protocol or Gemini's ACP).
package codex

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/engine/jsonrpc"
)

// Engine communicates with Codex via JSON-RPC 2.0 over a persistent
// subprocess's stdin/stdout.
type Engine struct {
	opts EngineOptions
}

var _ agentrun.Engine = (*Engine)(nil)

// NewEngine creates a Codex engine. Use EngineOption functions to customize
// the binary, buffer sizes, and timeouts.
func NewEngine(opts ...EngineOption) *Engine {
	return &Engine{opts: resolveEngineOptions(opts...)}
}

// Validate checks that the configured binary is available on PATH.
func (e *Engine) Validate() error {
	_, err := exec.LookPath(e.opts.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", agentrun.ErrUnavailable, e.opts.Binary, err)
	}
	return nil
}

// Start spawns `codex app-server`, performs the initialize/thread handshake,
// and — if Session.Prompt is non-empty — starts the first turn before
// returning. Session.Options[agentrun.OptionResumeID] resumes an existing
// thread via thread/resume instead of opening a new one.
func (e *Engine) Start(ctx context.Context, session agentrun.Session, opts ...agentrun.Option) (agentrun.Process, error) {
	startOpts := agentrun.ResolveOptions(opts...)

	session = cloneSession(session)
	if startOpts.Prompt != "" {
		session.Prompt = startOpts.Prompt
	}
	if startOpts.Model != "" {
		session.Model = startOpts.Model
	}

	if session.CWD != "" && !filepath.IsAbs(session.CWD) {
		return nil, fmt.Errorf("codex: CWD must be an absolute path, got %q", session.CWD)
	}

	resolvedBinary, err := exec.LookPath(e.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", agentrun.ErrUnavailable, e.opts.Binary, err)
	}

	cmd := exec.Command(resolvedBinary, "app-server")
	if session.CWD != "" {
		cmd.Dir = session.CWD
	}
	if err := agentrun.ValidateEnv(session.Env); err != nil {
		return nil, fmt.Errorf("codex: %w", err)
	}
	if len(session.Env) > 0 {
		cmd.Env = agentrun.MergeEnv(os.Environ(), session.Env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("codex: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("codex: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("codex: start: %w", err)
	}

	p := newProcess(cmd, stdin, e.opts)
	conn := jsonrpc.New(stdout, stdin, jsonrpc.WithMaxMessageSize(e.opts.MaxMessageSize))
	wireReadLoop(conn, p)

	hsCtx := ctx
	if e.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, e.opts.HandshakeTimeout)
		defer cancel()
	}

	resumeID := session.Options[agentrun.OptionResumeID]
	if err := p.handshake(hsCtx, session, resumeID); err != nil {
		p.kill()
		return nil, err
	}

	return p, nil
}

func cloneSession(s agentrun.Session) agentrun.Session {
	if s.Options != nil {
		s.Options = maps.Clone(s.Options)
	}
	if s.Env != nil {
		s.Env = maps.Clone(s.Env)
	}
	return s
}
