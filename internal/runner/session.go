package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/engine/cli/claude"
	"github.com/agendo/execcore/internal/adapter"
	"github.com/agendo/execcore/internal/heartbeat"
	"github.com/agendo/execcore/internal/logwriter"
	"github.com/agendo/execcore/internal/safety"
	"github.com/agendo/execcore/internal/statemachine"
	"github.com/agendo/execcore/internal/store"
)

// TeamInboxDir is the root of the shared filesystem channel peer
// sessions use to deliver synthetic user turns to one another, per
// spec.md §4.4's "team inbox" paragraph.
const TeamInboxDir = "/tmp/agendo-team-inbox"

// DefaultIdleTimeout is how long a session may sit with no tool
// activity, teammate message, or user message before the supervisor
// transitions it to idle and tears the adapter down.
const DefaultIdleTimeout = 30 * time.Minute

// permissionModeExt marks a set-permission-mode signal, delivered through the same message-drop
// directory pollMessages already watches, distinguished by its file
// extension: *.permmode instead of *.msg.
const permissionModeExt = ".permmode"

// RunSession is the runSession(sessionId, workerId) contract from
// spec.md §4.4. It blocks until the session ends (the adapter exits on
// its own, or TerminateSession is requested externally), driving a
// SessionProcess supervisor that may transparently restart the
// underlying adapter across a set-permission-mode change.
func (r *Runner) RunSession(ctx context.Context, sessionID uuid.UUID, workerID string) error {
	st := r.deps.Store
	log := r.deps.Log.With().Str("session_id", sessionID.String()).Logger()

	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("runner: load session: %w", err)
	}
	agent, err := st.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return fmt.Errorf("runner: load agent: %w", err)
	}
	capability, err := st.GetCapability(ctx, sess.CapabilityID)
	if err != nil {
		return fmt.Errorf("runner: load capability: %w", err)
	}
	task, err := st.GetTask(ctx, sess.TaskID)
	if err != nil {
		return fmt.Errorf("runner: load task: %w", err)
	}

	resolvedDir, err := safety.ValidateWorkingDir(agent.DefaultWorkDir, r.deps.AllowedWorkingDirs)
	if err != nil {
		return rejectBeforeSpawn(err)
	}
	if err := safety.ValidateBinary(agent.BinaryPath); err != nil {
		return rejectBeforeSpawn(err)
	}

	eng, err := adapter.For(agent, capability)
	if err != nil {
		return rejectBeforeSpawn(err)
	}

	logPath := logwriter.Path(r.deps.LogDir, sessionID, time.Now())
	lw, err := logwriter.Open(logPath, func(byteSize, lineCount int64) error { return nil })
	if err != nil {
		return fmt.Errorf("runner: open log writer: %w", err)
	}
	defer lw.Close()

	sp := &sessionProcess{
		runner:      r,
		store:       st,
		sessionID:   sessionID,
		workerID:    workerID,
		agent:       agent,
		capability:  capability,
		task:        task,
		eng:         eng,
		cwd:         resolvedDir,
		lw:          lw,
		log:         log,
		idleTimeout: DefaultIdleTimeout,
	}
	if sp.idleTimeout <= 0 {
		sp.idleTimeout = DefaultIdleTimeout
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go heartbeat.SessionTicker(hbCtx, st, sessionID, r.deps.HeartbeatInterval, log)

	return sp.run(ctx, sess.PermissionMode, sess.ResumeRef)
}

// sessionProcess is the SessionProcess supervisor from spec.md §4.4: it
// owns the session's status machine, forwards adapter output to the log,
// watches for inbound messages (user and teammate), throttles an idle
// timeout reset on activity, and restarts the adapter under a new
// permission mode without tearing down the session record.
type sessionProcess struct {
	runner     *Runner
	store      *store.Store
	sessionID  uuid.UUID
	workerID   string
	agent      store.Agent
	capability store.Capability
	task       store.Task
	eng        agentrun.Engine
	cwd        string
	lw         *logwriter.Writer
	log        zerolog.Logger
	idleTimeout time.Duration
}

// run drives the adapter to completion, transparently restarting it
// whenever a set-permission-mode control message asks for a different
// mode, until the adapter exits for good or the session is externally
// terminated.
func (sp *sessionProcess) run(ctx context.Context, permissionMode, resumeRef string) error {
	st := sp.runner.deps.Store

	if err := statemachine.CheckSessionTransition(store.SessionStarting, store.SessionActive); err != nil {
		return err
	}

	for {
		restart, err := sp.runOneAdapterLifetime(ctx, permissionMode, resumeRef)
		if err != nil {
			_ = st.SetSessionStatus(ctx, sp.sessionID, store.SessionEnded)
			return err
		}
		if restart == nil {
			_ = st.SetSessionStatus(ctx, sp.sessionID, store.SessionEnded)
			return nil
		}
		permissionMode = restart.permissionMode
		resumeRef = restart.resumeRef
	}
}

// restartRequest carries the parameters for the next adapter lifetime
// after a graceful set-permission-mode terminate-and-restart.
type restartRequest struct {
	permissionMode string
	resumeRef      string
}

// runOneAdapterLifetime spawns one adapter instance and drives it until
// it exits, it is asked to restart under a new permission mode, or the
// session is asked to terminate. A nil, nil return means the adapter
// exited and the session is over; a non-nil restartRequest means the
// caller should loop and spawn again.
func (sp *sessionProcess) runOneAdapterLifetime(ctx context.Context, permissionMode, resumeRef string) (*restartRequest, error) {
	st := sp.runner.deps.Store

	session := agentrun.Session{
		ID:      sp.sessionID.String(),
		AgentID: sp.agent.Name,
		CWD:     sp.cwd,
		Env:     safety.BuildChildEnv(sp.agent.EnvAllowlist, sp.task.InputContext.EnvOverrides),
		Prompt:  ResolvePrompt(sp.capability.PromptTemplate, sp.task, sp.task.InputContext.Args),
		Options: map[string]string{},
	}
	if permissionMode != "" {
		session.Options[claude.OptionPermissionMode] = permissionMode
	}
	if resumeRef != "" {
		session.Options[agentrun.OptionResumeID] = resumeRef
	}

	proc, err := sp.eng.Start(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("runner: session spawn: %w", err)
	}

	if err := st.MarkSessionRunning(ctx, sp.sessionID, sp.workerID, 0, "", sp.lw.FilePath(), resumeRef); err != nil {
		_ = proc.Stop(ctx)
		return nil, fmt.Errorf("runner: mark session running: %w", err)
	}

	lifeCtx, cancelLife := context.WithCancel(ctx)
	defer cancelLife()

	idleTimer := time.NewTimer(sp.idleTimeout)
	defer idleTimer.Stop()
	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(sp.idleTimeout)
	}

	restartCh := make(chan restartRequest, 1)
	terminateCh := make(chan struct{}, 1)

	go sp.pollInbox(lifeCtx, proc, resetIdle, restartCh, terminateCh)
	go sp.pollTeammates(lifeCtx, proc, resetIdle)
	go sp.watchTerminate(lifeCtx, terminateCh)

	status := store.SessionActive
	_ = st.SetSessionStatus(ctx, sp.sessionID, status)

	sawSessionRef := false
	for {
		// A plain select gives terminateCh and restartCh equal odds when both
		// are ready in the same tick. Cancellation must win outright (spec.md
		// §9: "terminating wins" over a permission-mode restart), so check
		// terminateCh non-blocking before the main select on every iteration.
		select {
		case <-terminateCh:
			stopAndDrain(proc)
			cancelLife()
			return nil, nil
		default:
		}

		select {
		case msg, ok := <-proc.Output():
			if !ok {
				cancelLife()
				if exitErr := proc.Err(); exitErr != nil {
					sp.log.Warn().Err(exitErr).Msg("session adapter exited with error")
				}
				return nil, nil
			}
			sp.forward(ctx, msg, &sawSessionRef, &status, resetIdle)

		case <-idleTimer.C:
			_ = sp.lw.Write(logwriter.StreamSystem, "Idle timeout. Parking session.")
			_ = st.SetSessionStatus(ctx, sp.sessionID, store.SessionIdle)
			stopAndDrain(proc)
			cancelLife()
			return nil, nil

		case req := <-restartCh:
			_ = sp.lw.Write(logwriter.StreamSystem, fmt.Sprintf("Restarting under permission mode %q.", req.permissionMode))
			stopAndDrain(proc)
			cancelLife()
			return &req, nil

		case <-terminateCh:
			stopAndDrain(proc)
			cancelLife()
			return nil, nil

		case <-ctx.Done():
			stopAndDrain(proc)
			cancelLife()
			return nil, ctx.Err()
		}
	}
}

// forward writes one adapter message to the log, captures the resume
// ref on first sight, and updates the active/awaiting_input status: a
// tool_use, tool_result, or delta keeps the session active and resets
// the idle timer; a result moves it to awaiting_input; any other message
// leaves the status unchanged.
func (sp *sessionProcess) forward(ctx context.Context, msg agentrun.Message, sawSessionRef *bool, status *store.SessionStatus, resetIdle func()) {
	stream := logwriter.StreamStdout
	if msg.Type == agentrun.MessageError {
		stream = logwriter.StreamStderr
	}
	content := msg.Content
	if content == "" {
		content = msg.RawLine
	}
	if content != "" {
		_ = sp.lw.Write(stream, content)
	}

	if !*sawSessionRef && msg.ResumeID != "" {
		*sawSessionRef = true
		_ = sp.store.SetSessionRef(ctx, sp.sessionID, msg.ResumeID)
	}

	switch msg.Type {
	case agentrun.MessageToolUse, agentrun.MessageToolResult, agentrun.MessageTextDelta, agentrun.MessageThinkingDelta, agentrun.MessageToolUseDelta:
		resetIdle()
		if *status != store.SessionActive {
			*status = store.SessionActive
			_ = sp.store.SetSessionStatus(ctx, sp.sessionID, *status)
		}
	case agentrun.MessageResult:
		if *status != store.SessionAwaitingInput {
			*status = store.SessionAwaitingInput
			_ = sp.store.SetSessionStatus(ctx, sp.sessionID, *status)
		}
	}
}

// pollInbox polls the per-session message-drop directory for inbound
// user messages and for the set-permission-mode control file, the same
// convention the execution runner's pollMessages uses for user turns,
// extended with a distinct suffix for control messages (§4.4).
func (sp *sessionProcess) pollInbox(ctx context.Context, proc agentrun.Process, resetIdle func(), restartCh chan<- restartRequest, terminateCh chan<- struct{}) {
	dir := filepath.Join(MessageDropDir, sp.sessionID.String())
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
				if !e.IsDir() {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				path := filepath.Join(dir, name)
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				_ = os.Remove(path)

				if strings.HasSuffix(name, permissionModeExt) {
					select {
					case restartCh <- restartRequest{permissionMode: strings.TrimSpace(string(data))}:
					default:
					}
					return
				}

				resetIdle()
				sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				_ = proc.Send(sendCtx, string(data))
				cancel()
			}
		}
	}
}

// pollTeammates watches this session's team-inbox directory (a channel
// peer sessions write to, keyed by this session's ID) and injects any
// message found as a synthetic user turn, resetting the idle timer —
// spec.md §4.4's team inbox paragraph.
func (sp *sessionProcess) pollTeammates(ctx context.Context, proc agentrun.Process, resetIdle func()) {
	dir := filepath.Join(TeamInboxDir, sp.sessionID.String())
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
			resetIdle()
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_ = proc.Send(sendCtx, string(data))
			cancel()
		}
	}
}

// watchTerminate polls the session row for an externally requested
// 'ended' status (the session equivalent of the execution runner's
// cancel watch) and signals the main loop to stop the adapter.
func (sp *sessionProcess) watchTerminate(ctx context.Context, terminateCh chan<- struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess, err := sp.store.GetSession(ctx, sp.sessionID)
			if err != nil {
				continue
			}
			if sess.Status == store.SessionEnded {
				select {
				case terminateCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// stopAndDrain sends the adapter's termination signal and discards any
// output it still emits before exiting, so the supervisor never returns
// while a previous adapter instance is mid-shutdown. Stop's own grace
// period is independent of the caller's context, so a cancelled outer
// ctx can't race this with a leaked goroutine still writing to a closed
// log.
func stopAndDrain(proc agentrun.Process) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proc.Stop(stopCtx)
	for range proc.Output() {
	}
}
