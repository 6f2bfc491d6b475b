// Package worker implements the worker process loop (C2): startup
// validation and zombie reconciliation, registering the execution and
// session handlers on the durable queue, the background heartbeat and
// stale-reaper tickers, and a graceful, signal-driven shutdown.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agendo/execcore/internal/config"
	"github.com/agendo/execcore/internal/heartbeat"
	"github.com/agendo/execcore/internal/queue"
	"github.com/agendo/execcore/internal/runner"
	"github.com/agendo/execcore/internal/store"
)

// minFreeDiskBytes is the 5 GiB startup floor from spec.md §4.2.
const minFreeDiskBytes = 5 * 1 << 30

// executionBatchSize and sessionBatchSize cap how many jobs a single
// poll claims per queue; sessions are long-lived so a worker claims at
// most a handful at a time relative to WorkerMaxConcurrentJob.
const (
	executionBatchSize = 4
	sessionBatchSize   = 2
)

// ExecutionPayload is the execute-capability queue job body.
type ExecutionPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

// SessionPayload is the run-session queue job body.
type SessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Worker owns one process's share of the durable queue: it claims jobs,
// runs them through the runner, and tracks liveness of both itself and
// anything it currently has in flight so shutdown can be orderly.
type Worker struct {
	cfg    config.Config
	store  *store.Store
	queue  *queue.Gateway
	runner *runner.Runner
	log    zerolog.Logger

	mu       sync.Mutex
	running  int
	sessions map[uuid.UUID]context.CancelFunc
}

// New wires a Worker from its already-open collaborators.
func New(cfg config.Config, st *store.Store, gw *queue.Gateway, rn *runner.Runner, log zerolog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		queue:    gw,
		runner:   rn,
		log:      log,
		sessions: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run performs startup validation and zombie reconciliation, registers
// handlers, starts the background tickers, and blocks until a
// termination signal arrives or ctx is cancelled, at which point it
// drains in-flight work and returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := checkFreeDisk(w.cfg.LogDir, minFreeDiskBytes); err != nil {
		return fmt.Errorf("worker: startup disk check: %w", err)
	}

	if err := w.reconcileZombies(ctx); err != nil {
		return fmt.Errorf("worker: zombie reconciliation: %w", err)
	}

	w.queue.RegisterHandler(queue.ExecuteCapability, executionBatchSize, w.cfg.WorkerPollInterval, w.handleExecution)
	w.queue.RegisterHandler(queue.RunSession, sessionBatchSize, w.cfg.WorkerPollInterval, w.handleSession)
	w.queue.Run(ctx, w.cfg.WorkerMaxConcurrentJob)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go heartbeat.WorkerTicker(hbCtx, w.store, w.cfg.WorkerID, 30*time.Second, w.loadCounts, w.log)

	reaper := &heartbeat.Reaper{
		Store:     w.store,
		Threshold: w.cfg.StaleJobThreshold,
		Kill:      w.killOrphanSession,
		Log:       w.log,
	}
	go reaper.Run(hbCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		w.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	w.shutdown()
	return nil
}

// reconcileZombies is startup step 3 from spec.md §4.2: executions and
// sessions this worker id still owns from a previous, crashed process
// are resolved before any new work is claimed.
func (w *Worker) reconcileZombies(ctx context.Context) error {
	execs, err := w.store.ListZombieExecutions(ctx, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.PID > 0 && processAlive(e.PID) {
			_ = terminateProcess(e.PID)
			w.log.Warn().Str("execution_id", e.ID.String()).Int("pid", e.PID).Msg("zombie execution: signalled live orphan")
			continue
		}
		if err := w.store.MarkFailed(ctx, e.ID, "worker restarted, execution orphaned"); err != nil {
			w.log.Error().Err(err).Str("execution_id", e.ID.String()).Msg("zombie execution: mark failed")
		}
	}

	sessions, err := w.store.ListZombieSessions(ctx, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.PID > 0 && processAlive(sess.PID) {
			_ = terminateProcess(sess.PID)
		}
		if sess.SessionRef != "" {
			if err := w.store.SetSessionStatus(ctx, sess.ID, store.SessionIdle); err != nil {
				w.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("zombie session: idle transition")
			}
			continue
		}
		if err := w.store.SetSessionStatus(ctx, sess.ID, store.SessionEnded); err != nil {
			w.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("zombie session: end transition")
		}
	}
	return nil
}

func (w *Worker) handleExecution(ctx context.Context, payload []byte) error {
	var p ExecutionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("worker: decode execution payload: %w", err)
	}
	w.trackRunning(1)
	defer w.trackRunning(-1)
	return w.runner.RunExecution(ctx, p.ExecutionID, w.cfg.WorkerID)
}

func (w *Worker) handleSession(ctx context.Context, payload []byte) error {
	var p SessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("worker: decode session payload: %w", err)
	}
	sessCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.sessions[p.SessionID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.sessions, p.SessionID)
		w.mu.Unlock()
		cancel()
	}()

	w.trackRunning(1)
	defer w.trackRunning(-1)
	return w.runner.RunSession(sessCtx, p.SessionID, w.cfg.WorkerID)
}

func (w *Worker) trackRunning(delta int) {
	w.mu.Lock()
	w.running += delta
	w.mu.Unlock()
}

func (w *Worker) loadCounts() (running, queued int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running, 0
}

// killOrphanSession is the heartbeat.KillFunc the reaper invokes after
// it has atomically idled a session with a stale heartbeat: it cancels
// this worker's in-process supervisor for the session, if any is still
// running here, and sends SIGTERM to the session's recorded pid, if any,
// whichever worker claimed it.
func (w *Worker) killOrphanSession(sess store.Session) {
	w.mu.Lock()
	cancel, ok := w.sessions[sess.ID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	if sess.PID > 0 {
		_ = terminateProcess(sess.PID)
	}
}

// shutdown is the termination sequence from spec.md §4.2: mark live
// sessions as terminating before anything else (a process-group signal
// reaches the children too, and the exit callback needs to already know
// the kill is intentional), stop polling, wait up to 25 s for in-flight
// handlers, then force-terminate whatever remains.
func (w *Worker) shutdown() {
	ctx := context.Background()

	w.mu.Lock()
	live := make([]uuid.UUID, 0, len(w.sessions))
	for id := range w.sessions {
		live = append(live, id)
	}
	w.mu.Unlock()
	for _, id := range live {
		if err := w.store.SetSessionStatus(ctx, id, store.SessionEnded); err != nil {
			w.log.Error().Err(err).Str("session_id", id.String()).Msg("shutdown: mark terminating failed")
		}
	}

	w.queue.Shutdown(25 * time.Second)

	w.mu.Lock()
	remaining := make([]context.CancelFunc, 0, len(w.sessions))
	for _, cancel := range w.sessions {
		remaining = append(remaining, cancel)
	}
	w.mu.Unlock()
	for _, cancel := range remaining {
		cancel()
	}

	w.store.Close()
}
