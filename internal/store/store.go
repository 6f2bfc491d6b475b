package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a guarded update matches zero rows because
// the row has moved to an unexpected state concurrently.
var ErrConflict = errors.New("store: conflict")

// Store is a pgx-backed accessor for every domain entity. One Store is
// shared by the worker loop, the runner, the reaper, and the HTTP
// boundary; every exported method is safe for concurrent use, matching
// the pool-held-by-value pattern in youssefsiam38-agentpg's Client.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgxpool.Pool against databaseURL.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for packages (the queue) that need to
// issue their own `FOR UPDATE SKIP LOCKED` claims inside the same
// connection pool rather than layering another abstraction on top.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// --- Agents -----------------------------------------------------------

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	var a Agent
	var env []string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, binary_path, default_work_dir, env_allowlist,
		       max_concurrent, active, created_at
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.BinaryPath, &a.DefaultWorkDir, &env,
			&a.MaxConcurrent, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("store: get agent: %w", err)
	}
	a.EnvAllowlist = env
	return a, nil
}

// --- Capabilities -------------------------------------------------------

func (s *Store) GetCapability(ctx context.Context, id uuid.UUID) (Capability, error) {
	var c Capability
	var tokens []string
	var schemaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, key, interaction_mode, command_tokens,
		       prompt_template, args_schema, danger_level, timeout_sec,
		       max_output_bytes
		FROM capabilities WHERE id = $1`, id).
		Scan(&c.ID, &c.AgentID, &c.Key, &c.InteractionMode, &tokens,
			&c.PromptTemplate, &schemaRaw, &c.DangerLevel, &c.TimeoutSec,
			&c.MaxOutputBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Capability{}, ErrNotFound
	}
	if err != nil {
		return Capability{}, fmt.Errorf("store: get capability: %w", err)
	}
	c.CommandTokens = tokens
	if len(schemaRaw) > 0 {
		if err := json.Unmarshal(schemaRaw, &c.ArgsSchema); err != nil {
			return Capability{}, fmt.Errorf("store: decode args_schema: %w", err)
		}
	}
	return c, nil
}

// --- Tasks --------------------------------------------------------------

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	var t Task
	var ctxRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, status, order_key, input_context,
		       created_at, updated_at
		FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.OrderKey,
			&ctxRaw, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	if len(ctxRaw) > 0 {
		if err := json.Unmarshal(ctxRaw, &t.InputContext); err != nil {
			return Task{}, fmt.Errorf("store: decode input_context: %w", err)
		}
	}
	return t, nil
}

// SetTaskStatus writes a new status unconditionally; callers must check
// the transition against internal/statemachine first.
func (s *Store) SetTaskStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Executions -----------------------------------------------------------

// CreateExecution inserts a new execution row in status `queued`.
func (s *Store) CreateExecution(ctx context.Context, e Execution) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	argsRaw, err := json.Marshal(e.Args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: encode args: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions
		  (id, task_id, agent_id, capability_id, mode, args, status,
		   parent_execution_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,'queued',$7, now())`,
		e.ID, e.TaskID, e.AgentID, e.CapabilityID, e.Mode, argsRaw,
		e.ParentExecutionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create execution: %w", err)
	}
	return e.ID, nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (Execution, error) {
	var e Execution
	var argsRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, agent_id, capability_id, mode, args,
		       resolved_prompt, status, claimant_worker_id, pid,
		       tmux_session, session_ref, parent_execution_id,
		       started_at, ended_at, heartbeat_at, exit_code, log_path,
		       log_byte_size, log_line_count, cost_usd, num_turns,
		       duration_ms, failure_reason, created_at
		FROM executions WHERE id = $1`, id).
		Scan(&e.ID, &e.TaskID, &e.AgentID, &e.CapabilityID, &e.Mode, &argsRaw,
			&e.ResolvedPrompt, &e.Status, &e.ClaimantWorkerID, &e.PID,
			&e.TmuxSession, &e.SessionRef, &e.ParentExecutionID,
			&e.StartedAt, &e.EndedAt, &e.HeartbeatAt, &e.ExitCode, &e.LogPath,
			&e.LogByteSize, &e.LogLineCount, &e.CostUSD, &e.NumTurns,
			&e.DurationMS, &e.FailureReason, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("store: get execution: %w", err)
	}
	if len(argsRaw) > 0 {
		_ = json.Unmarshal(argsRaw, &e.Args)
	}
	return e, nil
}

// CountAgentLoad returns the number of executions owned by agentID that
// are currently `running` or `queued`, for the pre-enqueue concurrency
// cap check (§5). It is explicitly not race-free under concurrent
// enqueues; spec.md accepts that at the intended load profile.
func (s *Store) CountAgentLoad(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM executions
		WHERE agent_id = $1 AND status IN ('queued','running')`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count agent load: %w", err)
	}
	return n, nil
}

// MarkRunning stamps pid/worker/log path and moves the row from `queued`
// to `running`, guarded on the expected prior status.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, workerID string, pid int, tmuxSession, logPath, resolvedPrompt string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = 'running', claimant_worker_id = $2, pid = $3,
		    tmux_session = $4, log_path = $5, resolved_prompt = $6,
		    started_at = now(), heartbeat_at = now()
		WHERE id = $1 AND status = 'queued'`,
		id, workerID, pid, tmuxSession, logPath, resolvedPrompt)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// SetProcessInfo stamps pid/tmux session and, if init is non-nil, the
// additive init-metadata snapshot (agent name/version/model) captured
// from the adapter's handshake message.
func (s *Store) SetProcessInfo(ctx context.Context, id uuid.UUID, pid int, tmuxSession string, init *InitInfo) error {
	var initRaw []byte
	if init != nil {
		var err error
		initRaw, err = json.Marshal(init)
		if err != nil {
			return fmt.Errorf("store: encode init info: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET pid = CASE WHEN $2 > 0 THEN $2 ELSE pid END,
		    tmux_session = CASE WHEN $3 <> '' THEN $3 ELSE tmux_session END,
		    init_info = COALESCE($4, init_info)
		WHERE id = $1`, id, pid, tmuxSession, initRaw)
	if err != nil {
		return fmt.Errorf("store: set process info: %w", err)
	}
	return nil
}

// SetSessionRef stores the session ref the moment it is first extracted
// from adapter output.
func (s *Store) SetSessionRef(ctx context.Context, id uuid.UUID, sessionRef string) error {
	_, err := s.pool.Exec(ctx, `UPDATE executions SET session_ref = $2 WHERE id = $1 AND session_ref = ''`, id, sessionRef)
	if err != nil {
		return fmt.Errorf("store: set session ref: %w", err)
	}
	return nil
}

// Heartbeat bumps heartbeat_at for a running execution.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE executions SET heartbeat_at = now() WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	return nil
}

// FlushLogStats writes the running byte/line counters the log writer
// maintains in memory (C11).
func (s *Store) FlushLogStats(ctx context.Context, id uuid.UUID, byteSize, lineCount int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE executions SET log_byte_size = $2, log_line_count = $3 WHERE id = $1`, id, byteSize, lineCount)
	if err != nil {
		return fmt.Errorf("store: flush log stats: %w", err)
	}
	return nil
}

// RequestCancel is the only write path allowed to set `cancelling`. It
// guards on the row currently being `queued` or `running`.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'cancelling' WHERE id = $1 AND status IN ('queued','running')`, id)
	if err != nil {
		return fmt.Errorf("store: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FinalizeResult carries the outcome of a run into a terminal row update.
type FinalizeResult struct {
	Status        ExecutionStatus
	ExitCode      *int
	FailureReason string
	CostUSD       *float64
	NumTurns      *int
	DurationMS    *int64
	Init          *InitInfo
}

// Finalize performs the race-guarded terminal update from spec.md §4.3
// step 12: the row is only rewritten while it is still `running`. If no
// row matched, the caller must reload and, if the row is `cancelling`,
// call FinalizeCancelling instead — Finalize itself never overwrites a
// `cancelling` row, by design: that is what prevents the runner from
// clobbering a concurrent cancel.
func (s *Store) Finalize(ctx context.Context, id uuid.UUID, r FinalizeResult) (bool, error) {
	var initRaw []byte
	if r.Init != nil {
		var err error
		initRaw, err = json.Marshal(r.Init)
		if err != nil {
			return false, fmt.Errorf("store: encode init: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, exit_code = $3, failure_reason = $4, cost_usd = $5,
		    num_turns = $6, duration_ms = $7, init_info = $8, ended_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, r.Status, r.ExitCode, r.FailureReason, r.CostUSD, r.NumTurns,
		r.DurationMS, initRaw)
	if err != nil {
		return false, fmt.Errorf("store: finalize: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeCancelling moves a `cancelling` row to `cancelled`, unguarded
// by the "still running" predicate since cancelling already implies the
// race was won by the cancel API.
func (s *Store) FinalizeCancelling(ctx context.Context, id uuid.UUID, exitCode *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'cancelled', exit_code = $2, ended_at = now()
		WHERE id = $1 AND status = 'cancelling'`, id, exitCode)
	if err != nil {
		return fmt.Errorf("store: finalize cancelling: %w", err)
	}
	return nil
}

// --- Sessions -------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess Session) (uuid.UUID, error) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions
		  (id, task_id, agent_id, capability_id, status, initial_prompt,
		   permission_mode, resume_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'starting',$5,$6,$7, now(), now())`,
		sess.ID, sess.TaskID, sess.AgentID, sess.CapabilityID,
		sess.InitialPrompt, sess.PermissionMode, sess.ResumeRef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create session: %w", err)
	}
	return sess.ID, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, agent_id, capability_id, status,
		       claimant_worker_id, pid, tmux_session, session_ref,
		       initial_prompt, permission_mode, resume_ref, log_path,
		       heartbeat_at, created_at, updated_at
		FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.TaskID, &sess.AgentID, &sess.CapabilityID,
			&sess.Status, &sess.ClaimantWorkerID, &sess.PID,
			&sess.TmuxSession, &sess.SessionRef, &sess.InitialPrompt,
			&sess.PermissionMode, &sess.ResumeRef, &sess.LogPath,
			&sess.HeartbeatAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: set session status: %w", err)
	}
	return nil
}

func (s *Store) MarkSessionRunning(ctx context.Context, id uuid.UUID, workerID string, pid int, tmuxSession, logPath, sessionRef string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'active', claimant_worker_id = $2, pid = $3,
		    tmux_session = $4, log_path = $5, session_ref = $6,
		    heartbeat_at = now(), updated_at = now()
		WHERE id = $1`, id, workerID, pid, tmuxSession, logPath, sessionRef)
	if err != nil {
		return fmt.Errorf("store: mark session running: %w", err)
	}
	return nil
}

func (s *Store) HeartbeatSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: heartbeat session: %w", err)
	}
	return nil
}

// ListZombieExecutions returns executions owned by workerID still in
// `running` or `cancelling`, for startup zombie reconciliation (C2).
func (s *Store) ListZombieExecutions(ctx context.Context, workerID string) ([]Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pid FROM executions
		WHERE claimant_worker_id = $1 AND status IN ('running','cancelling')`, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: list zombie executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.PID); err != nil {
			return nil, fmt.Errorf("store: scan zombie execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListZombieSessions returns sessions owned by workerID still in
// `active` or `awaiting_input`.
func (s *Store) ListZombieSessions(ctx context.Context, workerID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_ref FROM sessions
		WHERE claimant_worker_id = $1 AND status IN ('active','awaiting_input')`, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: list zombie sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SessionRef); err != nil {
			return nil, fmt.Errorf("store: scan zombie session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkFailed finalizes an execution unconditionally with a reason, used
// by zombie reconciliation where no race with a live runner can occur.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'failed', failure_reason = $2, ended_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}

// StaleRunningExecutions atomically reaps executions whose heartbeat_at
// predates cutoff (C14): the UPDATE and the WHERE predicate are one
// statement so a concurrent heartbeat refresh excludes the row from the
// result rather than racing a separate read-then-write.
func (s *Store) StaleRunningExecutions(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE executions
		SET status = 'timed_out', failure_reason = $2, ended_at = now()
		WHERE status = 'running' AND heartbeat_at < $1
		RETURNING id`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("store: stale running executions: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan stale execution: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleActiveSessions atomically moves sessions with stale heartbeats to
// `idle` (cold-resume path) in a single `UPDATE ... WHERE ... RETURNING`
// so the caller only kills the process group for rows that actually
// matched — never for a row a concurrent re-claim just refreshed.
func (s *Store) StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sessions
		SET status = 'idle', updated_at = now()
		WHERE status IN ('active','awaiting_input') AND heartbeat_at < $1
		RETURNING id, pid, tmux_session`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale active sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.PID, &sess.TmuxSession); err != nil {
			return nil, fmt.Errorf("store: scan stale session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Worker heartbeats -----------------------------------------------------

func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, h WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_seen_at, running, queued)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (worker_id) DO UPDATE
		SET last_seen_at = now(), running = excluded.running, queued = excluded.queued`,
		h.WorkerID, h.Running, h.Queued)
	if err != nil {
		return fmt.Errorf("store: upsert worker heartbeat: %w", err)
	}
	return nil
}

// --- Task events -------------------------------------------------------------

func (s *Store) RecordTaskEvent(ctx context.Context, ev TaskEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("store: encode task event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_events (id, task_id, actor, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5, now())`,
		ev.ID, ev.TaskID, ev.Actor, ev.EventType, payload)
	if err != nil {
		return fmt.Errorf("store: record task event: %w", err)
	}
	return nil
}
