// Package heartbeat implements the independent periodic liveness tasks
// (C14): per-execution heartbeat_at updates, per-worker last_seen_at
// updates, and the stale-job reaper. Per spec.md §9, a heartbeat must
// run on its own timer independent of the runner's control path — a
// missed heartbeat tick must never silently kill a healthy run.
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agendo/execcore/internal/store"
)

// ExecutionTicker updates heartbeat_at for one execution every interval
// until ctx is cancelled. Run it in its own goroutine for the lifetime
// of a runExecution call.
func ExecutionTicker(ctx context.Context, st *store.Store, id uuid.UUID, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Heartbeat(ctx, id); err != nil {
				log.Warn().Err(err).Str("execution_id", id.String()).Msg("heartbeat update failed")
			}
		}
	}
}

// SessionTicker is the session-row equivalent of ExecutionTicker.
func SessionTicker(ctx context.Context, st *store.Store, id uuid.UUID, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.HeartbeatSession(ctx, id); err != nil {
				log.Warn().Err(err).Str("session_id", id.String()).Msg("session heartbeat update failed")
			}
		}
	}
}

// WorkerTicker upserts this worker's liveness row every interval.
// loadFunc reports the current (running, queued) counts.
func WorkerTicker(ctx context.Context, st *store.Store, workerID string, interval time.Duration, loadFunc func() (running, queued int), log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, queued := loadFunc()
			err := st.UpsertWorkerHeartbeat(ctx, store.WorkerHeartbeat{
				WorkerID: workerID, Running: running, Queued: queued,
			})
			if err != nil {
				log.Warn().Err(err).Str("worker_id", workerID).Msg("worker heartbeat upsert failed")
			}
		}
	}
}

// KillFunc terminates the orphan process/group behind a session that
// the reaper just flipped to idle.
type KillFunc func(sess store.Session)

// Reaper periodically reaps stale executions and sessions.
type Reaper struct {
	Store     *store.Store
	Threshold time.Duration
	Kill      KillFunc
	Log       zerolog.Logger
}

// Run ticks every Threshold/2 until ctx is cancelled, per spec.md §4.14.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Threshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.Threshold)

	ids, err := r.Store.StaleRunningExecutions(ctx, cutoff, "heartbeat lost — worker stale")
	if err != nil {
		r.Log.Error().Err(err).Msg("stale execution sweep failed")
	}
	for _, id := range ids {
		r.Log.Warn().Str("execution_id", id.String()).Msg("execution reaped: heartbeat lost")
	}

	sessions, err := r.Store.StaleActiveSessions(ctx, cutoff)
	if err != nil {
		r.Log.Error().Err(err).Msg("stale session sweep failed")
		return
	}
	for _, sess := range sessions {
		r.Log.Warn().Str("session_id", sess.ID.String()).Msg("session idled: heartbeat lost")
		if r.Kill != nil {
			r.Kill(sess)
		}
	}
}
