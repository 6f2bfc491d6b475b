// Package queue implements the durable at-least-once job queue (C1):
// enqueue, atomic claim under FOR UPDATE SKIP LOCKED, per-job
// expiration as a safety net for hung handlers, bounded retries with a
// fixed backoff gap, and graceful drain on shutdown.
//
// Grounded on youssefsiam38-agentpg's Client[TTx] lifecycle shape
// (stopCh + sync.WaitGroup, Start/Stop) and its SKIP LOCKED claim
// pattern, adapted from a generic agent-run queue to this package's two
// named queues (execute-capability, run-session).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Name identifies one of the two durable queues defined by spec.md §4.1.
type Name string

const (
	ExecuteCapability Name = "execute-capability"
	RunSession        Name = "run-session"
)

// Defaults per spec.md §4.1.
var (
	DefaultExpire = map[Name]time.Duration{
		ExecuteCapability: 45 * time.Minute,
		RunSession:        8 * time.Hour,
	}
	DefaultRetries = map[Name]int{
		ExecuteCapability: 2,
		RunSession:        1,
	}
	DefaultRetryGap = 30 * time.Second
)

// EnqueueOptions overrides defaults for a single enqueue call.
type EnqueueOptions struct {
	Expire     time.Duration
	MaxRetries int
}

// Handler processes one job's payload. A returned error is a retryable
// failure up to the queue's retry limit; past the limit the job is
// dropped silently — the stale reaper or zombie reconciler is
// responsible for finalizing whatever record the job was meant to
// drive, not a dead-letter consumer (spec.md §4.1).
type Handler func(ctx context.Context, payload []byte) error

// Gateway is the durable queue abstraction. One Gateway instance is
// shared by every queue name registered on it.
type Gateway struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu       sync.Mutex
	handlers []registration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

type registration struct {
	queue       Name
	batchSize   int
	pollPeriod  time.Duration
	handler     Handler
}

// New creates a Gateway over an already-open pgx pool.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Gateway {
	return &Gateway{pool: pool, log: log, stopCh: make(chan struct{})}
}

// Enqueue inserts a new job row for queue, durable across process
// restarts. The payload is stored as-is and handed back to Handler
// verbatim.
func (g *Gateway) Enqueue(ctx context.Context, queue Name, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	expire := opts.Expire
	if expire <= 0 {
		expire = DefaultExpire[queue]
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultRetries[queue]
	}

	id := uuid.New()
	_, err = g.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, state, max_retries, expire_after, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, now())`,
		id, queue, data, maxRetries, expire)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// RegisterHandler registers a handler for queue. Handlers run inside
// the bounded worker pool started by Run; batchSize caps how many jobs
// a single poll claims at once.
func (g *Gateway) RegisterHandler(queue Name, batchSize int, pollInterval time.Duration, handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, registration{
		queue: queue, batchSize: batchSize, pollPeriod: pollInterval, handler: handler,
	})
}

// Run starts one polling loop per registered handler and returns without
// waiting; the loops run until ctx is cancelled or Shutdown is called.
// concurrency bounds how many jobs across all queues may be in-flight at
// once (the worker pool size).
func (g *Gateway) Run(ctx context.Context, concurrency int) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	handlers := append([]registration(nil), g.handlers...)
	g.mu.Unlock()

	sem := make(chan struct{}, concurrency)
	for _, reg := range handlers {
		reg := reg
		g.wg.Add(1)
		go g.pollLoop(ctx, reg, sem)
	}
}

func (g *Gateway) pollLoop(ctx context.Context, reg registration, sem chan struct{}) {
	defer g.wg.Done()
	ticker := time.NewTicker(reg.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.claimAndRun(ctx, reg, sem)
		}
	}
}

// claimAndRun atomically claims up to batchSize queued/expired jobs via
// SELECT ... FOR UPDATE SKIP LOCKED and dispatches each to reg.handler
// on a free sem slot.
func (g *Gateway) claimAndRun(ctx context.Context, reg registration, sem chan struct{}) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		g.log.Error().Err(err).Str("queue", string(reg.queue)).Msg("claim: begin tx failed")
		return
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, payload, retry_count, max_retries
		FROM jobs
		WHERE queue = $1
		  AND (state = 'queued' OR (state = 'claimed' AND claimed_at + expire_after < now()))
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, reg.queue, reg.batchSize)
	if err != nil {
		g.log.Error().Err(err).Str("queue", string(reg.queue)).Msg("claim: query failed")
		return
	}

	type claimed struct {
		id         uuid.UUID
		payload    []byte
		retryCount int
		maxRetries int
	}
	var jobs []claimed
	for rows.Next() {
		var j claimed
		if err := rows.Scan(&j.id, &j.payload, &j.retryCount, &j.maxRetries); err != nil {
			rows.Close()
			g.log.Error().Err(err).Msg("claim: scan failed")
			return
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if rerr := rows.Err(); rerr != nil {
		g.log.Error().Err(rerr).Msg("claim: iterate failed")
		return
	}

	for _, j := range jobs {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET state = 'claimed', claimed_at = now() WHERE id = $1`, j.id); err != nil {
			g.log.Error().Err(err).Str("job_id", j.id.String()).Msg("claim: update failed")
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		g.log.Error().Err(err).Msg("claim: commit failed")
		return
	}

	for _, j := range jobs {
		j := j
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer func() { <-sem }()
			g.runJob(ctx, reg, j.id, j.payload, j.retryCount, j.maxRetries)
		}()
	}
}

func (g *Gateway) runJob(ctx context.Context, reg registration, id uuid.UUID, payload []byte, retryCount, maxRetries int) {
	err := reg.handler(ctx, payload)
	if err == nil {
		if _, derr := g.pool.Exec(ctx, `UPDATE jobs SET state = 'done', finished_at = now() WHERE id = $1`, id); derr != nil {
			g.log.Error().Err(derr).Str("job_id", id.String()).Msg("mark done failed")
		}
		return
	}

	if retryCount >= maxRetries {
		// Past the retry limit the job is dropped; no dead-letter
		// consumer exists by design (spec.md §4.1) — the record the
		// job was meant to drive gets finalized by the reaper/
		// reconciler instead.
		if _, derr := g.pool.Exec(ctx, `UPDATE jobs SET state = 'dropped', finished_at = now() WHERE id = $1`, id); derr != nil {
			g.log.Error().Err(derr).Str("job_id", id.String()).Msg("mark dropped failed")
		}
		g.log.Warn().Err(err).Str("job_id", id.String()).Msg("job exhausted retries, dropped")
		return
	}

	time.Sleep(DefaultRetryGap)
	_, rerr := g.pool.Exec(ctx, `
		UPDATE jobs SET state = 'queued', retry_count = retry_count + 1 WHERE id = $1`, id)
	if rerr != nil {
		g.log.Error().Err(rerr).Str("job_id", id.String()).Msg("requeue failed")
	}
}

// Shutdown drains gracefully: stops polling immediately, then waits up
// to timeout for in-flight handlers to finish.
func (g *Gateway) Shutdown(timeout time.Duration) {
	close(g.stopCh)
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		g.log.Warn().Msg("shutdown: timed out waiting for in-flight jobs")
	}
}
