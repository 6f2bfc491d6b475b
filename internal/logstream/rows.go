package logstream

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agendo/execcore/internal/store"
)

// ExecutionRows adapts internal/store.Store to RowSource for execution
// logs (C12's default case).
type ExecutionRows struct{ Store *store.Store }

func (r ExecutionRows) Status(ctx context.Context, id uuid.UUID) (status, logPath string, terminal bool, exitCode *int, ok bool, err error) {
	e, gerr := r.Store.GetExecution(ctx, id)
	if errors.Is(gerr, store.ErrNotFound) {
		return "", "", false, nil, false, nil
	}
	if gerr != nil {
		return "", "", false, nil, false, gerr
	}
	return string(e.Status), e.LogPath, e.Status.Terminal(), e.ExitCode, true, nil
}

// SessionRows adapts internal/store.Store to RowSource for session logs.
// Only `ended` is terminal for a session.
type SessionRows struct{ Store *store.Store }

func (r SessionRows) Status(ctx context.Context, id uuid.UUID) (status, logPath string, terminal bool, exitCode *int, ok bool, err error) {
	sess, gerr := r.Store.GetSession(ctx, id)
	if errors.Is(gerr, store.ErrNotFound) {
		return "", "", false, nil, false, nil
	}
	if gerr != nil {
		return "", "", false, nil, false, gerr
	}
	return string(sess.Status), sess.LogPath, sess.Status == store.SessionEnded, nil, true, nil
}
