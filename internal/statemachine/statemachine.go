// Package statemachine holds the transition tables for Task,
// Execution, and Session (C13). Every mutation of status elsewhere in the codebase
// must pass through these checks first; an invalid transition is an
// apperr.Conflict, never a silent write.
package statemachine

import (
	"fmt"

	"github.com/agendo/execcore/internal/apperr"
	"github.com/agendo/execcore/internal/store"
)

var taskTransitions = map[store.TaskStatus]map[store.TaskStatus]bool{
	store.TaskTodo:       {store.TaskInProgress: true, store.TaskCancelled: true, store.TaskBlocked: true},
	store.TaskInProgress: {store.TaskDone: true, store.TaskBlocked: true, store.TaskCancelled: true, store.TaskTodo: true},
	store.TaskBlocked:    {store.TaskTodo: true, store.TaskInProgress: true, store.TaskCancelled: true},
	store.TaskDone:       {store.TaskTodo: true},
	store.TaskCancelled:  {store.TaskTodo: true},
}

// CheckTaskTransition reports whether a task may move from 'from' to 'to'.
func CheckTaskTransition(from, to store.TaskStatus) error {
	if from == to {
		return nil
	}
	if taskTransitions[from][to] {
		return nil
	}
	return apperr.New(apperr.Conflict, fmt.Sprintf("task cannot transition from %q to %q", from, to))
}

var execTransitions = map[store.ExecutionStatus]map[store.ExecutionStatus]bool{
	store.ExecQueued:     {store.ExecRunning: true, store.ExecCancelled: true},
	store.ExecRunning:    {store.ExecCancelling: true, store.ExecSucceeded: true, store.ExecFailed: true, store.ExecTimedOut: true},
	store.ExecCancelling: {store.ExecCancelled: true, store.ExecFailed: true},
}

// CheckExecutionTransition reports whether an execution may move from
// 'from' to 'to'. Terminal statuses (succeeded/failed/cancelled/timed_out)
// have no outgoing transitions.
func CheckExecutionTransition(from, to store.ExecutionStatus) error {
	if from == to {
		return nil
	}
	if execTransitions[from][to] {
		return nil
	}
	return apperr.New(apperr.Conflict, fmt.Sprintf("execution cannot transition from %q to %q", from, to))
}

var sessionTransitions = map[store.SessionStatus]map[store.SessionStatus]bool{
	store.SessionStarting:      {store.SessionActive: true, store.SessionEnded: true},
	store.SessionActive:        {store.SessionAwaitingInput: true, store.SessionIdle: true, store.SessionEnded: true},
	store.SessionAwaitingInput: {store.SessionActive: true, store.SessionIdle: true, store.SessionEnded: true},
	store.SessionIdle:          {store.SessionActive: true, store.SessionEnded: true},
}

// CheckSessionTransition reports whether a session may move from
// 'from' to 'to'. 'ended' has no outgoing transitions; 'idle' is the
// cold-resume state the stale reaper (§4.14) parks a session in before
// a later turn reactivates it.
func CheckSessionTransition(from, to store.SessionStatus) error {
	if from == to {
		return nil
	}
	if sessionTransitions[from][to] {
		return nil
	}
	return apperr.New(apperr.Conflict, fmt.Sprintf("session cannot transition from %q to %q", from, to))
}

// OnlyCancelAPISetsCancel is documentation-as-code: the runner must
// never call CheckExecutionTransition with `to == store.ExecCancelling`
// itself — that transition belongs exclusively to the cancel API path
// (internal/store.Store.RequestCancel). Kept as a named constant so a
// reviewer grepping for ExecCancelling finds the rule stated once.
const OnlyCancelAPISetsCancel = true
