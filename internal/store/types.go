// Package store provides typed, pgx-backed access to the execution core's
// persistent entities (C15): agents, capabilities, tasks, executions,
// sessions, task events, and worker heartbeats. It is the one package that
// speaks SQL; every other package reads and writes these Go types.
package store

import (
	"time"

	"github.com/google/uuid"
)

// InteractionMode selects how a Capability is invoked.
type InteractionMode string

const (
	ModeTemplate InteractionMode = "template"
	ModePrompt   InteractionMode = "prompt"
)

// DangerLevel classifies how destructive a capability may be.
type DangerLevel int

const (
	DangerNone DangerLevel = iota
	DangerLow
	DangerMedium
	DangerHigh
)

// Agent is a registered CLI binary.
type Agent struct {
	ID              uuid.UUID
	Name            string
	BinaryPath      string
	DefaultWorkDir  string
	EnvAllowlist    []string
	MaxConcurrent   int
	Active          bool
	CreatedAt       time.Time
}

// Capability is one invocation pattern owned by an Agent.
type Capability struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	Key             string
	InteractionMode InteractionMode
	CommandTokens   []string
	PromptTemplate  string
	ArgsSchema      ArgsSchema
	DangerLevel     DangerLevel
	TimeoutSec      int
	MaxOutputBytes  int64
}

// ArgsSchema is a JSON-schema-like description of the arguments a
// Capability accepts, deliberately small: only the fields the safety
// module (C10) actually checks.
type ArgsSchema struct {
	Required   []string                     `json:"required,omitempty"`
	Properties map[string]ArgsSchemaProperty `json:"properties,omitempty"`
}

// ArgsSchemaProperty describes the allowed shape of a single argument.
type ArgsSchemaProperty struct {
	Pattern string `json:"pattern,omitempty"`
}

// TaskStatus is one of the five states in the Task state machine (C13).
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// InputContext is the task's free-form run configuration: working-dir
// override, env overrides, arbitrary args, and prompt additions.
type InputContext struct {
	WorkingDirOverride string            `json:"working_dir_override,omitempty"`
	EnvOverrides       map[string]string `json:"env_overrides,omitempty"`
	Args               map[string]any    `json:"args,omitempty"`
	PromptAdditions    string            `json:"prompt_additions,omitempty"`
}

// Task is a unit of work on the board.
type Task struct {
	ID            uuid.UUID
	Title         string
	Description   string
	Status        TaskStatus
	OrderKey      float64
	InputContext  InputContext
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionStatus is one of the Execution state machine's states (C13).
type ExecutionStatus string

const (
	ExecQueued     ExecutionStatus = "queued"
	ExecRunning    ExecutionStatus = "running"
	ExecCancelling ExecutionStatus = "cancelling"
	ExecSucceeded  ExecutionStatus = "succeeded"
	ExecFailed     ExecutionStatus = "failed"
	ExecCancelled  ExecutionStatus = "cancelled"
	ExecTimedOut   ExecutionStatus = "timed_out"
)

// Terminal reports whether s is one of the four terminal execution statuses.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSucceeded, ExecFailed, ExecCancelled, ExecTimedOut:
		return true
	default:
		return false
	}
}

// InitInfo is additive metadata captured from an adapter's handshake
// (agent name/version/model), surfaced on the record fetch API but not
// required by spec.md.
type InitInfo struct {
	AgentName string `json:"agent_name,omitempty"`
	Version   string `json:"version,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Execution is one run of a Capability against a Task.
type Execution struct {
	ID                uuid.UUID
	TaskID            uuid.UUID
	AgentID           uuid.UUID
	CapabilityID      uuid.UUID
	Mode              InteractionMode
	Args              map[string]any
	ResolvedPrompt    string
	Status            ExecutionStatus
	ClaimantWorkerID  string
	PID               int
	TmuxSession       string
	SessionRef        string
	ParentExecutionID *uuid.UUID
	StartedAt         *time.Time
	EndedAt           *time.Time
	HeartbeatAt       *time.Time
	ExitCode          *int
	LogPath           string
	LogByteSize       int64
	LogLineCount      int64
	CostUSD           *float64
	NumTurns          *int
	DurationMS        *int64
	CLIFlagOverrides  []string
	FailureReason     string
	Init              *InitInfo
	CreatedAt         time.Time
}

// SessionStatus is one of the Session state machine's states.
type SessionStatus string

const (
	SessionStarting      SessionStatus = "starting"
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionIdle          SessionStatus = "idle"
	SessionEnded         SessionStatus = "ended"
)

// Session is a long-lived multi-turn conversation on top of an adapter.
type Session struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	AgentID          uuid.UUID
	CapabilityID     uuid.UUID
	Status           SessionStatus
	ClaimantWorkerID string
	PID              int
	TmuxSession      string
	SessionRef       string
	InitialPrompt    string
	PermissionMode   string
	ResumeRef        string
	LogPath          string
	HeartbeatAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskEvent is an append-only audit record.
type TaskEvent struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Actor     string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// WorkerHeartbeat is the per-worker liveness row.
type WorkerHeartbeat struct {
	WorkerID   string
	LastSeenAt time.Time
	Running    int
	Queued     int
}
