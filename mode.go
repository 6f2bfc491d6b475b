package agentrun

import "fmt"

// Well-known Session.Options keys interpreted by the root package and by
// backends. Backend-specific keys (e.g. "claude.permission_mode") take a
// lower precedence than these generic ones when both are set — the generic
// key wins, since it expresses the caller's intent independent of backend.
const (
	// OptionResumeID carries an external session/thread reference to resume.
	OptionResumeID = "resume_id"

	// OptionSystemPrompt overrides or appends to the backend's system prompt.
	OptionSystemPrompt = "system_prompt"

	// OptionMaxTurns caps the number of agent turns in a single invocation.
	OptionMaxTurns = "max_turns"

	// OptionThinkingBudget sets a token budget for extended thinking.
	OptionThinkingBudget = "thinking_budget"

	// OptionMode selects the backend's operating mode (see Mode).
	OptionMode = "mode"

	// OptionHITL selects the human-in-the-loop permission posture (see HITL).
	OptionHITL = "hitl"

	// OptionEffort selects a reasoning effort tier (see Effort).
	OptionEffort = "effort"

	// OptionAddDirs is a comma-separated list of additional directories the
	// backend should grant the agent access to. Parsed with ParseListOption.
	OptionAddDirs = "add_dirs"

	// OptionAgentID selects a named sub-agent configuration within a backend
	// that supports multiple agent profiles.
	OptionAgentID = "agent_id"
)

// Mode selects an agent backend's operating mode.
type Mode string

const (
	// ModeAct lets the agent apply changes directly.
	ModeAct Mode = "act"

	// ModePlan restricts the agent to read-only planning without edits.
	ModePlan Mode = "plan"
)

// Valid reports whether m is a recognized Mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAct, ModePlan:
		return true
	default:
		return false
	}
}

// HITL selects the human-in-the-loop permission posture for tool use.
type HITL string

const (
	// HITLOn requires approval for sensitive tool actions.
	HITLOn HITL = "on"

	// HITLOff auto-approves all tool actions.
	HITLOff HITL = "off"
)

// Valid reports whether h is a recognized HITL value.
func (h HITL) Valid() bool {
	switch h {
	case HITLOn, HITLOff:
		return true
	default:
		return false
	}
}

// Effort selects a reasoning effort tier for backends that support it.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortMax    Effort = "max"
)

// Valid reports whether e is a recognized Effort value.
func (e Effort) Valid() bool {
	switch e {
	case EffortLow, EffortMedium, EffortHigh, EffortMax, "":
		return true
	default:
		return false
	}
}

// StopReason describes why an agent turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
)

// ExitError reports a subprocess that exited with a non-zero status.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agentrun: process exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agentrun: process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// InitMeta carries agent identity captured from a backend's handshake or
// init event.
type InitMeta struct {
	AgentName    string `json:"agent_name,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Model        string `json:"model,omitempty"`
}

// ProcessMeta carries subprocess identity for diagnostics and audit.
type ProcessMeta struct {
	PID    int    `json:"pid"`
	Binary string `json:"binary,omitempty"`
}
