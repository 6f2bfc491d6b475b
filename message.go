package agentrun

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of message from an agent process.
type MessageType string

const (
	// MessageText is assistant text output.
	MessageText MessageType = "text"

	// MessageToolUse indicates the agent is invoking a tool.
	MessageToolUse MessageType = "tool_use"

	// MessageToolResult contains the output of a tool invocation.
	MessageToolResult MessageType = "tool_result"

	// MessageError indicates an error from the agent or runtime.
	MessageError MessageType = "error"

	// MessageSystem contains system-level messages (e.g., status changes).
	MessageSystem MessageType = "system"

	// MessageInit is the handshake message sent at session start.
	MessageInit MessageType = "init"

	// MessageEOF signals the end of the message stream.
	MessageEOF MessageType = "eof"

	// MessageResult is the final summary message for a completed turn,
	// carrying StopReason and cumulative Usage.
	MessageResult MessageType = "result"

	// MessageThinking is extended-thinking / reasoning output, complete.
	MessageThinking MessageType = "thinking"

	// MessageTextDelta is an incremental fragment of assistant text.
	MessageTextDelta MessageType = "text_delta"

	// MessageThinkingDelta is an incremental fragment of thinking output.
	MessageThinkingDelta MessageType = "thinking_delta"

	// MessageToolUseDelta is an incremental fragment of a tool call's input.
	MessageToolUseDelta MessageType = "tool_use_delta"

	// MessageContextWindow reports context-window fill out of band from a
	// completed turn (e.g. mid-turn token accounting updates).
	MessageContextWindow MessageType = "context_window"
)

// Message is a structured output from an agent process.
type Message struct {
	// Type identifies the kind of message.
	Type MessageType `json:"type"`

	// Content is the text content (for Text, Error, System messages).
	Content string `json:"content,omitempty"`

	// ErrorCode is a short machine-readable code on MessageError messages,
	// set when the backend reports one. Empty otherwise.
	ErrorCode string `json:"error_code,omitempty"`

	// Tool contains tool invocation details (for ToolUse, ToolResult messages).
	Tool *ToolCall `json:"tool,omitempty"`

	// Usage contains token usage data (typically on Text messages).
	Usage *Usage `json:"usage,omitempty"`

	// Raw is the original unparsed JSON from the backend.
	// Backends populate this for pass-through or debugging.
	Raw json.RawMessage `json:"raw,omitempty"`

	// RawLine is the original unparsed output line from stdout.
	// Used for crash-recovery log pipelines and audit logging.
	RawLine string `json:"raw_line,omitempty"`

	// ResumeID is the backend's opaque external session/thread reference,
	// captured from the first message that reveals it (e.g. init/handshake).
	ResumeID string `json:"resume_id,omitempty"`

	// StopReason reports why the turn ended. Populated on MessageResult;
	// some backends surface it earlier and the engine carries it forward.
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Init carries agent identity, populated on MessageInit.
	Init *InitMeta `json:"init,omitempty"`

	// Process carries subprocess identity, populated on MessageInit.
	Process *ProcessMeta `json:"process,omitempty"`

	// Timestamp is when the message was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall describes a tool invocation by the agent.
type ToolCall struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Input is the tool's input parameters as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool's result as raw JSON.
	Output json.RawMessage `json:"output,omitempty"`
}

// Usage contains token usage data from the agent's model.
type Usage struct {
	// InputTokens is the cumulative context window fill.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`

	// CacheReadTokens is the number of tokens served from a prompt cache.
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`

	// CacheWriteTokens is the number of tokens written to a prompt cache.
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`

	// ThinkingTokens is the number of extended-thinking tokens consumed.
	ThinkingTokens int `json:"thinking_tokens,omitempty"`

	// CostUSD is the estimated cost of the turn in US dollars, when the
	// backend reports it.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// ContextSizeTokens is the model's total context window size.
	ContextSizeTokens int `json:"context_size_tokens,omitempty"`

	// ContextUsedTokens is the number of context-window tokens currently used.
	ContextUsedTokens int `json:"context_used_tokens,omitempty"`
}
