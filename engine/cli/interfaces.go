package cli

import (
	"errors"

	"github.com/agendo/execcore"
)

// ErrSkipLine is returned by Parser.ParseLine to indicate the line carries
// no message worth surfacing (blank lines, protocol no-ops). The engine
// drops the line silently rather than emitting a MessageError.
var ErrSkipLine = errors.New("cli: skip line")

// Spawner builds the binary name and argv for a fresh subprocess invocation.
// Required capability — every Backend must implement it.
type Spawner interface {
	// SpawnArgs returns the binary (name or path, resolved via exec.LookPath)
	// and full argument list for starting a new session.
	SpawnArgs(session agentrun.Session) (binary string, args []string)
}

// Parser transforms one line of subprocess stdout into a Message.
// Required capability — every Backend must implement it.
type Parser interface {
	// ParseLine parses a single line of output. Returns ErrSkipLine for
	// lines that carry no surfaced message.
	ParseLine(line string) (agentrun.Message, error)
}

// Resumer is an optional capability: backends that support resuming a prior
// session by external reference (e.g. --resume <id>) implement it. Discovered
// via type assertion on the Backend.
type Resumer interface {
	// ResumeArgs returns the binary and argv for a subprocess that resumes
	// the session's prior conversation and delivers initialPrompt as the
	// next turn.
	ResumeArgs(session agentrun.Session, initialPrompt string) (binary string, args []string, err error)
}

// Streamer is an optional capability: backends that accept input over a
// persistent stdin pipe (rather than spawning a fresh process per turn)
// implement it. Requires InputFormatter to also be implemented for Send to
// be usable.
type Streamer interface {
	// StreamArgs returns the binary and argv for a long-lived, stdin-fed
	// subprocess.
	StreamArgs(session agentrun.Session) (binary string, args []string)
}

// InputFormatter is an optional capability paired with Streamer: it encodes
// a plain-text message into the bytes written to the subprocess's stdin.
type InputFormatter interface {
	// FormatInput encodes text for delivery over the Streamer's stdin pipe.
	FormatInput(text string) ([]byte, error)
}

// Backend composes the required capabilities. Concrete backends (claude)
// implement Backend and optionally Resumer, Streamer, and InputFormatter,
// discovered by the Engine via type assertion.
type Backend interface {
	Spawner
	Parser
}
