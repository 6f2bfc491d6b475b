// Package adapter is the C5 factory: a pure function from a
// Capability's interaction mode and an Agent's binary basename to an
// agentrun.Engine. Template mode always resolves to engine/template;
// prompt mode dispatches on the lowercased basename of Agent.BinaryPath
// through a small lookup table (claude, codex, gemini). An unknown
// basename in prompt mode is a hard error — spec.md §4.5.
package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/engine/acp"
	"github.com/agendo/execcore/engine/cli"
	"github.com/agendo/execcore/engine/cli/claude"
	"github.com/agendo/execcore/engine/codex"
	"github.com/agendo/execcore/engine/template"
	"github.com/agendo/execcore/internal/apperr"
	"github.com/agendo/execcore/internal/store"
)

// autoApprove always approves the agent's permission request — the
// Gemini/ACP adapter never pauses for human-in-the-loop review, per
// spec.md §4.8's "auto-approves permission prompts" requirement.
func autoApprove(_ context.Context, _ acp.PermissionRequest) (bool, error) {
	return true, nil
}

// promptEngines maps the lowercased basename of an agent's binary to a
// constructor for its prompt-mode engine.
var promptEngines = map[string]func(binaryPath string) agentrun.Engine{
	"claude": func(binaryPath string) agentrun.Engine {
		return cli.NewEngine(claude.New(claude.WithBinary(binaryPath)))
	},
	"codex": func(binaryPath string) agentrun.Engine {
		return codex.NewEngine(codex.WithBinary(binaryPath))
	},
	"gemini": func(binaryPath string) agentrun.Engine {
		return acp.NewEngine(
			acp.WithBinary(binaryPath),
			acp.WithArgs("--experimental-acp"),
			acp.WithPermissionHandler(autoApprove),
		)
	},
}

// For selects the engine for capability's interaction mode, using
// agent's binary basename to pick a prompt-mode protocol engine.
func For(agent store.Agent, capability store.Capability) (agentrun.Engine, error) {
	switch capability.InteractionMode {
	case store.ModeTemplate:
		return template.NewEngine(), nil
	case store.ModePrompt:
		basename := strings.ToLower(filepath.Base(agent.BinaryPath))
		ctor, ok := promptEngines[basename]
		if !ok {
			return nil, apperr.New(apperr.Validation, fmt.Sprintf("no prompt-mode adapter for agent binary %q", basename))
		}
		return ctor(agent.BinaryPath), nil
	default:
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("unknown interaction mode %q", capability.InteractionMode))
	}
}
