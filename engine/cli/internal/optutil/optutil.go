// Package optutil provides shared option resolution helpers for CLI backends.
package optutil

import (
	"fmt"

	"github.com/agendo/execcore"
)

// RootOptionsSet reports whether either OptionMode or OptionHITL is present
// in opts. When true, root options take precedence over backend-specific
// permission/sandbox options.
func RootOptionsSet(opts map[string]string) bool {
	return opts[agentrun.OptionMode] != "" || opts[agentrun.OptionHITL] != ""
}

// ValidateEffort rejects an unrecognized OptionEffort value up front, before
// the backend-specific SpawnArgs/StreamArgs runs.
func ValidateEffort(component string, opts map[string]string) error {
	e := agentrun.Effort(opts[agentrun.OptionEffort])
	if e != "" && !e.Valid() {
		return fmt.Errorf("%s: invalid %s value %q", component, agentrun.OptionEffort, e)
	}
	return nil
}
