// Package safety implements the execution core's sandboxing checks
// (C10): working-directory allow-listing with symlink-traversal
// defeat, from-scratch child environment construction, template
// argument substitution, and JSON-schema-lite argument validation.
//
// None of these are a container sandbox — spec.md §1 is explicit that
// containerization is out of scope. This package is the entire safety
// boundary.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agendo/execcore/internal/apperr"
	"github.com/agendo/execcore/internal/store"
)

// baseEnvAllowlist is copied into every child process regardless of the
// agent's own allow-list. The child environment is never inherited from
// the parent process wholesale.
var baseEnvAllowlist = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TZ"}

// safeArgPattern is the conservative scalar-argument character class
// used both for template token substitution and schema-less argument
// validation: letters, digits, whitespace, and a small punctuation set
// that covers paths, flags, and natural language without admitting shell
// metacharacters.
var safeArgPattern = regexp.MustCompile(`^[A-Za-z0-9\s/_.,@#:=+\-]*$`)

// placeholderPattern matches a whole token of the form {{name}}.
var placeholderPattern = regexp.MustCompile(`^{{(\w+)}}$`)

// ValidateWorkingDir resolves path through symlinks and checks the
// result against roots. The realpath-before-allow-list ordering is
// load-bearing: resolving symlinks first is what defeats a symlink
// planted inside an allowed directory that points outside it.
func ValidateWorkingDir(path string, roots []string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", apperr.New(apperr.SafetyViolation, fmt.Sprintf("working directory %q must be absolute", path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", apperr.Wrap(apperr.SafetyViolation, fmt.Sprintf("working directory %q does not exist", path), err)
	}
	if !info.IsDir() {
		return "", apperr.New(apperr.SafetyViolation, fmt.Sprintf("working directory %q is not a directory", path))
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", apperr.Wrap(apperr.SafetyViolation, "resolving working directory", err)
	}

	for _, root := range roots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if resolved == resolvedRoot || isStrictSubdir(resolvedRoot, resolved) {
			return resolved, nil
		}
	}
	return "", apperr.New(apperr.SafetyViolation, fmt.Sprintf("working directory %q (resolved %q) is outside the allowed roots", path, resolved))
}

// isStrictSubdir reports whether child is a strict subdirectory of root.
func isStrictSubdir(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

// BuildChildEnv constructs a child process environment from scratch:
// the base allow-list plus the agent's extra allow-list, read from the
// current process environment, plus two unconditional terminal hints.
// The parent environment is never spread wholesale.
func BuildChildEnv(agentAllowlist []string, overrides map[string]string) map[string]string {
	env := make(map[string]string)
	for _, name := range baseEnvAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for _, name := range agentAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	env["TERM"] = "xterm-256color"
	env["COLORTERM"] = "truecolor"
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

// BuildCommandArgs substitutes {{name}} tokens in tokens with scalar
// values from args. Non-placeholder tokens pass through unchanged.
// Missing arguments, non-scalar values, and values outside the safe
// character class are rejected.
func BuildCommandArgs(tokens []string, args map[string]any) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		m := placeholderPattern.FindStringSubmatch(tok)
		if m == nil {
			out = append(out, tok)
			continue
		}
		name := m[1]
		v, ok := args[name]
		if !ok {
			return nil, apperr.New(apperr.Validation, fmt.Sprintf("missing argument %q for template token %q", name, tok))
		}
		scalar, err := asSafeScalar(name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, scalar)
	}
	return out, nil
}

func asSafeScalar(name string, v any) (string, error) {
	switch val := v.(type) {
	case map[string]any, []any:
		return "", apperr.New(apperr.Validation, fmt.Sprintf("argument %q must be a scalar, not an object or array", name))
	default:
		s := fmt.Sprintf("%v", val)
		if !safeArgPattern.MatchString(s) {
			return "", apperr.New(apperr.Validation, fmt.Sprintf("argument %q contains unsafe characters", name))
		}
		return s, nil
	}
}

// ValidateArgs checks args against an args_schema (required fields and
// per-property regex patterns). Objects are rejected outright: the
// schema only ever describes scalar arguments.
func ValidateArgs(schema store.ArgsSchema, args map[string]any) error {
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return apperr.New(apperr.Validation, fmt.Sprintf("missing required argument %q", req))
		}
	}
	for name, v := range args {
		if _, isObj := v.(map[string]any); isObj {
			return apperr.New(apperr.Validation, fmt.Sprintf("argument %q must not be an object", name))
		}
		if _, isArr := v.([]any); isArr {
			return apperr.New(apperr.Validation, fmt.Sprintf("argument %q must not be an array", name))
		}
		prop, ok := schema.Properties[name]
		if !ok || prop.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(prop.Pattern)
		if err != nil {
			return apperr.Wrap(apperr.Internal, fmt.Sprintf("invalid pattern for argument %q", name), err)
		}
		s := fmt.Sprintf("%v", v)
		if !re.MatchString(s) {
			return apperr.New(apperr.Validation, fmt.Sprintf("argument %q does not match required pattern", name))
		}
	}
	return nil
}

// ValidateBinary checks that path exists and has the executable bit set
// for some class of user.
func ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperr.Wrap(apperr.SafetyViolation, fmt.Sprintf("binary %q not found", path), err)
	}
	if info.Mode()&0o111 == 0 {
		return apperr.New(apperr.SafetyViolation, fmt.Sprintf("binary %q is not executable", path))
	}
	return nil
}
