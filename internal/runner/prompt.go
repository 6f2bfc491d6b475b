package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agendo/execcore/internal/store"
)

var placeholderRe = regexp.MustCompile(`{{\s*([\w.]+)\s*}}`)

// ResolvePrompt interpolates {{task_title}}, {{task_description}}, and
// dotted paths like {{input_context.prompt_additions}} from task and
// the execution's argument map into template. Any other {{name}} is
// looked up directly in args. Unresolved placeholders expand to the
// empty string, never left literal — spec.md §4.3 step 3.
func ResolvePrompt(template string, task store.Task, args map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		return resolvePlaceholder(name, task, args)
	})
}

func resolvePlaceholder(name string, task store.Task, args map[string]any) string {
	switch name {
	case "task_title":
		return task.Title
	case "task_description":
		return task.Description
	}

	if strings.HasPrefix(name, "input_context.") {
		field := strings.TrimPrefix(name, "input_context.")
		return inputContextField(task.InputContext, field)
	}

	if v, ok := args[name]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func inputContextField(ic store.InputContext, field string) string {
	switch field {
	case "working_dir_override":
		return ic.WorkingDirOverride
	case "prompt_additions":
		return ic.PromptAdditions
	default:
		if v, ok := ic.Args[field]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}
}
