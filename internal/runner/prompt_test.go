package runner

import (
	"testing"

	"github.com/agendo/execcore/internal/store"
)

func TestResolvePrompt_TaskFields(t *testing.T) {
	task := store.Task{Title: "Fix bug", Description: "Null pointer in parser"}
	got := ResolvePrompt("Title: {{task_title}}\nDesc: {{task_description}}", task, nil)
	want := "Title: Fix bug\nDesc: Null pointer in parser"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolvePrompt_InputContextDottedPath(t *testing.T) {
	task := store.Task{
		InputContext: store.InputContext{PromptAdditions: "Please be terse."},
	}
	got := ResolvePrompt("{{input_context.prompt_additions}}", task, nil)
	if got != "Please be terse." {
		t.Fatalf("got %q", got)
	}
}

func TestResolvePrompt_ArgumentMap(t *testing.T) {
	got := ResolvePrompt("Run with {{count}} retries", store.Task{}, map[string]any{"count": 3})
	if got != "Run with 3 retries" {
		t.Fatalf("got %q", got)
	}
}

// TestResolvePrompt_UnresolvedExpandsEmpty is the invariant from
// spec.md §8: every {{name}} placeholder either resolves from the
// argument map or expands to the empty string, never left literal.
func TestResolvePrompt_UnresolvedExpandsEmpty(t *testing.T) {
	got := ResolvePrompt("before {{nonexistent}} after", store.Task{}, nil)
	if got != "before  after" {
		t.Fatalf("expected unresolved placeholder to expand to empty, got %q", got)
	}
}
