package logstream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeRow struct {
	status   string
	logPath  string
	terminal bool
	exitCode *int
	ok       bool
	err      error
}

type fakeSource struct{ rows map[uuid.UUID]fakeRow }

func (f fakeSource) Status(_ context.Context, id uuid.UUID) (string, string, bool, *int, bool, error) {
	r, ok := f.rows[id]
	if !ok {
		return "", "", false, nil, false, nil
	}
	return r.status, r.logPath, r.terminal, r.exitCode, r.ok, r.err
}

func TestServe_NotFoundEmitsError(t *testing.T) {
	src := fakeSource{rows: map[uuid.UUID]fakeRow{}}
	id := uuid.New()
	var events []Event
	err := Serve(context.Background(), src, id, func(e Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Type != "error" {
		t.Fatalf("expected a single error event, got %v", events)
	}
}

func TestServe_TerminalRowEmitsStatusCatchupDoneAndCloses(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "exec.log")
	if err := os.WriteFile(logPath, []byte("[stdout] hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code := 0
	id := uuid.New()
	src := fakeSource{rows: map[uuid.UUID]fakeRow{
		id: {status: "succeeded", logPath: logPath, terminal: true, exitCode: &code, ok: true},
	}}

	var events []Event
	if err := Serve(context.Background(), src, id, func(e Event) { events = append(events, e) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected status, catchup, done; got %d events: %+v", len(events), events)
	}
	if events[0].Type != "status" || events[0].Status != "succeeded" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != "catchup" || events[1].Content != "[stdout] hello\n" {
		t.Fatalf("unexpected catchup event: %+v", events[1])
	}
	if events[2].Type != "done" || events[2].ExitCode == nil || *events[2].ExitCode != 0 {
		t.Fatalf("unexpected done event: %+v", events[2])
	}
}

func TestServe_NonTerminalTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "exec.log")
	if err := os.WriteFile(logPath, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	row := fakeRow{status: "running", logPath: logPath, terminal: false, ok: true}
	src := &mutableSource{rows: map[uuid.UUID]fakeRow{id: row}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var events []Event
	go func() {
		_ = Serve(ctx, src, id, func(e Event) { events = append(events, e) })
		close(done)
	}()

	// Wait for the initial status+catchup pair to land, then append a
	// line and let the 500ms poll floor pick it up.
	time.Sleep(50 * time.Millisecond)
	if err := appendLine(logPath, "[stdout] tick\n"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(700 * time.Millisecond)

	cancel()
	<-done

	var sawLog bool
	for _, e := range events {
		if e.Type == "log" && e.Content == "tick" && e.Stream == "stdout" {
			sawLog = true
		}
	}
	if !sawLog {
		t.Fatalf("expected a log event for the appended line, got %+v", events)
	}
}

type mutableSource struct{ rows map[uuid.UUID]fakeRow }

func (m *mutableSource) Status(_ context.Context, id uuid.UUID) (string, string, bool, *int, bool, error) {
	r, ok := m.rows[id]
	if !ok {
		return "", "", false, nil, false, nil
	}
	return r.status, r.logPath, r.terminal, r.exitCode, r.ok, r.err
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func TestParseLine_ExtractsStreamPrefix(t *testing.T) {
	cases := map[string]struct {
		stream  string
		content string
	}{
		"[stdout] hi":     {"stdout", "hi"},
		"[stderr] oops":   {"stderr", "oops"},
		"[system] note":   {"system", "note"},
		"[user] question": {"user", "question"},
		"no prefix here":  {"stdout", "no prefix here"},
	}
	for line, want := range cases {
		got := parseLine(line)
		if got.Stream != want.stream || got.Content != want.content {
			t.Errorf("parseLine(%q) = %+v, want stream=%q content=%q", line, got, want.stream, want.content)
		}
	}
}
