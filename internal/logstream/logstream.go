// Package logstream implements the fan-out log tailing endpoint (C12):
// a status preamble, a catch-up dump of the current file content, a
// sequence of parsed log lines as the file grows, and a terminal `done`
// event — driven by both an fsnotify watch and a 500ms polling floor,
// because file-watch notifications are best-effort and polling is a
// cheap, reliable backstop (spec.md §9).
//
// The same machinery serves both execution and session logs; only the
// RowSource implementation and its set of terminal statuses differ.
package logstream

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Event is one envelope emitted on the stream, per spec.md §6.
type Event struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Content  string `json:"content,omitempty"`
	Stream   string `json:"stream,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RowSource abstracts the status row behind a log stream — an
// execution or a session — so one Serve implementation covers both.
type RowSource interface {
	// Status returns the current status string, the log file path, and
	// (if terminal) an exit code. ok is false if the row does not exist.
	Status(ctx context.Context, id uuid.UUID) (status, logPath string, terminal bool, exitCode *int, ok bool, err error)
}

// Serve drives the lifecycle in spec.md §4.12 and writes one Event per
// step to emit. It blocks until the run reaches a terminal status or
// ctx is cancelled (client disconnect).
func Serve(ctx context.Context, source RowSource, id uuid.UUID, emit func(Event)) error {
	status, logPath, terminal, exitCode, ok, err := source.Status(ctx, id)
	if err != nil {
		emit(Event{Type: "error", Message: err.Error()})
		return err
	}
	if !ok {
		emit(Event{Type: "error", Message: "not found"})
		return nil
	}
	emit(Event{Type: "status", Status: status})

	var cursor int64
	if data, ferr := os.ReadFile(logPath); ferr == nil {
		emit(Event{Type: "catchup", Content: string(data)})
		cursor = int64(len(data))
	}

	if terminal {
		emit(Event{Type: "done", Status: status, ExitCode: exitCode})
		return nil
	}

	// fsnotify is best-effort (spec.md §9): if the watch can't be created,
	// fall through to the 500ms polling floor alone rather than failing
	// the stream. watchEvents stays nil in that case, and a nil channel
	// is never selected, so the loop below degrades gracefully.
	var watchEvents chan fsnotify.Event
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(logPath)
		watchEvents = watcher.Events
	}

	readTick := time.NewTicker(500 * time.Millisecond)
	defer readTick.Stop()
	statusTick := time.NewTicker(1 * time.Second)
	defer statusTick.Stop()

	readMore := func() {
		newCursor, lines, rerr := readFrom(logPath, cursor)
		if rerr != nil {
			return
		}
		cursor = newCursor
		for _, l := range lines {
			emit(parseLine(l))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-watchEvents:
			readMore()

		case <-readTick.C:
			readMore()

		case <-statusTick.C:
			newStatus, _, newTerminal, newExit, newOK, serr := source.Status(ctx, id)
			if serr != nil || !newOK {
				continue
			}
			if newStatus != status {
				status = newStatus
				emit(Event{Type: "status", Status: status})
			}
			if newTerminal {
				readMore()
				emit(Event{Type: "done", Status: status, ExitCode: newExit})
				return nil
			}
		}
	}
}

// readFrom opens path, reads from cursor to EOF, and splits the new
// bytes into lines. It returns the new cursor position.
func readFrom(path string, cursor int64) (int64, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return cursor, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return cursor, nil, err
	}
	if info.Size() <= cursor {
		return cursor, nil, nil
	}
	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return cursor, nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	read := cursor
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		read += int64(len(scanner.Text())) + 1
	}
	return info.Size(), lines, nil
}

// parseLine converts one raw log line into a `log` Event, extracting
// the `[xxx] ` stream prefix written by internal/logwriter. Lines with
// no recognized prefix default to stdout.
func parseLine(line string) Event {
	stream := "stdout"
	content := line
	for _, tag := range []string{"stdout", "stderr", "system", "user"} {
		prefix := "[" + tag + "] "
		if strings.HasPrefix(line, prefix) {
			stream = tag
			content = strings.TrimPrefix(line, prefix)
			break
		}
	}
	return Event{Type: "log", Content: content, Stream: stream}
}
