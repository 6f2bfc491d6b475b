// Package logwriter implements the per-execution append-only log file
// (C11): one file per execution at {LOG_DIR}/{YYYY}/{MM}/{id}.log, every
// physical line prefixed with a stream tag, with in-memory byte/line
// counters so the runner can enforce the output limit without a read.
package logwriter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stream tags a log line with its origin, per spec.md §6.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
	StreamUser   Stream = "user"
)

func (s Stream) prefix() string { return "[" + string(s) + "] " }

// Writer is a single-writer append-only log file. The runner owns the
// only Writer for a given execution; everything else is a reader (§5).
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string

	byteSize atomic.Int64
	lineCnt  atomic.Int64

	dirty     atomic.Bool
	flushStop chan struct{}
	flushDone chan struct{}

	onFlush func(byteSize, lineCount int64) error
}

// Path returns {logDir}/{YYYY}/{MM}/{executionID}.log.
func Path(logDir string, executionID uuid.UUID, now time.Time) string {
	return filepath.Join(logDir, fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", now.Month()), executionID.String()+".log")
}

// Open creates parent directories as needed and opens the file in
// append mode. onFlush is invoked every 5s while dirty, and once more on
// Close, to persist the running counters to the execution row; it may
// be nil in tests that don't care about persistence.
func Open(path string, onFlush func(byteSize, lineCount int64) error) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logwriter: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logwriter: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logwriter: stat: %w", err)
	}

	w := &Writer{
		f:         f,
		path:      path,
		onFlush:   onFlush,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	w.byteSize.Store(info.Size())
	go w.flushLoop()
	return w, nil
}

func (w *Writer) flushLoop() {
	defer close(w.flushDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushStop:
			return
		}
	}
}

func (w *Writer) flush() {
	if !w.dirty.CompareAndSwap(true, false) {
		return
	}
	if w.onFlush == nil {
		return
	}
	_ = w.onFlush(w.byteSize.Load(), w.lineCnt.Load())
}

// Write appends content to the log, splitting it on newlines so every
// physical line is individually prefixed with stream's tag. A trailing
// partial line (no terminating '\n' in this chunk) is still written and
// still counted as a line, matching the "append-only, no holes"
// ordering guarantee in spec.md §5.
func (w *Writer) Write(stream Stream, content string) error {
	if content == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := strings.Split(content, "\n")
	// strings.Split on "a\nb\n" yields ["a","b",""] — drop the trailing
	// empty element produced by a final newline so it isn't counted as
	// an extra empty line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(stream.prefix())
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	n, err := w.f.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("logwriter: write: %w", err)
	}
	w.byteSize.Add(int64(n))
	w.lineCnt.Add(int64(len(lines)))
	w.dirty.Store(true)
	return nil
}

// ByteSize returns the current byte size synchronously, with no file
// read, so the runner can enforce max_output_bytes inline with writes.
func (w *Writer) ByteSize() int64 { return w.byteSize.Load() }

// LineCount returns the current line count synchronously.
func (w *Writer) LineCount() int64 { return w.lineCnt.Load() }

// FilePath returns the path this Writer was opened against.
func (w *Writer) FilePath() string { return w.path }

// Close stops the flush loop, performs a final flush, and closes the
// underlying file.
func (w *Writer) Close() error {
	close(w.flushStop)
	<-w.flushDone
	w.dirty.Store(true)
	w.flush()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("logwriter: close: %w", err)
	}
	return nil
}
