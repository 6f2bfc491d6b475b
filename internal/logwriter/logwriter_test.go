package logwriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPath_LayoutByYearMonth(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)
	got := Path("/data/logs", id, now)
	want := filepath.Join("/data/logs", "2026", "03", id.String()+".log")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWrite_PrefixesEveryLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec.log")
	w, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Write(StreamStdout, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(StreamStderr, "oops\nagain"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "[stdout] hello\n[stderr] oops\n[stderr] again\n"
	if string(data) != want {
		t.Fatalf("got %q want %q", data, want)
	}
}

func TestByteSizeAndLineCount_TrackWithoutReread(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "exec.log"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Write(StreamStdout, "hello"); err != nil {
		t.Fatal(err)
	}
	if w.LineCount() != 1 {
		t.Fatalf("expected 1 line, got %d", w.LineCount())
	}
	if w.ByteSize() != int64(len("[stdout] hello\n")) {
		t.Fatalf("unexpected byte size %d", w.ByteSize())
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "2026", "07", "x.log")
	w, err := Open(nested, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := os.Stat(nested); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestClose_FlushesFinalCounters(t *testing.T) {
	dir := t.TempDir()
	var gotBytes, gotLines int64
	w, err := Open(filepath.Join(dir, "x.log"), func(b, l int64) error {
		gotBytes, gotLines = b, l
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(StreamSystem, "line one"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if gotLines != 1 || gotBytes != int64(len("[system] line one\n")) {
		t.Fatalf("expected flush to report final counters, got bytes=%d lines=%d", gotBytes, gotLines)
	}
}
