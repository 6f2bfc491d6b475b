package runner

import (
	"errors"
	"testing"

	"github.com/agendo/execcore"
	"github.com/agendo/execcore/internal/store"
)

// TestComputeTerminalStatus_OutputLimitWins verifies spec.md §4.3's
// terminal-status precedence: exceeding max_output_bytes is reported as
// failed regardless of the underlying exit error.
func TestComputeTerminalStatus_OutputLimitWins(t *testing.T) {
	o := &runOutcome{exitErr: nil}
	o.outputExceeded.Store(true)

	status, _, reason := computeTerminalStatus(o)
	if status != store.ExecFailed {
		t.Fatalf("expected ExecFailed, got %s", status)
	}
	if reason != "output limit exceeded" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestComputeTerminalStatus_CleanExitSucceeds(t *testing.T) {
	o := &runOutcome{exitErr: nil}
	status, code, _ := computeTerminalStatus(o)
	if status != store.ExecSucceeded {
		t.Fatalf("expected ExecSucceeded, got %s", status)
	}
	if code == nil || *code != 0 {
		t.Fatalf("expected exit code 0, got %v", code)
	}
}

func TestComputeTerminalStatus_NonZeroExitFails(t *testing.T) {
	o := &runOutcome{exitErr: &agentrun.ExitError{Code: 7, Err: errors.New("boom")}}
	status, code, _ := computeTerminalStatus(o)
	if status != store.ExecFailed {
		t.Fatalf("expected ExecFailed, got %s", status)
	}
	if code == nil || *code != 7 {
		t.Fatalf("expected exit code 7, got %v", code)
	}
}

// TestComputeTerminalStatus_TimeoutSignalled is the boundary behaviour
// from spec.md §8: a killed child (no ExitError, non-nil exitErr) is
// only reported timed_out when the runner's own timeout path sent the
// termination signal first.
func TestComputeTerminalStatus_TimeoutSignalled(t *testing.T) {
	o := &runOutcome{exitErr: errors.New("signal: killed")}
	o.signalledBy.Store("timeout")

	status, code, _ := computeTerminalStatus(o)
	if status != store.ExecTimedOut {
		t.Fatalf("expected ExecTimedOut, got %s", status)
	}
	if code != nil {
		t.Fatalf("expected nil exit code for a killed process, got %v", *code)
	}
}

func TestComputeTerminalStatus_KilledWithoutTimeoutSignalIsFailed(t *testing.T) {
	o := &runOutcome{exitErr: errors.New("signal: killed")}
	status, _, _ := computeTerminalStatus(o)
	if status != store.ExecFailed {
		t.Fatalf("expected ExecFailed for an unexplained kill, got %s", status)
	}
}
