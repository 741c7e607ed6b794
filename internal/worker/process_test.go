package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_Stdin verifies the instruction reaches the child on stdin
func TestExecuteCommand_Stdin(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "cat")

	stdout, _, err := executeCommand(ctx, cmd, []byte(`{"ping":true}`), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(stdout) != `{"ping":true}` {
		t.Errorf("Expected stdin echoed back, got: %s", stdout)
	}
}

// TestExecuteCommand_LargeOutput verifies concurrent pipe reading prevents deadlock
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ~300KB on stdout and stderr, well above the 64KB pipe buffer
	script := `i=0; while [ $i -lt 20000 ]; do echo "line $i of output"; echo "err $i" >&2; i=$((i+1)); done`
	cmd := newCommand(ctx, "sh", "-c", script)

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	duration := time.Since(start)
	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("Expected 20000 lines of output, got %d", len(lines))
	}
	if len(stderr) == 0 {
		t.Error("Expected stderr to be captured")
	}
}

// TestExecuteCommand_ContextCancellation verifies subprocess termination on context cancel
func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil, nil)
	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
	if !strings.Contains(err.Error(), "deadline exceeded") && !strings.Contains(err.Error(), "killed") {
		t.Errorf("Expected context/signal error, got: %v", err)
	}
}

// TestExecuteCommand_NonZeroExitCode verifies stderr is attached to the error
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo 'crm unreachable' >&2; exit 3")

	_, _, err := executeCommand(ctx, cmd, nil, nil)
	if err == nil {
		t.Fatal("Expected error for non-zero exit code")
	}
	if !strings.Contains(err.Error(), "crm unreachable") {
		t.Errorf("Expected stderr in error, got: %v", err)
	}
}

// TestExecuteCommand_TracksProcess verifies the manager sees the child only while it runs
func TestExecuteCommand_TracksProcess(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	if _, _, err := executeCommand(ctx, newCommand(ctx, "true"), nil, pm); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after completion, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	pm.KillAll()

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies process group signal propagation
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	time.Sleep(200 * time.Millisecond)
	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	checkCmd := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID))
	output, err := checkCmd.CombinedOutput()
	// pgrep exits 1 when nothing matches
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}
