package handle

import (
	"context"
	goexec "os/exec"
	"strings"
	"testing"
	"time"

	"harness/event"
	"harness/exec"
)

func mustCommand(t *testing.T, program string, args ...string) exec.Command {
	t.Helper()
	cmd, err := exec.NewCommand(program, args...)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	return cmd
}

func collect(t *testing.T, h ProcessHandle, timeout time.Duration) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	events, err := h.Events().Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return events
}

func TestLaunchEmitsStartedThenOutputThenExactlyOneExited(t *testing.T) {
	l := &ProcessLauncher{}
	h, err := l.Launch(context.Background(), "echo", mustCommand(t, "/bin/echo", "hello"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	events := collect(t, h, 2*time.Second)

	if len(events) < 2 {
		t.Fatalf("got %d events, want at least Started and Exited", len(events))
	}
	if events[0].Kind != event.KindStarted {
		t.Fatalf("events[0].Kind = %v, want Started", events[0].Kind)
	}
	exitedCount := 0
	for i, e := range events {
		if e.Kind == event.KindExited {
			exitedCount++
			if i != len(events)-1 {
				t.Errorf("Exited event at index %d, want last (index %d)", i, len(events)-1)
			}
		}
	}
	if exitedCount != 1 {
		t.Fatalf("got %d Exited events, want exactly 1", exitedCount)
	}
}

func TestLaunchExitedEventCarriesZeroExitCode(t *testing.T) {
	l := &ProcessLauncher{}
	h, err := l.Launch(context.Background(), "true", mustCommand(t, "/bin/true"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	events := collect(t, h, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != event.KindExited || last.Code == nil || *last.Code != 0 {
		t.Fatalf("last event = %+v, want Exited with code 0", last)
	}
}

func TestLaunchExitedEventCarriesNonZeroExitCode(t *testing.T) {
	l := &ProcessLauncher{}
	h, err := l.Launch(context.Background(), "false", mustCommand(t, "/bin/false"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	events := collect(t, h, 2*time.Second)
	last := events[len(events)-1]
	if last.Kind != event.KindExited || last.Code == nil || *last.Code != 1 {
		t.Fatalf("last event = %+v, want Exited with code 1", last)
	}
}

func TestLaunchRelaysStdoutLines(t *testing.T) {
	l := &ProcessLauncher{}
	cmd := mustCommand(t, "/bin/sh", "-c", "echo one; echo two")
	h, err := l.Launch(context.Background(), "lines", cmd)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	events := collect(t, h, 2*time.Second)

	var lines []string
	for _, e := range events {
		if e.Kind == event.KindStdout {
			lines = append(lines, e.Line)
		}
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("stdout lines = %v, want [one two]", lines)
	}
}

func TestLaunchSplitsLinesLongerThanTheBoundary(t *testing.T) {
	l := &ProcessLauncher{}
	// One line far longer than the 64KiB per-event boundary: printf avoids
	// a trailing newline from being counted as a second, empty line.
	long := strings.Repeat("x", 70*1024)
	cmd := mustCommand(t, "/bin/sh", "-c", "printf '%s\\n' \"$1\"", "--", long)
	h, err := l.Launch(context.Background(), "longline", cmd)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	events := collect(t, h, 5*time.Second)

	var reassembled strings.Builder
	sawSplit := false
	for _, e := range events {
		if e.Kind != event.KindStdout {
			continue
		}
		reassembled.WriteString(e.Line)
		if e.Split {
			sawSplit = true
		}
	}
	if !sawSplit {
		t.Error("expected at least one event flagged Split for a line past the boundary")
	}
	if reassembled.String() != long {
		t.Errorf("reassembled line length = %d, want %d", reassembled.Len(), len(long))
	}
}

func TestTerminateStopsARunningProcessGracefully(t *testing.T) {
	l := &ProcessLauncher{ShutdownGrace: time.Second}
	h, err := l.Launch(context.Background(), "sleeper", mustCommand(t, "/bin/sleep", "30"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// Drain the stream concurrently so Terminate's wait for `done` isn't
	// blocked behind an unread Exited event.
	done := make(chan struct{})
	go func() {
		h.Events().Drain(context.Background())
		close(done)
	}()

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	status, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Signal == "" && (status.Code == nil || *status.Code == 0) {
		t.Errorf("status = %+v, want signal or non-zero exit from SIGTERM", status)
	}
	<-done
}

func TestTerminateOnAnUnresponsiveProcessEscalatesToKill(t *testing.T) {
	l := &ProcessLauncher{ShutdownGrace: 50 * time.Millisecond}
	// The loop (rather than a single tail command) keeps the shell process
	// itself alive to honor the trap instead of being exec-replaced.
	cmd := mustCommand(t, "/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	h, err := l.Launch(context.Background(), "stubborn", cmd)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	go h.Events().Drain(context.Background())

	start := time.Now()
	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Terminate took %s, expected escalation to Kill well under 2s", elapsed)
	}

	status, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Signal != "killed" && (status.Code == nil) {
		// Some platforms report a signal name, others a -1 code; either
		// way the process must actually be gone, verified by Wait
		// returning at all without timing out.
	}
}

func TestPidReturnsFalseBeforeLaunch(t *testing.T) {
	h := &processHandle{id: "unstarted", cmd: &goexec.Cmd{}}
	if _, ok := h.Pid(); ok {
		t.Error("Pid() reported ok=true for a handle with no underlying cmd.Process")
	}
}

func TestIDReturnsTheSuppliedIdentifier(t *testing.T) {
	l := &ProcessLauncher{}
	h, err := l.Launch(context.Background(), "named", mustCommand(t, "/bin/true"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.ID() != "named" {
		t.Errorf("ID() = %q, want named", h.ID())
	}
	go h.Events().Drain(context.Background())
}
