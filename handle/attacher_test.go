package handle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"harness/exec"
	"harness/harnesserr"
)

func TestAttachRejectsUnknownDiscriminatorKind(t *testing.T) {
	a := Attacher{}
	_, err := a.Attach(context.Background(), exec.AttachDiscriminator{Kind: exec.AttachKind("smoke-signal")})
	if err == nil || !harnesserr.Is(err, harnesserr.InvalidConfig) {
		t.Fatalf("Attach = %v, want InvalidConfig", err)
	}
}

func TestAttachedHandleEventsStreamIsImmediatelyExhausted(t *testing.T) {
	a := Attacher{}
	h, err := a.Attach(context.Background(), exec.AttachDiscriminator{Kind: exec.AttachPIDFile, Value: "/dev/null"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	_, ok, err := h.Events().Next(context.Background())
	if err != nil || ok {
		t.Fatalf("Next() = ok=%v err=%v, want an already-closed stream", ok, err)
	}
}

func TestAttachedHandleControlFailsWithoutAController(t *testing.T) {
	a := Attacher{}
	h, err := a.Attach(context.Background(), exec.AttachDiscriminator{Kind: exec.AttachPIDFile, Value: "/dev/null"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := h.Start(context.Background()); err == nil || !harnesserr.Is(err, harnesserr.TargetUnsupported) {
		t.Fatalf("Start = %v, want TargetUnsupported", err)
	}
}

func TestAttachedHandleControlDelegatesToConfiguredController(t *testing.T) {
	var gotAction string
	a := Attacher{Controller: func(ctx context.Context, action string) error {
		gotAction = action
		return nil
	}}
	h, err := a.Attach(context.Background(), exec.AttachDiscriminator{Kind: exec.AttachPIDFile, Value: "/dev/null"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := h.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if gotAction != "restart" {
		t.Errorf("controller action = %q, want restart", gotAction)
	}
}

func TestStatusFromPIDFileReportsRunningForOurOwnProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	status, err := statusFromPIDFile(path)
	if err != nil {
		t.Fatalf("statusFromPIDFile: %v", err)
	}
	if !status.Running || status.Pid != os.Getpid() {
		t.Fatalf("status = %+v, want Running with pid %d", status, os.Getpid())
	}
}

func TestStatusFromPIDFileReportsNotRunningWhenFileIsMissing(t *testing.T) {
	status, err := statusFromPIDFile(filepath.Join(t.TempDir(), "does-not-exist.pid"))
	if err != nil {
		t.Fatalf("statusFromPIDFile: %v", err)
	}
	if status.Running {
		t.Error("expected Running=false for a missing pid file")
	}
}

func TestStatusFromPIDFileFailsOnMalformedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := statusFromPIDFile(path); err == nil || !harnesserr.Is(err, harnesserr.Malformed) {
		t.Fatalf("statusFromPIDFile malformed content = %v, want Malformed", err)
	}
}
