package handle

import (
	"context"
	"testing"

	"harness/harnesserr"
)

func TestSystemdHandleIDReturnsUnitName(t *testing.T) {
	h := &systemdHandle{unit: "myapp.service"}
	if h.ID() != "myapp.service" {
		t.Errorf("ID() = %q, want myapp.service", h.ID())
	}
}

func TestSystemdHandlePidIsAlwaysUnavailable(t *testing.T) {
	h := &systemdHandle{unit: "myapp.service"}
	if _, ok := h.Pid(); ok {
		t.Error("Pid() reported ok=true; systemd units never expose a PID this way")
	}
}

func TestSystemdHandleSignalIsUnsupported(t *testing.T) {
	h := &systemdHandle{unit: "myapp.service"}
	err := h.Signal(context.Background(), SignalTerm)
	if err == nil || !harnesserr.Is(err, harnesserr.TargetUnsupported) {
		t.Fatalf("Signal = %v, want TargetUnsupported", err)
	}
}
